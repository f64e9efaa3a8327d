package services

// Vision API images:annotate request and response bodies.

type visionRequest struct {
	Requests []visionImageRequest `json:"requests"`
}

type visionImageRequest struct {
	Image        visionImage         `json:"image"`
	Features     []visionFeature     `json:"features"`
	ImageContext *visionImageContext `json:"imageContext,omitempty"`
}

type visionImage struct {
	Content string `json:"content"` // base64
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionImageContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

type visionResponse struct {
	Responses []visionImageResponse `json:"responses"`
}

type visionImageResponse struct {
	FullTextAnnotation *visionFullText `json:"fullTextAnnotation"`
	Error              *visionStatus   `json:"error"`
}

// visionStatus is a google.rpc.Status.
type visionStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type visionFullText struct {
	Pages []visionPage `json:"pages"`
	Text  string       `json:"text"`
}

type visionPage struct {
	Width  int           `json:"width"`
	Height int           `json:"height"`
	Blocks []visionBlock `json:"blocks"`
}

type visionBlock struct {
	BoundingBox visionPoly        `json:"boundingBox"`
	Paragraphs  []visionParagraph `json:"paragraphs"`
	BlockType   string            `json:"blockType"`
}

type visionParagraph struct {
	BoundingBox visionPoly   `json:"boundingBox"`
	Words       []visionWord `json:"words"`
	Confidence  float64      `json:"confidence"`
}

type visionWord struct {
	BoundingBox visionPoly     `json:"boundingBox"`
	Symbols     []visionSymbol `json:"symbols"`
	Confidence  float64        `json:"confidence"`
}

type visionSymbol struct {
	Text     string          `json:"text"`
	Property *visionProperty `json:"property"`
}

type visionProperty struct {
	DetectedBreak *visionBreak `json:"detectedBreak"`
}

type visionBreak struct {
	Type string `json:"type"` // SPACE, SURE_SPACE, EOL_SURE_SPACE, HYPHEN, LINE_BREAK
}

type visionPoly struct {
	Vertices []visionVertex `json:"vertices"`
}

type visionVertex struct {
	X int `json:"x"`
	Y int `json:"y"`
}
