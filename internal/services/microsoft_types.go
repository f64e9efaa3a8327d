package services

// azureReadOperation is the body returned when polling Operation-Location.
type azureReadOperation struct {
	Status              string          `json:"status"` // notStarted, running, succeeded, failed
	CreatedDateTime     string          `json:"createdDateTime"`
	LastUpdatedDateTime string          `json:"lastUpdatedDateTime"`
	AnalyzeResult       azureReadResult `json:"analyzeResult"`
}

type azureReadResult struct {
	Version      string          `json:"version"`
	ModelVersion string          `json:"modelVersion"`
	ReadResults  []azureReadPage `json:"readResults"`
}

type azureReadPage struct {
	Page   int             `json:"page"`
	Angle  float64         `json:"angle"`
	Width  float64         `json:"width"`
	Height float64         `json:"height"`
	Unit   string          `json:"unit"`
	Lines  []azureReadLine `json:"lines"`
}

type azureReadLine struct {
	BoundingBox []float64       `json:"boundingBox"`
	Text        string          `json:"text"`
	Words       []azureReadWord `json:"words"`
}

type azureReadWord struct {
	BoundingBox []float64 `json:"boundingBox"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
}
