package model

import (
	"encoding/json"
	"sort"
	"time"
)

// RunStatus is the state of a run or of one document within it.
type RunStatus string

const (
	StatusProcessing  RunStatus = "processing"
	StatusCompleted   RunStatus = "completed"
	StatusPartial     RunStatus = "partial" // some services failed
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted"
)

// DocumentReport is everything a run produced for one input document.
type DocumentReport struct {
	RunID       string                `json:"run_id"`
	DocumentID  string                `json:"document_id"`
	Source      string                `json:"source"`
	Name        string                `json:"name"`
	Image       ImageInfo             `json:"image"`
	Services    []string              `json:"services"`
	Outcomes    Outcomes              `json:"outcomes"`
	Comparisons map[string]Comparison `json:"comparisons,omitempty"`
	Interrupted bool                  `json:"interrupted,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	Duration    time.Duration         `json:"duration"`
}

// ImageInfo describes the normalized image without carrying its bytes.
type ImageInfo struct {
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bytes       int    `json:"bytes"`
	Limit       int64  `json:"limit"`
	SourcePages int    `json:"source_pages"`
	Digest      string `json:"digest"`
}

// InfoOf summarizes img.
func InfoOf(img *NormalizedImage) ImageInfo {
	if img == nil {
		return ImageInfo{}
	}
	return ImageInfo{
		Format:      img.Format,
		Width:       img.Width,
		Height:      img.Height,
		Bytes:       len(img.Data),
		Limit:       img.Limit,
		SourcePages: img.SourcePages,
		Digest:      img.Digest,
	}
}

// Status derives the document status from its outcomes.
func (r *DocumentReport) Status() RunStatus {
	switch {
	case r.Interrupted:
		return StatusInterrupted
	case len(r.Outcomes) == 0:
		return StatusFailed
	}
	failed := len(r.Outcomes.Failures())
	switch {
	case failed == 0:
		return StatusCompleted
	case failed == len(r.Outcomes):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// SucceededServices lists services with a result, sorted by name.
func (r *DocumentReport) SucceededServices() []string {
	var names []string
	for name, out := range r.Outcomes {
		if out.OK() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MarshalJSON writes either the result or the error.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.OK() {
		return json.Marshal(struct {
			Result *RecognitionResult `json:"result"`
		}{o.Result})
	}
	var errMap map[string]interface{}
	if o.Err != nil {
		errMap = o.Err.ToMap()
	}
	return json.Marshal(struct {
		Error map[string]interface{} `json:"error"`
	}{errMap})
}
