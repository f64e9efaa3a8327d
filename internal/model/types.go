/**
 * Shared data structures for recognition runs
 *
 * Produced by the normalizer, service adapters and dispatcher; consumed by the
 * comparator, the CLI writers, storage and the queue worker.
 */

package model

import (
	"strings"
	"time"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
)

// Document is one input as handed over by the input resolver.
type Document struct {
	Source    string // local path or URL
	Name      string // base name used for output files
	Format    string // "png", "jpeg", "pdf", ...
	Data      []byte
	PageCount int
}

// NormalizedImage is the canonical, size-bounded image sent to every service in a run.
type NormalizedImage struct {
	Data        []byte
	Format      string
	Width       int
	Height      int
	SourcePages int      // pages in the source document; only the first is used
	Limit       int64    // byte ceiling the image was sized against
	Services    []string // services the limit was computed from
	Digest      string   // hex SHA-256 of Data
}

// SizedFor reports whether the image was normalized against the named service.
func (n *NormalizedImage) SizedFor(service string) bool {
	for _, s := range n.Services {
		if s == service {
			return true
		}
	}
	return false
}

// Granularity is the level of a recognized text unit.
type Granularity string

const (
	GranularityWord      Granularity = "word"
	GranularityLine      Granularity = "line"
	GranularityParagraph Granularity = "paragraph"
)

// ServiceDescriptor holds static limits and capabilities of one back end.
type ServiceDescriptor struct {
	Name          string        `yaml:"name" json:"name"`
	MaxSize       int64         `yaml:"max_size" json:"max_size"`
	MaxWidth      int           `yaml:"max_width" json:"max_width,omitempty"`
	MaxHeight     int           `yaml:"max_height" json:"max_height,omitempty"`
	MaxRate       float64       `yaml:"max_rate" json:"max_rate,omitempty"` // requests per second, 0 = unlimited
	MaxItems      int           `yaml:"max_items" json:"max_items,omitempty"`
	Granularities []Granularity `yaml:"granularities" json:"granularities"`
}

// Supports reports whether the service can return items of granularity g.
func (d ServiceDescriptor) Supports(g Granularity) bool {
	for _, have := range d.Granularities {
		if have == g {
			return true
		}
	}
	return false
}

// Point is one vertex of a bounding polygon, in image pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TextItem is a recognized word, line or paragraph.
type TextItem struct {
	Text        string      `json:"text"`
	Granularity Granularity `json:"granularity"`
	Polygon     []Point     `json:"polygon,omitempty"`
	Confidence  *float64    `json:"confidence,omitempty"`
}

// Confidence returns a pointer suitable for TextItem.Confidence, clamped to [0,1].
func Confidence(v float64) *float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

// RecognitionResult is the provider-neutral output of one adapter call.
// Items keep the service's reading order.
type RecognitionResult struct {
	Service   string        `json:"service"`
	Text      string        `json:"text"`
	Items     []TextItem    `json:"items"`
	Truncated bool          `json:"truncated"`
	Raw       []byte        `json:"-"`
	Duration  time.Duration `json:"duration"`
	Cached    bool          `json:"cached,omitempty"`
}

// Lines returns the text lines of the result, in reading order.
// Line items are preferred; otherwise the full text is split on newlines.
func (r *RecognitionResult) Lines() []string {
	var lines []string
	for _, item := range r.Items {
		if item.Granularity == GranularityLine {
			lines = append(lines, item.Text)
		}
	}
	if len(lines) > 0 {
		return lines
	}
	for _, l := range strings.Split(strings.TrimSpace(r.Text), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// ItemsOf returns the items of granularity g.
func (r *RecognitionResult) ItemsOf(g Granularity) []TextItem {
	var out []TextItem
	for _, item := range r.Items {
		if item.Granularity == g {
			out = append(out, item)
		}
	}
	return out
}

// Outcome is either a result or a service error, never both.
type Outcome struct {
	Result *RecognitionResult
	Err    *errors.ServiceError
}

// OK reports whether the outcome holds a result.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Result != nil
}

// Outcomes maps service name to outcome. Iteration order carries no meaning.
type Outcomes map[string]Outcome

// Failures returns the service errors keyed by service name.
func (o Outcomes) Failures() map[string]*errors.ServiceError {
	failed := make(map[string]*errors.ServiceError)
	for name, out := range o {
		if !out.OK() {
			failed[name] = out.Err
		}
	}
	return failed
}

// RowKind tells how a comparison row was produced.
type RowKind string

const (
	RowMatched RowKind = "matched"
	RowMissing RowKind = "missing"
	RowExtra   RowKind = "extra"
	RowTotal   RowKind = "total"
)

// ComparisonRow is one line of a ground-truth comparison.
type ComparisonRow struct {
	Errors   int     `json:"errors"`
	CER      float64 `json:"cer"`
	Expected string  `json:"expected"`
	Received string  `json:"received"`
	Kind     RowKind `json:"kind"`
}

// Comparison is the ordered rows for one (service, document) pair; the last row is the total.
type Comparison []ComparisonRow

// Total returns the trailing aggregate row.
func (c Comparison) Total() ComparisonRow {
	if len(c) == 0 {
		return ComparisonRow{Kind: RowTotal}
	}
	return c[len(c)-1]
}
