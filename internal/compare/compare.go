// Package compare aligns recognized text lines against a ground-truth
// transcript and scores each line by character error rate.
package compare

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// DefaultThreshold is the minimum LCS similarity for two lines to be paired.
const DefaultThreshold = 0.5

// punctuation removed in relaxed mode
var punctuation = strings.NewReplacer(",", "", ".", "", ":", "", ";", "")

// Options tune the line alignment.
type Options struct {
	// Threshold is the minimum similarity in [0,1] for a received line to be
	// accepted as the counterpart of an expected line.
	Threshold float64
	// Window limits how many unconsumed received lines are searched for each
	// expected line. 0 searches all of them.
	Window int
	// ReportExtra emits received lines that matched nothing as rows with an
	// empty expected text.
	ReportExtra bool
}

// DefaultOptions returns threshold 0.5 with an unbounded search window.
func DefaultOptions() Options {
	return Options{Threshold: DefaultThreshold}
}

// Comparator aligns and scores line sequences.
type Comparator struct {
	opts Options
}

// New returns a Comparator. A non-positive threshold falls back to DefaultThreshold.
func New(opts Options) *Comparator {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Window < 0 {
		opts.Window = 0
	}
	return &Comparator{opts: opts}
}

// Compare uses DefaultOptions.
func Compare(expected, received []string, relaxed bool) (model.Comparison, error) {
	return New(DefaultOptions()).Compare(expected, received, relaxed)
}

// Compare walks the expected lines in order and pairs each with the most
// similar unconsumed received line at or after the current position. Received
// lines passed over by a match are treated as extra. Expected lines with no
// acceptable counterpart are reported as missing. The returned comparison
// always ends with an aggregate row.
func (c *Comparator) Compare(expected, received []string, relaxed bool) (model.Comparison, error) {
	for i, line := range expected {
		if err := validateLine(i+1, line); err != nil {
			return nil, err
		}
	}

	exp := make([]string, len(expected))
	for i, line := range expected {
		exp[i] = clean(line, relaxed)
	}
	recv := make([]string, len(received))
	for i, line := range received {
		recv[i] = clean(strings.ToValidUTF8(line, "�"), relaxed)
	}

	rows := make(model.Comparison, 0, len(exp)+1)
	next := 0
	for _, e := range exp {
		end := len(recv)
		if c.opts.Window > 0 && next+c.opts.Window < end {
			end = next + c.opts.Window
		}

		best, bestScore := -1, -1.0
		for j := next; j < end; j++ {
			if s := Similarity(e, recv[j]); s > bestScore {
				best, bestScore = j, s
			}
		}

		if best < 0 || bestScore < c.opts.Threshold {
			rows = append(rows, missingRow(e))
			continue
		}

		if c.opts.ReportExtra {
			for k := next; k < best; k++ {
				rows = append(rows, extraRow(recv[k]))
			}
		}
		rows = append(rows, ScoreLine(e, recv[best]))
		next = best + 1
	}

	if c.opts.ReportExtra {
		for k := next; k < len(recv); k++ {
			rows = append(rows, extraRow(recv[k]))
		}
	}

	return append(rows, total(rows)), nil
}

// ScoreLine computes the edit distance and CER of received against expected.
// CER is relative to the expected length and exceeds 100 when received is much longer.
func ScoreLine(expected, received string) model.ComparisonRow {
	dist := levenshtein.ComputeDistance(received, expected)
	return model.ComparisonRow{
		Errors:   dist,
		CER:      cer(dist, utf8.RuneCountInString(expected)),
		Expected: expected,
		Received: received,
		Kind:     model.RowMatched,
	}
}

func missingRow(expected string) model.ComparisonRow {
	n := utf8.RuneCountInString(expected)
	return model.ComparisonRow{
		Errors:   n,
		CER:      cer(n, n),
		Expected: expected,
		Received: "",
		Kind:     model.RowMissing,
	}
}

func extraRow(received string) model.ComparisonRow {
	n := utf8.RuneCountInString(received)
	return model.ComparisonRow{
		Errors:   n,
		CER:      cer(n, 0),
		Expected: "",
		Received: received,
		Kind:     model.RowExtra,
	}
}

func total(rows model.Comparison) model.ComparisonRow {
	var errs, length int
	for _, r := range rows {
		errs += r.Errors
		length += utf8.RuneCountInString(r.Expected)
	}
	agg := model.ComparisonRow{Errors: errs, Kind: model.RowTotal}
	if length > 0 {
		agg.CER = 100 * float64(errs) / float64(length)
	}
	return agg
}

func cer(errs, expectedLen int) float64 {
	if expectedLen == 0 {
		if errs == 0 {
			return 0
		}
		return 100
	}
	return 100 * float64(errs) / float64(expectedLen)
}

// clean collapses whitespace and, in relaxed mode, folds case and drops , . : ;
func clean(line string, relaxed bool) string {
	line = norm.NFC.String(line)
	if relaxed {
		line = punctuation.Replace(strings.ToLower(line))
	}
	return strings.Join(strings.Fields(line), " ")
}

func validateLine(n int, line string) error {
	if !utf8.ValidString(line) {
		return errors.NewAlignmentInputError(n, "invalid UTF-8")
	}
	if strings.IndexByte(line, 0) >= 0 {
		return errors.NewAlignmentInputError(n, "NUL byte")
	}
	return nil
}
