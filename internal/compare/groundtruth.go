package compare

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadGroundTruth reads a transcript with one expected line per text line.
// Blank lines are dropped. Invalid UTF-8 or NUL bytes yield an ALIGNMENT_INPUT error.
func ReadGroundTruth(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ground truth: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if !utf8.ValidString(line) {
			return nil, errors.NewAlignmentInputError(n, "invalid UTF-8")
		}
		if strings.IndexByte(line, 0) >= 0 {
			return nil, errors.NewAlignmentInputError(n, "NUL byte")
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ground truth: %w", err)
	}
	return lines, nil
}

// FormatTSV writes the comparison as a tab-separated table with a header
// line and the aggregate totals at the end.
func FormatTSV(w io.Writer, rows model.Comparison) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "Errors\tCER (%)\tExpected text\tReceived text")
	for _, r := range rows {
		if r.Kind == model.RowTotal {
			continue
		}
		fmt.Fprintf(bw, "%d\t%.2f\t%s\t%s\n", r.Errors, r.CER, r.Expected, r.Received)
	}
	t := rows.Total()
	fmt.Fprintln(bw, "Total errors\tTotal CER (%)\t\t")
	fmt.Fprintf(bw, "%d\t%.2f\t\t\n", t.Errors, t.CER)
	return bw.Flush()
}
