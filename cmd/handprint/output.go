package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/handprint-worker/internal/compare"
	"github.com/adverant/nexus/handprint-worker/internal/input"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// outputBase is the path prefix for a document's output files: dir/name when
// an output directory is given, otherwise next to a local input, otherwise
// the name in the current directory.
func outputBase(dir string, report *model.DocumentReport) string {
	switch {
	case dir != "":
		return filepath.Join(dir, report.Name)
	case input.IsURL(report.Source) || strings.HasPrefix(report.Source, "queue:"):
		return report.Name
	default:
		return strings.TrimSuffix(report.Source, filepath.Ext(report.Source))
	}
}

// writeOutputs writes <base>.<service>.txt and .json for every successful
// service, and .tsv for every comparison. It returns the files written.
func writeOutputs(base string, report *model.DocumentReport) ([]string, error) {
	if dir := filepath.Dir(base); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var written []string
	for _, name := range report.SucceededServices() {
		result := report.Outcomes[name].Result
		prefix := fmt.Sprintf("%s.%s", base, name)

		text := result.Text
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		if err := os.WriteFile(prefix+".txt", []byte(text), 0o644); err != nil {
			return written, fmt.Errorf("failed to write text for %s: %w", name, err)
		}
		written = append(written, prefix+".txt")

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return written, fmt.Errorf("failed to marshal result for %s: %w", name, err)
		}
		if err := os.WriteFile(prefix+".json", append(data, '\n'), 0o644); err != nil {
			return written, fmt.Errorf("failed to write JSON for %s: %w", name, err)
		}
		written = append(written, prefix+".json")

		if rows, ok := report.Comparisons[name]; ok {
			if err := writeTSV(prefix+".tsv", rows); err != nil {
				return written, fmt.Errorf("failed to write comparison for %s: %w", name, err)
			}
			written = append(written, prefix+".tsv")
		}
	}
	return written, nil
}

func writeTSV(path string, rows model.Comparison) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := compare.FormatTSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
