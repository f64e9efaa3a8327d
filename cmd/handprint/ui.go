package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// UI prints progress and summaries for humans. In JSON mode it stays silent
// so stdout carries only the report.
type UI struct {
	out      io.Writer
	jsonMode bool

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewUI creates a UI writing to out.
func NewUI(out io.Writer, jsonMode bool) *UI {
	return &UI{out: out, jsonMode: jsonMode}
}

// StartProgress shows a bar counting finished (document, service) tasks.
func (ui *UI) StartProgress(total int, description string) {
	if ui.jsonMode || total <= 0 {
		return
	}
	ui.bar = progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Advance counts n finished tasks. Safe for concurrent use.
func (ui *UI) Advance(n int) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if ui.bar != nil {
		_ = ui.bar.Add(n)
	}
}

// Describe changes the text next to the bar.
func (ui *UI) Describe(description string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if ui.bar != nil {
		ui.bar.Describe(description)
	}
}

// FinishProgress completes and removes the bar.
func (ui *UI) FinishProgress() {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if ui.bar != nil {
		_ = ui.bar.Finish()
		ui.bar = nil
	}
}

// Error prints a problem with one input.
func (ui *UI) Error(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()
	color.New(color.FgRed).Fprintf(ui.out, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Info prints a neutral message.
func (ui *UI) Info(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()
	fmt.Fprintf(ui.out, "%s\n", fmt.Sprintf(format, args...))
}

// Summary prints one document's services, their failures and, when a
// comparison was made, each service's error totals.
func (ui *UI) Summary(report *model.DocumentReport, written []string) {
	if ui.jsonMode {
		return
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()

	bold := color.New(color.Bold)
	bold.Fprintf(ui.out, "%s", report.Name)
	fmt.Fprintf(ui.out, " (%dx%d, %d bytes) %s\n",
		report.Image.Width, report.Image.Height, report.Image.Bytes, statusColor(report.Status()))

	names := make([]string, 0, len(report.Outcomes))
	for name := range report.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		out := report.Outcomes[name]
		if !out.OK() {
			color.New(color.FgRed).Fprintf(ui.out, "  ✗ %-12s", name)
			fmt.Fprintf(ui.out, " %s\n", out.Err.Error())
			continue
		}
		color.New(color.FgGreen).Fprintf(ui.out, "  ✓ %-12s", name)
		fmt.Fprintf(ui.out, " %d items", len(out.Result.Items))
		if out.Result.Truncated {
			color.New(color.FgYellow).Fprint(ui.out, " (truncated)")
		}
		if out.Result.Cached {
			fmt.Fprint(ui.out, " (cached)")
		}
		if rows, ok := report.Comparisons[name]; ok {
			total := rows.Total()
			fmt.Fprintf(ui.out, ", %d errors, CER %s", total.Errors, cerColor(total.CER))
		}
		fmt.Fprintln(ui.out)
	}
	for _, path := range written {
		color.New(color.FgHiBlack).Fprintf(ui.out, "    → %s\n", path)
	}
}

// Totals prints each service's CER over every compared document of the run.
func (ui *UI) Totals(cer map[string]float64) {
	if ui.jsonMode || len(cer) == 0 {
		return
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()

	names := make([]string, 0, len(cer))
	for name := range cer {
		names = append(names, name)
	}
	sort.Strings(names)

	color.New(color.Bold).Fprintln(ui.out, "run totals")
	for _, name := range names {
		fmt.Fprintf(ui.out, "  %-14s CER %s\n", name, cerColor(cer[name]))
	}
}

func statusColor(status model.RunStatus) string {
	switch status {
	case model.StatusCompleted:
		return color.GreenString(string(status))
	case model.StatusPartial:
		return color.YellowString(string(status))
	default:
		return color.RedString(string(status))
	}
}

func cerColor(cer float64) string {
	s := fmt.Sprintf("%.2f%%", cer)
	switch {
	case cer <= 5:
		return color.GreenString(s)
	case cer <= 20:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}
