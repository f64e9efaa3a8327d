package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/handprint-worker/internal/model"
	"github.com/adverant/nexus/handprint-worker/internal/services"
)

func newServicesCmd() *cobra.Command {
	var jsonMode bool
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List the recognition services and their limits",
		Long: `List every known service with the size, dimension and rate limits
applied to it. Services without credentials in the environment are shown
as unavailable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return withCode(ExitBadArgument, err)
			}
			rows := serviceRows(reg)
			if jsonMode {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			printServices(os.Stdout, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "print the list as JSON")
	return cmd
}

type serviceRow struct {
	model.ServiceDescriptor
	Available bool `json:"available"`
}

// serviceRows lists the registered services followed by the built-in ones
// that lack credentials.
func serviceRows(reg *services.Registry) []serviceRow {
	available := make(map[string]bool)
	var rows []serviceRow
	for _, name := range reg.Names() {
		d, _ := reg.Descriptor(name)
		rows = append(rows, serviceRow{ServiceDescriptor: d, Available: true})
		available[name] = true
	}

	var missing []serviceRow
	for _, d := range services.BuiltinDescriptors() {
		if available[d.Name] {
			continue
		}
		if known, ok := reg.Descriptor(d.Name); ok {
			d = known
		}
		missing = append(missing, serviceRow{ServiceDescriptor: d})
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })
	return append(rows, missing...)
}

func printServices(w io.Writer, rows []serviceRow) {
	for _, row := range rows {
		if row.Available {
			color.New(color.FgGreen).Fprintf(w, "  ✓ %-12s", row.Name)
		} else {
			color.New(color.FgHiBlack).Fprintf(w, "  - %-12s", row.Name)
		}
		fmt.Fprintf(w, " %s\n", describeLimits(row.ServiceDescriptor))
	}
}

func describeLimits(d model.ServiceDescriptor) string {
	var parts []string
	if d.MaxSize > 0 {
		parts = append(parts, fmt.Sprintf("max %s", formatBytes(d.MaxSize)))
	}
	if d.MaxWidth > 0 || d.MaxHeight > 0 {
		parts = append(parts, fmt.Sprintf("max %dx%d px", d.MaxWidth, d.MaxHeight))
	}
	if d.MaxRate > 0 {
		if d.MaxRate < 1 {
			parts = append(parts, fmt.Sprintf("1 call per %.0fs", 1/d.MaxRate))
		} else {
			parts = append(parts, fmt.Sprintf("%.0f calls/s", d.MaxRate))
		}
	}
	if d.MaxItems > 0 {
		parts = append(parts, fmt.Sprintf("%d items", d.MaxItems))
	}
	if len(d.Granularities) > 0 {
		levels := make([]string, len(d.Granularities))
		for i, g := range d.Granularities {
			levels[i] = string(g)
		}
		parts = append(parts, strings.Join(levels, "/"))
	}
	if len(parts) == 0 {
		return "no limits"
	}
	return strings.Join(parts, ", ")
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
