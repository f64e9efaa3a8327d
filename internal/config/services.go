package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// servicesFile is the layout of HANDPRINT_SERVICES_FILE.
//
//	services:
//	  - name: microsoft
//	    max_size: 4194304
//	    max_width: 10000
//	    max_height: 10000
//	    max_rate: 0.333
//	    granularities: [word, line]
type servicesFile struct {
	Services []model.ServiceDescriptor `yaml:"services"`
}

// LoadDescriptors reads service descriptor overrides from a YAML file.
// An empty path returns no overrides.
func LoadDescriptors(path string) ([]model.ServiceDescriptor, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services file: %w", err)
	}

	var f servicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse services file %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, d := range f.Services {
		if d.Name == "" {
			return nil, fmt.Errorf("services file %s: entry %d has no name", path, i+1)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("services file %s: duplicate service %q", path, d.Name)
		}
		seen[d.Name] = true
		if d.MaxSize < 0 || d.MaxWidth < 0 || d.MaxHeight < 0 || d.MaxRate < 0 || d.MaxItems < 0 {
			return nil, fmt.Errorf("services file %s: service %q has a negative limit", path, d.Name)
		}
	}

	return f.Services, nil
}

// MergeDescriptors overlays overrides onto base by name. Zero-valued override
// fields keep the base value; names not in base are appended.
func MergeDescriptors(base, overrides []model.ServiceDescriptor) []model.ServiceDescriptor {
	out := make([]model.ServiceDescriptor, len(base))
	copy(out, base)

	index := make(map[string]int, len(out))
	for i, d := range out {
		index[d.Name] = i
	}

	for _, o := range overrides {
		i, ok := index[o.Name]
		if !ok {
			index[o.Name] = len(out)
			out = append(out, o)
			continue
		}
		d := &out[i]
		if o.MaxSize > 0 {
			d.MaxSize = o.MaxSize
		}
		if o.MaxWidth > 0 {
			d.MaxWidth = o.MaxWidth
		}
		if o.MaxHeight > 0 {
			d.MaxHeight = o.MaxHeight
		}
		if o.MaxRate > 0 {
			d.MaxRate = o.MaxRate
		}
		if o.MaxItems > 0 {
			d.MaxItems = o.MaxItems
		}
		if len(o.Granularities) > 0 {
			d.Granularities = o.Granularities
		}
	}
	return out
}
