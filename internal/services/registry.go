package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/handprint-worker/internal/cache"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// ErrUnknownService is returned for service names with no registered factory.
var ErrUnknownService = errors.New("unknown service")

// Factory builds an adapter for a descriptor.
type Factory func(d model.ServiceDescriptor) (Service, error)

// Credentials configure the built-in adapters.
type Credentials struct {
	TesseractLanguage string
	MicrosoftEndpoint string
	MicrosoftKey      string
	GoogleEndpoint    string
	GoogleAPIKey      string
}

// BuiltinDescriptors returns the limits of the adapters shipped with the worker.
func BuiltinDescriptors() []model.ServiceDescriptor {
	return []model.ServiceDescriptor{
		{
			Name:          TesseractName,
			MaxSize:       50 << 20,
			Granularities: []model.Granularity{model.GranularityWord, model.GranularityLine, model.GranularityParagraph},
		},
		{
			Name:          MicrosoftName,
			MaxSize:       4 << 20,
			MaxWidth:      10000,
			MaxHeight:     10000,
			MaxRate:       1.0 / 3.0,
			Granularities: []model.Granularity{model.GranularityWord, model.GranularityLine},
		},
		{
			Name:          GoogleName,
			MaxSize:       10 << 20,
			MaxRate:       30,
			Granularities: []model.Granularity{model.GranularityWord, model.GranularityLine, model.GranularityParagraph},
		},
	}
}

// Registry knows which services can be built and keeps one rate limiter per service.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]model.ServiceDescriptor
	factories   map[string]Factory
	limiters    map[string]*rate.Limiter
}

// NewRegistry creates a registry over the given descriptors.
func NewRegistry(descriptors []model.ServiceDescriptor) *Registry {
	r := &Registry{
		descriptors: make(map[string]model.ServiceDescriptor, len(descriptors)),
		factories:   make(map[string]Factory),
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, d := range descriptors {
		r.descriptors[d.Name] = d
	}
	return r
}

// NewDefaultRegistry registers tesseract always, and the network services
// whose credentials are present.
func NewDefaultRegistry(descriptors []model.ServiceDescriptor, creds Credentials) *Registry {
	r := NewRegistry(descriptors)
	r.Register(TesseractName, func(d model.ServiceDescriptor) (Service, error) {
		return NewTesseractService(d, creds.TesseractLanguage), nil
	})
	if creds.MicrosoftEndpoint != "" && creds.MicrosoftKey != "" {
		r.Register(MicrosoftName, func(d model.ServiceDescriptor) (Service, error) {
			return NewMicrosoftService(d, creds.MicrosoftEndpoint, creds.MicrosoftKey), nil
		})
	}
	if creds.GoogleAPIKey != "" {
		r.Register(GoogleName, func(d model.ServiceDescriptor) (Service, error) {
			return NewGoogleService(d, creds.GoogleEndpoint, creds.GoogleAPIKey), nil
		})
	}
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	if _, ok := r.descriptors[name]; !ok {
		r.descriptors[name] = model.ServiceDescriptor{Name: name}
	}
}

// Names lists the buildable services in alphabetical order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor returns the descriptor for name.
func (r *Registry) Descriptor(name string) (model.ServiceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// BuildOptions wrap built adapters.
type BuildOptions struct {
	Cache    cache.Client // nil disables result caching
	CacheTTL time.Duration
}

// Resolve expands "all" and validates names, keeping the caller's order and dropping duplicates.
func (r *Registry) Resolve(names []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(strings.ToLower(name))
			if name == "" {
				continue
			}
			if name == "all" {
				for _, n := range r.Names() {
					if !seen[n] {
						seen[n] = true
						out = append(out, n)
					}
				}
				continue
			}
			r.mu.Lock()
			_, ok := r.factories[name]
			r.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownService, name, strings.Join(r.Names(), ", "))
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no services selected", ErrUnknownService)
	}
	return out, nil
}

// Build creates rate-limited (and optionally cached) adapters for names.
func (r *Registry) Build(names []string, opts BuildOptions) ([]Service, error) {
	out := make([]Service, 0, len(names))
	for _, name := range names {
		r.mu.Lock()
		f, ok := r.factories[name]
		d := r.descriptors[name]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
		}

		svc, err := f(d)
		if err != nil {
			return nil, fmt.Errorf("failed to create service %s: %w", name, err)
		}
		if lim := r.limiter(d); lim != nil {
			svc = &rateLimited{Service: svc, limiter: lim}
		}
		if opts.Cache != nil {
			svc = NewCached(svc, opts.Cache, opts.CacheTTL)
		}
		out = append(out, svc)
	}
	return out, nil
}

// limiter returns the process-wide limiter for d, creating it on first use.
func (r *Registry) limiter(d model.ServiceDescriptor) *rate.Limiter {
	if d.MaxRate <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[d.Name]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.MaxRate), 1)
		r.limiters[d.Name] = lim
	}
	return lim
}
