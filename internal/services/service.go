/**
 * Recognition service adapters
 *
 * Every back end implements Service. Callers (the dispatcher, the pipeline)
 * only ever hold the interface. Each Recognize call builds its own session
 * (a fresh Tesseract client or a fresh HTTP request/poll loop), so one
 * adapter value may be used from many goroutines.
 */

package services

import (
	"context"

	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// RequestOptions are hints passed to a service for one call.
type RequestOptions struct {
	// Language is a BCP-47 or Tesseract language hint; empty lets the service detect it.
	Language string
	// MinConfidence is forwarded to services that accept it. Results are not filtered.
	MinConfidence float64
	// Granularity asks for a specific annotation level; empty means everything available.
	Granularity model.Granularity
}

// Service is one recognition back end.
type Service interface {
	Descriptor() model.ServiceDescriptor
	Recognize(ctx context.Context, img *model.NormalizedImage, opts RequestOptions) (*model.RecognitionResult, error)
}

// wants reports whether items of granularity g were requested.
func (o RequestOptions) wants(g model.Granularity) bool {
	return o.Granularity == "" || o.Granularity == g
}

// capItems keeps at most max items of each granularity, preserving order,
// and flags the result when anything was dropped.
func capItems(res *model.RecognitionResult, max int) {
	if max <= 0 {
		return
	}
	counts := make(map[model.Granularity]int)
	kept := res.Items[:0]
	for _, item := range res.Items {
		if counts[item.Granularity] >= max {
			res.Truncated = true
			continue
		}
		counts[item.Granularity]++
		kept = append(kept, item)
	}
	res.Items = kept
}
