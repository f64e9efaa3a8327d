/**
 * Input Resolver - turns command-line sources into in-memory documents
 *
 * Sources are local files, directories of images, or http(s) URLs. Documents
 * fetched from URLs are named from a per-run Counter owned by the caller.
 */

package input

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
	"github.com/adverant/nexus/handprint-worker/internal/model"
)

// GroundTruthSuffix is appended to a document's base path to find its transcript.
const GroundTruthSuffix = ".gt.txt"

// Counter hands out sequence numbers for one run.
type Counter struct {
	mu   sync.Mutex
	next int
}

// NewCounter creates a counter whose first value is 1.
func NewCounter() *Counter {
	return &Counter{next: 1}
}

// Next returns the next number in the sequence.
func (c *Counter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// DefaultBaseName prefixes the names of downloaded documents.
const DefaultBaseName = "document"

// ResolverConfig holds download settings.
type ResolverConfig struct {
	BaseName       string // URL downloads are named <BaseName>-N
	MaxBytes       int64  // 0 means DefaultMaxBytes
	MaxRetries     int    // download attempts after the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // per attempt
}

// DefaultMaxBytes caps a single input.
const DefaultMaxBytes = 512 << 20

// DefaultResolverConfig returns the download defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		BaseName:       DefaultBaseName,
		MaxBytes:       DefaultMaxBytes,
		MaxRetries:     4,
		InitialBackoff: time.Second,
		MaxBackoff:     32 * time.Second,
		Timeout:        10 * time.Minute,
	}
}

// Resolver materializes documents.
type Resolver struct {
	counter *Counter
	config  ResolverConfig
	client  *http.Client
	logger  *logging.Logger
}

// NewResolver creates a resolver that names URL downloads from counter.
func NewResolver(counter *Counter, cfg ResolverConfig) *Resolver {
	if counter == nil {
		counter = NewCounter()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.BaseName == "" {
		cfg.BaseName = DefaultBaseName
	}
	return &Resolver{
		counter: counter,
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logging.NewLogger("InputResolver"),
	}
}

// ForRun returns a resolver sharing r's settings and HTTP client that names
// downloads from counter. An empty baseName keeps r's.
func (r *Resolver) ForRun(counter *Counter, baseName string) *Resolver {
	run := *r
	if counter == nil {
		counter = NewCounter()
	}
	run.counter = counter
	if baseName != "" {
		run.config.BaseName = baseName
	}
	return &run
}

// IsURL reports whether source is an http or https URL.
func IsURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Expand replaces directories in sources with the image files they contain,
// sorted by name. Ground-truth files are skipped. URLs pass through.
func Expand(sources []string) ([]string, error) {
	var out []string
	for _, src := range sources {
		if IsURL(src) {
			out = append(out, src)
			continue
		}
		info, err := os.Stat(src)
		if err != nil {
			return nil, errors.NewInputFailedError(src, err)
		}
		if !info.IsDir() {
			out = append(out, src)
			continue
		}

		entries, err := os.ReadDir(src)
		if err != nil {
			return nil, errors.NewInputFailedError(src, err)
		}
		var files []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, GroundTruthSuffix) {
				continue
			}
			if imageExtensions[strings.ToLower(filepath.Ext(name))] {
				files = append(files, filepath.Join(src, name))
			}
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

// ReadSourceList reads one source per line. Blank lines and lines starting
// with # are skipped.
func ReadSourceList(r io.Reader) ([]string, error) {
	var sources []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source list: %w", err)
	}
	return sources, nil
}

// Resolve reads a local file or downloads a URL.
func (r *Resolver) Resolve(ctx context.Context, source string) (*model.Document, error) {
	var (
		data []byte
		name string
		err  error
	)

	if IsURL(source) {
		data, err = r.download(ctx, source)
		if err != nil {
			return nil, errors.NewInputFailedError(source, err)
		}
		name = fmt.Sprintf("%s-%d", r.config.BaseName, r.counter.Next())
	} else {
		data, err = readFile(source, r.config.MaxBytes)
		if err != nil {
			return nil, errors.NewInputFailedError(source, err)
		}
		name = BaseName(source)
	}

	doc, err := NewDocument(source, name, data)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolved input", "source", source, "name", name, "format", doc.Format, "bytes", len(data))
	return doc, nil
}

// NewDocument wraps bytes that arrived by other means, such as a queue payload.
func NewDocument(source, name string, data []byte) (*model.Document, error) {
	if len(data) == 0 {
		return nil, errors.NewInputFailedError(source, fmt.Errorf("input is empty"))
	}
	format := DetectFormat(data)
	pages := 1
	if format == "pdf" {
		pages = 0 // known only after rasterizing
	}
	return &model.Document{
		Source:    source,
		Name:      name,
		Format:    format,
		Data:      data,
		PageCount: pages,
	}, nil
}

// BaseName strips the directory and extension from a file name.
func BaseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// GroundTruthPath returns where the transcript of a local source lives.
// URLs have no ground truth location.
func GroundTruthPath(source string) string {
	if IsURL(source) {
		return ""
	}
	return strings.TrimSuffix(source, filepath.Ext(source)) + GroundTruthSuffix
}

func readFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", info.Size(), maxBytes)
	}
	return io.ReadAll(f)
}

// download fetches a URL, retrying transport errors and 5xx responses with
// exponential backoff.
func (r *Resolver) download(ctx context.Context, fileURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(r.config.InitialBackoff) * math.Pow(2, float64(attempt-1)))
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
			r.logger.Warn("Download failed, retrying", "url", fileURL, "attempt", attempt, "backoff", backoff, "error", lastErr)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		data, retry, err := r.fetch(ctx, fileURL)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

func (r *Resolver) fetch(ctx context.Context, fileURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode >= 500, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > r.config.MaxBytes {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, r.config.MaxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxBytes+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > r.config.MaxBytes {
		return nil, false, fmt.Errorf("file size exceeds maximum of %d bytes", r.config.MaxBytes)
	}
	return data, false, nil
}
