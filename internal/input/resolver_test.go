package input

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
)

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func fastConfig() ResolverConfig {
	return ResolverConfig{
		MaxBytes:       1 << 20,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7\n"), "pdf"},
		{"png", pngMagic, "png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0}, "jpeg"},
		{"gif", []byte("GIF89a...."), "gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "webp"},
		{"tiff le", []byte{0x49, 0x49, 0x2A, 0x00, 8, 0}, "tiff"},
		{"tiff be", []byte{0x4D, 0x4D, 0x00, 0x2A, 0, 8}, "tiff"},
		{"bmp", []byte("BM\x00\x00\x00\x00"), "bmp"},
		{"text", []byte("hello world"), ""},
		{"short", []byte{0x89}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.data))
		})
	}
}

func TestCounterIsSequentialAndSafe(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	seen := make(chan int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Next()
		}()
	}
	wg.Wait()
	close(seen)

	got := map[int]bool{}
	for n := range seen {
		got[n] = true
	}
	assert.Len(t, got, 50)
	assert.True(t, got[1])
	assert.True(t, got[50])
	assert.Equal(t, 51, c.Next())
}

func TestResolveLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "letter-1888.png")
	require.NoError(t, os.WriteFile(path, pngMagic, 0o644))

	doc, err := NewResolver(nil, fastConfig()).Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "letter-1888", doc.Name)
	assert.Equal(t, "png", doc.Format)
	assert.Equal(t, path, doc.Source)
	assert.Equal(t, 1, doc.PageCount)
	assert.Equal(t, pngMagic, doc.Data)
}

func TestResolveMissingFile(t *testing.T) {
	_, err := NewResolver(nil, fastConfig()).Resolve(context.Background(), filepath.Join(t.TempDir(), "nope.png"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrorInputFailed))
}

func TestResolveURLNamesFromCounter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer server.Close()

	counter := NewCounter()
	r := NewResolver(counter, fastConfig())

	first, err := r.Resolve(context.Background(), server.URL+"/a.pdf")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), server.URL+"/b.pdf")
	require.NoError(t, err)

	assert.Equal(t, "document-1", first.Name)
	assert.Equal(t, "document-2", second.Name)
	assert.Equal(t, "pdf", first.Format)
	assert.Equal(t, 0, first.PageCount)

	// a separate run starts over
	other, err := NewResolver(NewCounter(), fastConfig()).Resolve(context.Background(), server.URL+"/c.pdf")
	require.NoError(t, err)
	assert.Equal(t, "document-1", other.Name)
}

func TestResolveURLBaseName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngMagic)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.BaseName = "letter"
	doc, err := NewResolver(nil, cfg).Resolve(context.Background(), server.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, "letter-1", doc.Name)

	doc, err = NewResolver(nil, fastConfig()).Resolve(context.Background(), server.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, "document-1", doc.Name)
}

func TestForRunStartsEachRunAtOne(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngMagic)
	}))
	defer server.Close()

	shared := NewResolver(NewCounter(), fastConfig())
	for run := 0; run < 3; run++ {
		r := shared.ForRun(NewCounter(), "")
		first, err := r.Resolve(context.Background(), server.URL+"/a.png")
		require.NoError(t, err)
		second, err := r.Resolve(context.Background(), server.URL+"/b.png")
		require.NoError(t, err)
		assert.Equal(t, "document-1", first.Name)
		assert.Equal(t, "document-2", second.Name)
	}

	renamed, err := shared.ForRun(nil, "scan").Resolve(context.Background(), server.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, "scan-1", renamed.Name)

	// the shared resolver's own sequence is untouched
	own, err := shared.Resolve(context.Background(), server.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, "document-1", own.Name)
}

func TestReadSourceList(t *testing.T) {
	list := "scans/a.png\n\n# skipped\n  https://example.org/b.jpg  \nscans/c.tif\n"
	got, err := ReadSourceList(strings.NewReader(list))
	require.NoError(t, err)
	assert.Equal(t, []string{"scans/a.png", "https://example.org/b.jpg", "scans/c.tif"}, got)

	got, err = ReadSourceList(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveURLRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(pngMagic)
	}))
	defer server.Close()

	doc, err := NewResolver(nil, fastConfig()).Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "png", doc.Format)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResolveURLDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewResolver(nil, fastConfig()).Resolve(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrorInputFailed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveURLTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxBytes = 1024
	_, err := NewResolver(nil, cfg).Resolve(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestGroundTruthPath(t *testing.T) {
	assert.Equal(t, "scans/page1.gt.txt", GroundTruthPath("scans/page1.png"))
	assert.Equal(t, "page.v2.gt.txt", GroundTruthPath("page.v2.jpeg"))
	assert.Equal(t, "", GroundTruthPath("https://example.org/page1.png"))
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.JPG", "a.gt.txt", "notes.txt", ".hidden.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), pngMagic, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	single := filepath.Join(dir, "b.png")
	got, err := Expand([]string{dir, "https://example.org/x.png", single})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.JPG"),
		filepath.Join(dir, "b.png"),
		"https://example.org/x.png",
		single,
	}, got)

	_, err = Expand([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestNewDocument(t *testing.T) {
	doc, err := NewDocument("queue:run-1", "scan", []byte("%PDF-1.5 body"))
	require.NoError(t, err)
	assert.Equal(t, "pdf", doc.Format)
	assert.Equal(t, 0, doc.PageCount)

	_, err = NewDocument("queue:run-1", "scan", nil)
	assert.True(t, errors.HasCode(err, errors.ErrorInputFailed))

	assert.Equal(t, "letter", BaseName("/tmp/scans/letter.tiff"))
}
