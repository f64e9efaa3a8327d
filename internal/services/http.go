package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
)

// maxResponseBytes caps how much of a service response is read.
const maxResponseBytes = 64 << 20

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 120 * time.Second, // recognition of a full page can take a while
	}
}

// doHTTP executes req and returns the body when the status is one of accept.
// Transport failures become transient ServiceErrors unless ctx was cancelled,
// in which case the context error is returned as is.
func doHTTP(ctx context.Context, client *http.Client, service string, req *http.Request, accept ...int) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.NewServiceError(service, errors.KindTransient, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.NewServiceError(service, errors.KindTransient, "failed to read response body", err)
	}

	for _, code := range accept {
		if resp.StatusCode == code {
			return resp, body, nil
		}
	}
	return nil, nil, errors.FromHTTPStatus(service, resp.StatusCode, resp.Header, snippet(body))
}

func malformed(service string, what string, err error) error {
	return errors.NewServiceError(service, errors.KindMalformed, fmt.Sprintf("unexpected response: %s", what), err)
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
