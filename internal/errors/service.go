package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ServiceErrorKind classifies a recognition service failure.
type ServiceErrorKind string

const (
	KindAuth      ServiceErrorKind = "auth"
	KindRateLimit ServiceErrorKind = "rate_limit"
	KindTransient ServiceErrorKind = "transient"
	KindMalformed ServiceErrorKind = "malformed"
	KindUnknown   ServiceErrorKind = "unknown"
)

// DefaultRetryAfter is used when a 429 response carries no usable Retry-After header.
const DefaultRetryAfter = 30 * time.Second

// ServiceError is the failure half of a dispatch outcome.
type ServiceError struct {
	Service    string
	Kind       ServiceErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Cause      error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Service, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether repeating the call later may succeed.
func (e *ServiceError) IsRetryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// ToMap converts error to map for database storage
func (e *ServiceError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"service": e.Service,
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.StatusCode != 0 {
		result["status_code"] = e.StatusCode
	}
	if e.RetryAfter > 0 {
		result["retry_after"] = e.RetryAfter.String()
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	return result
}

func NewServiceError(service string, kind ServiceErrorKind, message string, cause error) *ServiceError {
	return &ServiceError{
		Service: service,
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// AsServiceError extracts a ServiceError from err, wrapping anything else as KindUnknown.
func AsServiceError(service string, err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if stderrors.As(err, &se) {
		if se.Service == "" {
			se.Service = service
		}
		return se
	}
	return NewServiceError(service, KindUnknown, "", err)
}

// KindForStatus maps an HTTP status code returned by a recognition service to an error kind.
func KindForStatus(status int) ServiceErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden,
		http.StatusProxyAuthRequired, http.StatusUnavailableForLegalReasons,
		http.StatusNetworkAuthenticationRequired:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusInternalServerError, http.StatusNotImplemented, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusVariantAlsoNegotiates,
		http.StatusInsufficientStorage, http.StatusLoopDetected:
		return KindTransient
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return KindMalformed
	default:
		return KindUnknown
	}
}

// FromHTTPStatus builds a ServiceError from a non-success HTTP response.
func FromHTTPStatus(service string, status int, header http.Header, body string) *ServiceError {
	se := &ServiceError{
		Service:    service,
		Kind:       KindForStatus(status),
		StatusCode: status,
		Message:    body,
	}
	if se.Kind == KindRateLimit {
		se.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return se
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
