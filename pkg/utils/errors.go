package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

var (
	ErrRetryFailed     = errors.New("request failed after all retries")
	ErrClientHTTPError = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError  = errors.New("unexpected HTTP status")

	ErrParsing           = errors.New("parsing error") // URL, HTML, XML or JSON
	ErrFilesystem        = errors.New("filesystem error")
	ErrDatabase          = errors.New("database error")
	ErrSemaphoreTimeout  = errors.New("timeout acquiring semaphore")
	ErrRequestCreation   = errors.New("failed to create HTTP request")
	ErrResponseBodyRead  = errors.New("failed to read response body")
	ErrConfigValidation  = errors.New("configuration validation error")
	ErrInvalidSchedule   = errors.New("invalid delay schedule")
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	ErrInvariant         = errors.New("crawl invariant violated") // Aborts the session
)

// StatusError is an HTTP response the fetcher could not turn into a document.
// It matches ErrClientHTTPError, ErrServerHTTPError or ErrOtherHTTPError depending on the code.
type StatusError struct {
	Code   int
	Status string // Status line as received, optional
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%v: status %s", e.Unwrap(), status)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code >= 500:
		return ErrServerHTTPError
	case e.Code >= 400:
		return ErrClientHTTPError
	}
	return ErrOtherHTTPError
}

// WrapErrorf wraps err with a formatted message, keeping err matchable via errors.Is.
// Returns nil when err is nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsFatal reports whether err must abort the whole crawl session rather than a single reference.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariant)
}

// sentinelCategories is checked in order; the first match wins
var sentinelCategories = []struct {
	err      error
	category string
}{
	{ErrInvariant, "Internal_Invariant"},
	{ErrIllegalTransition, "Lifecycle_IllegalTransition"},
	{ErrDatabase, "Database_Other"},
	{ErrSemaphoreTimeout, "Resource_SemaphoreTimeout"},
	{ErrRequestCreation, "Internal_RequestCreation"},
	{ErrResponseBodyRead, "Network_BodyRead"},
	{ErrInvalidSchedule, "Config_Schedule"},
	{ErrConfigValidation, "Config_Validation"},
}

// CategorizeError maps an error to a short category used as the reason of
// rejected-bad-status events and in logs.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	if errors.Is(err, ErrRetryFailed) {
		return "RetryFailed_" + strings.TrimPrefix(transportCategory(err), "Network_")
	}
	if category, ok := statusCategory(err); ok {
		return category
	}

	switch {
	case errors.Is(err, ErrParsing):
		return parsingCategory(err)
	case errors.Is(err, ErrFilesystem):
		return filesystemCategory(err)
	}
	for _, sc := range sentinelCategories {
		if errors.Is(err, sc.err) {
			return sc.category
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "System_ContextCanceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "System_ContextDeadlineExceeded"
	}
	return transportCategory(err)
}

// statusCategory names HTTP status failures, singling out the codes crawlers see most
func statusCategory(err error) (string, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone, http.StatusTooManyRequests:
			return fmt.Sprintf("HTTP_%d", se.Code), true
		}
	}
	switch {
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx", true
	case errors.Is(err, ErrClientHTTPError):
		return "HTTP_4xx", true
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus", true
	}
	return "", false
}

func parsingCategory(err error) string {
	msg := err.Error()
	for _, kind := range []string{"URL", "HTML", "JSON", "XML"} {
		if strings.Contains(msg, kind) {
			return "Content_Parsing" + kind
		}
	}
	return "Content_ParsingOther"
}

func filesystemCategory(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return "Filesystem_Permission"
	case errors.Is(err, os.ErrNotExist):
		return "Filesystem_NotExist"
	case errors.Is(err, os.ErrExist):
		return "Filesystem_Exist"
	}
	return "Filesystem_Other"
}

// transportCategory classifies network failures, falling back to the error text
func transportCategory(err error) string {
	if category, ok := statusCategory(err); ok {
		return category
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Network_Timeout"
	}

	msg := strings.ToLower(err.Error())
	for _, m := range []struct{ needle, category string }{
		{"timeout", "Network_Timeout"},
		{"connection refused", "Network_ConnectionRefused"},
		{"no such host", "Network_DNSLookup"},
		{"tls", "Network_TLS"},
		{"certificate", "Network_TLS"},
		{"reset by peer", "Network_ConnectionReset"},
		{"broken pipe", "Network_BrokenPipe"},
	} {
		if strings.Contains(msg, m.needle) {
			return m.category
		}
	}
	return "Unknown"
}
