package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRootUnreachable           = errors.New("root page unreachable")               // Fatal: root fetch failed
	ErrOutputLocationUnavailable = errors.New("output location unavailable")         // Fatal: cannot create output dir
	ErrFetchFailed               = errors.New("fetch failed")                        // Recoverable: one resource could not be retrieved
	ErrWriteFailed               = errors.New("write failed")                        // Recoverable: one image could not be persisted
	ErrClientHTTPError           = errors.New("client HTTP error (4xx)")             // Wraps original status
	ErrServerHTTPError           = errors.New("server HTTP error (5xx)")             // Wraps original status
	ErrOtherHTTPError            = errors.New("other HTTP error (non-2xx)")          // Wraps original status
	ErrImageTooLarge             = errors.New("image exceeds configured max size")   // Content-Length or streamed bytes over limit
	ErrPageTooLarge              = errors.New("page exceeds configured max size")    // Whole-body read over limit
	ErrParsing                   = errors.New("parsing error")                       // Wraps specific parsing error (HTML, URL, YAML)
	ErrFilesystem                = errors.New("filesystem error")                    // Wraps os errors
	ErrDatabase                  = errors.New("database error")                      // Wraps badger errors
	ErrRequestCreation           = errors.New("failed to create HTTP request")
	ErrResponseBodyRead          = errors.New("failed to read response body")
	ErrConfigValidation          = errors.New("configuration validation error")
)

// FetchError reports a resource that could not be retrieved.
// It matches both ErrFetchFailed and its underlying cause with errors.Is.
type FetchError struct {
	URL   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Cause}
}

// WriteError reports an image that could not be persisted.
type WriteError struct {
	Path  string
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Cause)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrWriteFailed, e.Cause}
}

// CategorizeError maps an error to a predefined category string for logging and ledger records.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Fatal categories and specific causes first; FetchError/WriteError
	// also match their underlying cause so the more precise one wins.
	switch {
	case errors.Is(err, ErrRootUnreachable):
		return "Fatal_RootUnreachable"
	case errors.Is(err, ErrOutputLocationUnavailable):
		return "Fatal_OutputLocation"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404 ") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403 ") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 401 ") {
			return "HTTP_401"
		}
		if strings.Contains(errMsg, " 429 ") {
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrImageTooLarge):
		return "Content_ImageTooLarge"
	case errors.Is(err, ErrPageTooLarge):
		return "Content_PageTooLarge"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "YAML") {
			return "Content_ParsingYAML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "Network_Timeout"
		}
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	}

	// Generic fetch/write failures with an unrecognized cause
	if errors.Is(err, ErrFetchFailed) {
		return "Fetch_Other"
	}
	if errors.Is(err, ErrWriteFailed) {
		return "Write_Other"
	}
	return "Unknown"
}

// WrapErrorf wraps err with a formatted message, returning nil when err is nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
