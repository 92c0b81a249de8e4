package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"img-harvester/pkg/config"
	"img-harvester/pkg/models"
	"img-harvester/pkg/utils"
)

// maxDrainBytes bounds how much of a rejected body is read to keep the connection reusable
const maxDrainBytes = 64 << 10

// FetchMode selects how a response body is handed back to the caller
type FetchMode int

const (
	// FetchStream leaves the body open for the caller to copy and close
	FetchStream FetchMode = iota
	// FetchWhole reads an HTML body fully, decoded to UTF-8
	FetchWhole
)

func (m FetchMode) String() string {
	switch m {
	case FetchStream:
		return "stream"
	case FetchWhole:
		return "whole"
	default:
		return fmt.Sprintf("FetchMode(%d)", int(m))
	}
}

// Fetcher performs single-attempt GET requests over a shared http.Client
type Fetcher struct {
	client       *http.Client // Shared, pooled client
	userAgent    string
	maxPageBytes int64 // Limit for FetchWhole and ReadHTML
	log          *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	maxPage := cfg.MaxPageSizeBytes
	if maxPage <= 0 {
		maxPage = config.DefaultMaxPageSizeBytes
	}
	userAgent := cfg.DefaultUserAgent
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}
	return &Fetcher{
		client:       client,
		userAgent:    userAgent,
		maxPageBytes: maxPage,
		log:          log,
	}
}

// MaxPageBytes returns the limit applied to whole-body HTML reads
func (f *Fetcher) MaxPageBytes() int64 {
	return f.maxPageBytes
}

// Fetch retrieves rawURL once. There is no retry: transport faults and
// non-2xx statuses come back as *utils.FetchError and the body is already closed.
// In FetchStream mode the caller must Close the returned resource.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, mode FetchMode) (*models.FetchedResource, error) {
	reqLog := f.log.WithFields(logrus.Fields{"url": rawURL, "mode": mode})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &utils.FetchError{URL: rawURL, Cause: fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	if mode == FetchWhole {
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	} else {
		req.Header.Set("Accept", "image/*,text/html;q=0.9,*/*;q=0.8")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		reqLog.Debugf("Network error: %v", err)
		return nil, &utils.FetchError{URL: rawURL, Cause: err}
	}

	statusCode := resp.StatusCode
	if statusCode < 200 || statusCode >= 300 {
		drainBody(resp.Body)
		resp.Body.Close()
		reqLog.WithField("status_code", statusCode).Debug("Non-success status")
		return nil, &utils.FetchError{URL: rawURL, Cause: statusError(statusCode)}
	}

	res := &models.FetchedResource{
		URL:           rawURL,
		FinalURL:      resp.Request.URL,
		StatusCode:    statusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}

	if mode == FetchStream {
		res.Body = resp.Body
		reqLog.WithField("content_type", res.ContentType).Debug("Fetched (streaming)")
		return res, nil
	}

	defer resp.Body.Close()
	data, err := ReadHTML(resp.Body, res.ContentType, f.maxPageBytes)
	if err != nil {
		drainBody(resp.Body)
		return nil, &utils.FetchError{URL: rawURL, Cause: err}
	}
	res.Data = data
	reqLog.WithField("bytes", len(data)).Debug("Fetched (whole)")
	return res, nil
}

// drainBody discards at most maxDrainBytes of body.
// Anything longer is abandoned and its connection closed with the body.
func drainBody(body io.Reader) {
	_, _ = io.CopyN(io.Discard, body, maxDrainBytes)
}

// statusError maps a non-2xx status onto the HTTP sentinel errors
func statusError(statusCode int) error {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, http.StatusText(statusCode))
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, http.StatusText(statusCode))
	default:
		return fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, http.StatusText(statusCode))
	}
}

// ReadHTML decodes an HTML body to UTF-8 using the Content-Type charset
// (or the document's meta tags) and reads at most maxBytes of it.
func ReadHTML(body io.Reader, contentType string, maxBytes int64) ([]byte, error) {
	utf8Reader, err := charset.NewReader(body, contentType)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []byte{}, nil // Empty body
		}
		return nil, fmt.Errorf("%w: charset detection: %w", utils.ErrResponseBodyRead, err)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(utf8Reader, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if n > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", utils.ErrPageTooLarge, maxBytes)
	}
	return buf.Bytes(), nil
}
