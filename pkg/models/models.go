package models

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// HarvestRequest is the immutable input of one harvest run
type HarvestRequest struct {
	RootURL        string
	OutputRoot     string
	SameOriginOnly bool
	MaxLinks       int // 0 means unbounded
	DatedSubfolder bool
}

// Validate checks the request before any filesystem or network work happens
func (r HarvestRequest) Validate() error {
	if r.RootURL == "" {
		return fmt.Errorf("root URL is required")
	}
	u, err := url.Parse(r.RootURL)
	if err != nil {
		return fmt.Errorf("invalid root URL '%s': %w", r.RootURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("root URL '%s' must use http or https", r.RootURL)
	}
	if u.Host == "" {
		return fmt.Errorf("root URL '%s' has no host", r.RootURL)
	}
	if strings.TrimSpace(r.OutputRoot) == "" {
		return fmt.Errorf("output directory is required")
	}
	if r.MaxLinks < 0 {
		return fmt.Errorf("max links cannot be negative (got %d)", r.MaxLinks)
	}
	return nil
}

// LinkBudgetBounded reports whether a maximum link count applies
func (r HarvestRequest) LinkBudgetBounded() bool {
	return r.MaxLinks > 0
}

// FetchedResource is a retrieved resource; exactly one of Body or Data is set
type FetchedResource struct {
	URL           string
	FinalURL      *url.URL // After redirects; base for relative references
	StatusCode    int
	ContentType   string
	ContentLength int64         // -1 when unknown
	Body          io.ReadCloser // Streamed mode, caller must Close
	Data          []byte        // Whole mode, decoded to UTF-8 for HTML
}

// Close releases a streamed body; safe on whole-mode resources
func (r *FetchedResource) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Scope records which page yielded an image: the root page or a numbered link
type Scope struct {
	LinkIndex int // 0 for the root page
}

// RootScope is the scope of images embedded on the root page
var RootScope = Scope{}

// LinkScope returns the scope for the link with the given 1-based index
func LinkScope(linkIndex int) Scope {
	return Scope{LinkIndex: linkIndex}
}

// IsRoot reports whether the scope is the root page
func (s Scope) IsRoot() bool { return s.LinkIndex == 0 }

// String implements fmt.Stringer for logging
func (s Scope) String() string {
	if s.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("link_%d", s.LinkIndex)
}

// ImageReference is an absolute image URL discovered on a page
type ImageReference struct {
	URL   string
	Index int // 1-based, document order among all <img> elements of the page
	Scope Scope
}

// LinkCandidate is an absolute outbound link discovered on the root page
type LinkCandidate struct {
	URL    string
	Origin string // host[:port]
	Index  int    // 1-based, document order among usable anchors
}

// SavedImage describes one image file written to the output location
type SavedImage struct {
	File      string     `yaml:"file"`
	SourceURL string     `yaml:"source_url"`
	Scope     string     `yaml:"scope"`
	Bytes     int64      `yaml:"bytes"`
	SHA256    string     `yaml:"sha256,omitempty"`
	Format    string     `yaml:"format,omitempty"`
	Width     int        `yaml:"width,omitempty"`
	Height    int        `yaml:"height,omitempty"`
	Exif      *ExifFacts `yaml:"exif,omitempty"`
	SavedAt   time.Time  `yaml:"saved_at"`
}

// ExifFacts is the subset of EXIF metadata recorded for a saved image
type ExifFacts struct {
	CameraMake  string `yaml:"camera_make,omitempty"`
	CameraModel string `yaml:"camera_model,omitempty"`
	Software    string `yaml:"software,omitempty"`
	DateTime    string `yaml:"date_time,omitempty"`
	HasGPS      bool   `yaml:"has_gps,omitempty"`
}

// Failure records one recoverable per-resource failure
type Failure struct {
	URL      string `yaml:"url"`
	Scope    string `yaml:"scope"`
	Stage    string `yaml:"stage"` // fetch, write, scan
	Category string `yaml:"category"`
	Message  string `yaml:"message"`
}

// LinkOutcome records how one dispatched link was routed
type LinkOutcome struct {
	Index  int      `yaml:"index"`
	URL    string   `yaml:"url"`
	Kind   LinkKind `yaml:"kind,omitempty"`
	Status string   `yaml:"status"`
}

// HarvestResult summarizes one completed run
type HarvestResult struct {
	RunID           string        `yaml:"run_id"`
	RootURL         string        `yaml:"root_url"`
	OutputDir       string        `yaml:"output_dir"`
	StartedAt       time.Time     `yaml:"started_at"`
	FinishedAt      time.Time     `yaml:"finished_at"`
	RootImagesFound int           `yaml:"root_images_found"`
	LinksFound      int           `yaml:"links_found"`
	LinksEligible   int           `yaml:"links_eligible"`
	LinksProcessed  int           `yaml:"links_processed"`
	LinksNotVisited int           `yaml:"links_not_visited,omitempty"`
	PageImagesFound int           `yaml:"page_images_found"`
	Images          []SavedImage  `yaml:"images"`
	Links           []LinkOutcome `yaml:"links,omitempty"`
	Failures        []Failure     `yaml:"failures,omitempty"`
}

// Duration returns the wall-clock length of the run
func (r *HarvestResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
