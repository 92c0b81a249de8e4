package models

import "time"

// LinkKind is the classification of a fetched linked resource
type LinkKind string

const (
	LinkKindDirectImage LinkKind = "direct_image" // Resource is itself an image, saved as-is
	LinkKindHTMLPage    LinkKind = "html_page"    // Resource is a page to scan for images
)

// String implements fmt.Stringer for logging
func (k LinkKind) String() string {
	if k == "" {
		return "unclassified"
	}
	return string(k)
}

// IsValid returns true for the two known variants
func (k LinkKind) IsValid() bool {
	switch k {
	case LinkKindDirectImage, LinkKindHTMLPage:
		return true
	}
	return false
}

// ImageStatus represents the outcome of an image in the harvest ledger
type ImageStatus string

const (
	ImageStatusUnset    ImageStatus = ""          // Zero value = unset/unknown
	ImageStatusSuccess  ImageStatus = "success"   // Image saved
	ImageStatusFailure  ImageStatus = "failure"   // Fetch or write failed
	ImageStatusNotFound ImageStatus = "not_found" // Image not in ledger
	ImageStatusDBError  ImageStatus = "db_error"  // Ledger error occurred
)

// String implements fmt.Stringer for logging
func (s ImageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a recordable outcome
func (s ImageStatus) IsValid() bool {
	switch s {
	case ImageStatusSuccess, ImageStatusFailure:
		return true
	}
	return false
}

// LinkStatus represents the outcome of a dispatched link in the harvest ledger
type LinkStatus string

const (
	LinkStatusUnset    LinkStatus = ""          // Zero value = unset/unknown
	LinkStatusRouted   LinkStatus = "routed"    // Fetched and classified; consumed budget
	LinkStatusFailure  LinkStatus = "failure"   // Fetch failed; budget returned
	LinkStatusNotFound LinkStatus = "not_found" // Link not in ledger
	LinkStatusDBError  LinkStatus = "db_error"  // Ledger error occurred
)

// String implements fmt.Stringer for logging
func (s LinkStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a recordable outcome
func (s LinkStatus) IsValid() bool {
	switch s {
	case LinkStatusRouted, LinkStatusFailure:
		return true
	}
	return false
}

// ImageLedgerEntry stores the latest outcome for an image URL
type ImageLedgerEntry struct {
	Status      ImageStatus `json:"status"`
	RunID       string      `json:"run_id"`
	LocalPath   string      `json:"local_path,omitempty"` // Path of the saved file (on success)
	Bytes       int64       `json:"bytes,omitempty"`
	ErrorType   string      `json:"error_type,omitempty"` // Error category (on failure)
	LastAttempt time.Time   `json:"last_attempt"`
}

// LinkLedgerEntry stores the latest outcome for a link URL
type LinkLedgerEntry struct {
	Status      LinkStatus `json:"status"`
	RunID       string     `json:"run_id"`
	Kind        LinkKind   `json:"kind,omitempty"`
	ErrorType   string     `json:"error_type,omitempty"`
	LastAttempt time.Time  `json:"last_attempt"`
}
