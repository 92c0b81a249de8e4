package storage

import (
	"context"
	"time"

	"img-harvester/pkg/models"
)

// ImageLedger records per-image outcomes
type ImageLedger interface {
	// CheckImageStatus retrieves the latest recorded outcome of an image URL
	// Returns status (ImageStatusSuccess, ImageStatusFailure, ImageStatusNotFound, ImageStatusDBError),
	// the entry if found and parsed, and any error
	CheckImageStatus(normalizedImgURL string) (status models.ImageStatus, entry *models.ImageLedgerEntry, err error)

	// RecordImage stores the outcome of an image URL, replacing any earlier one
	RecordImage(normalizedImgURL string, entry *models.ImageLedgerEntry) error
}

// LinkLedger records per-link outcomes
type LinkLedger interface {
	CheckLinkStatus(normalizedLinkURL string) (status models.LinkStatus, entry *models.LinkLedgerEntry, err error)
	RecordLink(normalizedLinkURL string, entry *models.LinkLedgerEntry) error
}

// LedgerAdmin handles lifecycle and administrative operations
type LedgerAdmin interface {
	// GetRecordCount returns the number of URLs recorded so far
	GetRecordCount() (int, error)

	// WriteLedgerLog writes one "kind<TAB>status<TAB>url" line per recorded URL
	WriteLedgerLog(ctx context.Context, filePath string) error

	// RunGC runs periodic garbage collection until ctx is done. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	Close() error
}

// Ledger combines all ledger interfaces
type Ledger interface {
	ImageLedger
	LinkLedger
	LedgerAdmin
}
