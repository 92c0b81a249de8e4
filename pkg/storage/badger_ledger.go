package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"img-harvester/pkg/log"
	"img-harvester/pkg/models"
	"img-harvester/pkg/utils"
)

const (
	imageKeyPrefix = "img:"   // Prefix for image URL keys in DB
	linkKeyPrefix  = "link:"  // Prefix for link URL keys in DB
	ledgerDBDir    = "ledger" // Suffix of the per-host DB directory within stateDir
	logBatchFlush  = 5000     // Ledger log lines between flushes
)

// BadgerLedger implements Ledger using BadgerDB.
// One database per root host accumulates outcomes across runs.
type BadgerLedger struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) GetRecordCount
}

var _ Ledger = (*BadgerLedger)(nil)

// LedgerPath returns the database directory used for rootHost under stateDir
func LedgerPath(stateDir, rootHost string) string {
	return filepath.Join(stateDir, utils.SanitizeFilename(rootHost)+"_"+ledgerDBDir)
}

// NewBadgerLedger opens (or creates) the ledger for rootHost under stateDir
func NewBadgerLedger(stateDir, rootHost string, logger *logrus.Entry) (*BadgerLedger, error) {
	dbPath := LedgerPath(stateDir, rootHost)
	ledger := &BadgerLedger{log: logger.WithField("ledger", dbPath)}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerAdapter(logger)).
		WithNumVersionsToKeep(1) // Only the latest outcome matters

	var err error
	ledger.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := ledger.countKeys()
	if err != nil {
		logger.Warnf("Failed to count existing ledger keys: %v", err)
	} else {
		ledger.keyCount.Store(int64(count))
	}

	logger.WithField("records", count).Debugf("Harvest ledger opened at %s", dbPath)
	return ledger, nil
}

// countKeys performs a one-time full key scan at open
func (s *BadgerLedger) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent link and image workers can write overlapping keys.
func (s *BadgerLedger) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// put stores v as JSON under key
func (s *BadgerLedger) put(key []byte, v any) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("%w: ledger not open", utils.ErrDatabase)
	}
	entryBytes, errJson := json.Marshal(v)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal ledger entry for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		} else if errGet != nil {
			return errGet
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error: %v", err)
		return fmt.Errorf("%w: failed setting key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// get decodes the JSON value under key into v.
// found is false for a missing key and for an unreadable value.
func (s *BadgerLedger) get(key []byte, v any) (found bool, err error) {
	if s.db == nil || s.db.IsClosed() {
		return false, fmt.Errorf("%w: ledger not open", utils.ErrDatabase)
	}
	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				s.log.Warnf("Key '%s' found with empty value, treating as 'not_found'.", string(key))
				return nil
			}
			if errJson := json.Unmarshal(val, v); errJson != nil {
				s.log.Warnf("Failed to unmarshal ledger entry for key '%s': %v. Treating as 'not_found'.", string(key), errJson)
				return nil
			}
			found = true
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error for key '%s': %v", string(key), errView)
		return false, errView
	}
	return found, nil
}

// CheckImageStatus implements ImageLedger
func (s *BadgerLedger) CheckImageStatus(normalizedImgURL string) (models.ImageStatus, *models.ImageLedgerEntry, error) {
	var entry models.ImageLedgerEntry
	found, err := s.get([]byte(imageKeyPrefix+normalizedImgURL), &entry)
	if err != nil {
		return models.ImageStatusDBError, nil, err
	}
	if !found {
		return models.ImageStatusNotFound, nil, nil
	}
	return entry.Status, &entry, nil
}

// RecordImage implements ImageLedger
func (s *BadgerLedger) RecordImage(normalizedImgURL string, entry *models.ImageLedgerEntry) error {
	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: refusing to record image status '%s'", utils.ErrDatabase, entry.Status)
	}
	return s.put([]byte(imageKeyPrefix+normalizedImgURL), entry)
}

// CheckLinkStatus implements LinkLedger
func (s *BadgerLedger) CheckLinkStatus(normalizedLinkURL string) (models.LinkStatus, *models.LinkLedgerEntry, error) {
	var entry models.LinkLedgerEntry
	found, err := s.get([]byte(linkKeyPrefix+normalizedLinkURL), &entry)
	if err != nil {
		return models.LinkStatusDBError, nil, err
	}
	if !found {
		return models.LinkStatusNotFound, nil, nil
	}
	return entry.Status, &entry, nil
}

// RecordLink implements LinkLedger
func (s *BadgerLedger) RecordLink(normalizedLinkURL string, entry *models.LinkLedgerEntry) error {
	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: refusing to record link status '%s'", utils.ErrDatabase, entry.Status)
	}
	return s.put([]byte(linkKeyPrefix+normalizedLinkURL), entry)
}

// GetRecordCount returns the cached key count maintained on writes
func (s *BadgerLedger) GetRecordCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerLedger) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("Ledger GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Rewrite while at least half of a value log file is reclaimable
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("Ledger GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping ledger GC goroutine: %v", ctx.Err())
			return
		}
	}
}

// WriteLedgerLog implements LedgerAdmin
func (s *BadgerLedger) WriteLedgerLog(ctx context.Context, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create ledger log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var ioErr error
	writtenCount := 0

	iterErr := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		imgPrefixBytes := []byte(imageKeyPrefix)
		linkPrefixBytes := []byte(linkKeyPrefix)

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			key := item.KeyCopy(nil)
			var kind, rawURL string
			var status string

			switch {
			case bytes.HasPrefix(key, imgPrefixBytes):
				kind, rawURL = "image", string(key[len(imgPrefixBytes):])
				var entry models.ImageLedgerEntry
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err == nil {
					status = entry.Status.String()
				}
			case bytes.HasPrefix(key, linkPrefixBytes):
				kind, rawURL = "link", string(key[len(linkPrefixBytes):])
				var entry models.LinkLedgerEntry
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err == nil {
					status = entry.Status.String()
				}
			default:
				s.log.Warnf("Skipping unexpected key in ledger (no img/link prefix): %s", string(key))
				continue
			}
			if status == "" {
				status = "unreadable"
			}

			if _, writeErr := fmt.Fprintf(writer, "%s\t%s\t%s\n", kind, status, rawURL); writeErr != nil && ioErr == nil {
				ioErr = writeErr
			}
			writtenCount++
			if writtenCount%logBatchFlush == 0 {
				if flushErr := writer.Flush(); flushErr != nil && ioErr == nil {
					ioErr = flushErr
				}
			}
		}
		return nil
	})

	if flushErr := writer.Flush(); flushErr != nil && ioErr == nil {
		ioErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && ioErr == nil {
		ioErr = syncErr
	}

	if iterErr != nil {
		return iterErr
	}
	if ioErr != nil {
		return fmt.Errorf("%w: writing ledger log '%s': %w", utils.ErrFilesystem, filePath, ioErr)
	}
	s.log.Infof("Wrote %d ledger records to %s", writtenCount, filePath)
	return nil
}

// Close implements LedgerAdmin
func (s *BadgerLedger) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("%w: closing ledger: %w", utils.ErrDatabase, err)
		}
	}
	return nil
}
