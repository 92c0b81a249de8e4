package process

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"img-harvester/pkg/config"
	"img-harvester/pkg/models"
	"img-harvester/pkg/utils"
)

// partialPattern names in-progress downloads inside the output location
const partialPattern = ".partial-*"

// ImageWriter persists streamed image bodies into the output location.
// A file only appears under its final name once it is complete.
type ImageWriter struct {
	maxBytes int64 // 0 = unlimited
	probe    bool  // Decode format, dimensions and EXIF after saving
	log      *logrus.Entry
}

// NewImageWriter creates an ImageWriter from the application config
func NewImageWriter(cfg *config.AppConfig, log *logrus.Entry) *ImageWriter {
	return &ImageWriter{
		maxBytes: cfg.MaxImageSizeBytes,
		probe:    config.GetEffectiveProbeImages(*cfg),
		log:      log,
	}
}

// Save streams res.Body to dir/filename and always closes the body.
// Failures return *utils.WriteError and leave nothing behind in dir.
func (w *ImageWriter) Save(res *models.FetchedResource, dir, filename string) (*models.SavedImage, error) {
	defer res.Close()

	localFilePath := filepath.Join(dir, filename)
	imgLog := w.log.WithFields(logrus.Fields{"img_url": res.URL, "file": filename})

	if res.Body == nil {
		return nil, &utils.WriteError{Path: localFilePath, Cause: fmt.Errorf("%w: no response body", utils.ErrResponseBodyRead)}
	}

	// --- Header Size Check ---
	if w.maxBytes > 0 && res.ContentLength > w.maxBytes {
		return nil, &utils.WriteError{Path: localFilePath, Cause: fmt.Errorf(
			"%w: Content-Length %d > %d bytes", utils.ErrImageTooLarge, res.ContentLength, w.maxBytes)}
	}

	outFile, err := os.CreateTemp(dir, partialPattern)
	if err != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, &utils.WriteError{Path: localFilePath, Cause: fmt.Errorf("%w: creating temp file: %w", utils.ErrFilesystem, err)}
	}
	tmpPath := outFile.Name()
	fail := func(cause error) (*models.SavedImage, error) {
		outFile.Close()
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			imgLog.Warnf("Could not remove partial file '%s': %v", tmpPath, rmErr)
		}
		return nil, &utils.WriteError{Path: localFilePath, Cause: cause}
	}

	// --- Stream Data with Size Limit ---
	var reader io.Reader = res.Body
	if w.maxBytes > 0 {
		reader = io.LimitReader(res.Body, w.maxBytes+1)
	}
	copiedBytes, copyErr := io.Copy(outFile, reader)
	if copyErr != nil {
		return fail(fmt.Errorf("%w: after %d bytes: %w", utils.ErrResponseBodyRead, copiedBytes, copyErr))
	}
	if w.maxBytes > 0 && copiedBytes > w.maxBytes {
		return fail(fmt.Errorf("%w: more than %d bytes streamed", utils.ErrImageTooLarge, w.maxBytes))
	}

	if err := outFile.Close(); err != nil {
		return fail(fmt.Errorf("%w: closing '%s': %w", utils.ErrFilesystem, tmpPath, err))
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fail(fmt.Errorf("%w: chmod '%s': %w", utils.ErrFilesystem, tmpPath, err))
	}
	if err := os.Rename(tmpPath, localFilePath); err != nil {
		return fail(fmt.Errorf("%w: renaming to '%s': %w", utils.ErrFilesystem, localFilePath, err))
	}

	saved := &models.SavedImage{
		File:      filename,
		SourceURL: res.URL,
		Bytes:     copiedBytes,
		SavedAt:   time.Now(),
	}

	if sum, err := utils.CalculateFileSHA256(localFilePath); err == nil {
		saved.SHA256 = sum
	} else {
		imgLog.Warnf("Could not hash saved image: %v", err)
	}

	if w.probe {
		info, err := ProbeImage(localFilePath)
		if err != nil {
			// Still a valid save: servers are free to send formats we cannot decode
			imgLog.Debugf("Image probe failed: %v", err)
		} else {
			saved.Format = info.Format
			saved.Width = info.Width
			saved.Height = info.Height
			saved.Exif = info.Exif
		}
	}

	imgLog.Debugf("Saved image (%d bytes)", copiedBytes)
	return saved, nil
}
