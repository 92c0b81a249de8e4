package process

import (
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	// Registered decoders for image.DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	exif "github.com/dsoprea/go-exif/v3"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"img-harvester/pkg/models"
)

// exifScanLimit bounds how much of a file is searched for an EXIF block
const exifScanLimit = 512 << 10

// ImageInfo is what ProbeImage learns about a saved file
type ImageInfo struct {
	Format string
	Width  int
	Height int
	Exif   *models.ExifFacts // nil when the file carries no EXIF
}

// ProbeImage decodes the header of the image at path.
// Unknown formats return image.ErrFormat.
func ProbeImage(path string) (*ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	info := &ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}

	if format == "jpeg" {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			head, readErr := io.ReadAll(io.LimitReader(f, exifScanLimit))
			if readErr == nil {
				info.Exif = ExtractExifFacts(head)
			}
		}
	}
	return info, nil
}

// ExtractExifFacts returns the camera, software, timestamp and GPS presence
// recorded in data, or nil when no EXIF block is found.
func ExtractExifFacts(data []byte) (facts *models.ExifFacts) {
	defer func() {
		if r := recover(); r != nil {
			facts = nil // go-exif panics on some malformed IFDs
		}
	}()

	rawExif, err := exif.SearchAndExtractExif(data)
	if err != nil || rawExif == nil {
		return nil // exif.ErrNoExif for most web images
	}

	entries, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return nil
	}

	facts = &models.ExifFacts{}
	for _, entry := range entries {
		value := strings.TrimSpace(strings.TrimRight(entry.Formatted, "\x00"))
		switch entry.TagName {
		case "Make":
			facts.CameraMake = value
		case "Model":
			facts.CameraModel = value
		case "Software":
			facts.Software = value
		case "DateTimeOriginal":
			facts.DateTime = value
		case "DateTime":
			if facts.DateTime == "" {
				facts.DateTime = value
			}
		case "GPSLatitude", "GPSLongitude":
			facts.HasGPS = true
		}
	}
	if *facts == (models.ExifFacts{}) {
		return nil
	}
	return facts
}
