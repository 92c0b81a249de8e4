package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"img-harvester/pkg/utils"
)

const (
	// DatedDirPrefix starts every timestamped output directory name
	DatedDirPrefix = "images_"
	// DatedDirLayout is the time layout following DatedDirPrefix
	DatedDirLayout = "20060102_150405"

	maxCollisionSuffix = 1000
)

// DatedDirName returns the directory name for a run started at now
func DatedDirName(now time.Time) string {
	return DatedDirPrefix + now.Format(DatedDirLayout)
}

// PrepareLocation creates the directory a run writes into and returns its path.
// Without dated it is root itself, created if missing. With dated a fresh
// images_<timestamp> child is created; if that name is taken a _2, _3, ...
// suffix is appended so two runs never share a directory.
func PrepareLocation(root string, dated bool, now time.Time) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("%w: creating '%s': %w", utils.ErrOutputLocationUnavailable, root, err)
	}
	if !dated {
		info, err := os.Stat(root)
		if err != nil {
			return "", fmt.Errorf("%w: %w", utils.ErrOutputLocationUnavailable, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: '%s' is not a directory", utils.ErrOutputLocationUnavailable, root)
		}
		return root, nil
	}

	base := filepath.Join(root, DatedDirName(now))
	candidate := base
	for n := 2; n <= maxCollisionSuffix+1; n++ {
		err := os.Mkdir(candidate, 0755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: creating '%s': %w", utils.ErrOutputLocationUnavailable, candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
	return "", fmt.Errorf("%w: too many runs named '%s'", utils.ErrOutputLocationUnavailable, base)
}
