package utils

import (
	"path"
	"regexp"
	"strings"
)

// --- Filename Sanitization ---
var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)                  // Pattern to replace multiple underscores with one
const maxFilenameLength = 100                                          // Max length for sanitized directory components

// MaxImageNameLength bounds derived image names so that scope prefixes still fit in a 255-byte filename.
const MaxImageNameLength = 200

// SanitizeFilename cleans a string to be safe for use as a directory or file component.
// Runs of invalid characters collapse to one underscore.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = sanitized[:maxFilenameLength]
		sanitized = strings.Trim(sanitized, "_ ")
	}

	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// ReplaceUnsafeChars replaces every filesystem-unsafe character with an underscore,
// one for one, leaving everything else untouched.
func ReplaceUnsafeChars(name string) string {
	return invalidFilenameChars.ReplaceAllString(name, "_")
}

// TruncateFilename shortens name to at most maxLen bytes while keeping its extension.
// Cuts never split a multi-byte rune.
func TruncateFilename(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	ext := path.Ext(name)
	if len(ext) >= maxLen || len(ext) > 16 {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)
	limit := maxLen - len(ext)
	cut := 0
	for i := range base {
		if i > limit {
			break
		}
		cut = i
	}
	if len(base) <= limit {
		cut = len(base)
	}
	return base[:cut] + ext
}
