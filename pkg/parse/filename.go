package parse

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"img-harvester/pkg/utils"
)

// FallbackImageExt is the extension given to hash-derived names
const FallbackImageExt = ".jpg"

// DeriveFilename turns an image URL into a filesystem-safe base name.
// The final path segment is used with unsafe characters replaced; the query
// never contributes. URLs without a final segment get "image_<sha1(url)>.jpg".
// Never returns an empty string.
func DeriveFilename(rawURL string) string {
	segment := lastPathSegment(rawURL)
	if segment == "" {
		return FallbackFilename(rawURL)
	}
	name := utils.ReplaceUnsafeChars(segment)
	return utils.TruncateFilename(name, utils.MaxImageNameLength)
}

// FallbackFilename returns the deterministic hash-based name for rawURL
func FallbackFilename(rawURL string) string {
	return "image_" + utils.CalculateStringSHA1(rawURL) + FallbackImageExt
}

// lastPathSegment returns the decoded final path segment, ignoring trailing slashes.
// Invalid UTF-8 produced by decoding is replaced with underscores.
// Returns "" when there is none or when it is a dot segment.
func lastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	escaped := strings.TrimRight(u.EscapedPath(), "/")
	segment := escaped[strings.LastIndex(escaped, "/")+1:]
	if decoded, err := url.PathUnescape(segment); err == nil {
		segment = decoded
	}
	// Escapes may decode to bytes no filesystem accepts as a name
	if !utf8.ValidString(segment) {
		segment = strings.ToValidUTF8(segment, "_")
	}
	if segment == "." || segment == ".." {
		return ""
	}
	return segment
}
