package process

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"img-harvester/pkg/models"
)

// directImageExts are the URL suffixes treated as images regardless of Content-Type
var directImageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
}

// Classify decides how a fetched link is handled, using only the declared
// Content-Type and the URL. It never looks at the body.
func Classify(contentType, rawURL string) models.LinkKind {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return models.LinkKindDirectImage
	}
	if u, err := url.Parse(rawURL); err == nil {
		if _, ok := directImageExts[strings.ToLower(path.Ext(u.Path))]; ok {
			return models.LinkKindDirectImage
		}
	}
	return models.LinkKindHTMLPage
}

// RootImageName names the i-th image of the root page
func RootImageName(index int, derived string) string {
	return fmt.Sprintf("root_%d_%s", index, derived)
}

// DirectLinkImageName names a link whose target is itself an image
func DirectLinkImageName(linkIndex int, derived string) string {
	return fmt.Sprintf("link_%d_direct_%s", linkIndex, derived)
}

// PageImageName names the j-th image found on the page behind link linkIndex
func PageImageName(linkIndex, imageIndex int, derived string) string {
	return fmt.Sprintf("%d_%d_%s", linkIndex, imageIndex, derived)
}
