package process

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"img-harvester/pkg/models"
	"img-harvester/pkg/parse"
	"img-harvester/pkg/utils"
)

// PageScan is the ordered result of scanning one HTML page
type PageScan struct {
	ImageElements  int // Every <img>, usable or not
	AnchorElements int // Every <a href>, usable or not
	Images         []models.ImageReference
	Links          []models.LinkCandidate
}

// ParseDocument parses UTF-8 HTML into a goquery document
func ParseDocument(data []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML: %w", utils.ErrParsing, err)
	}
	return doc, nil
}

// ScanPage extracts image references and outbound links from doc in document order.
// References are resolved against base, normally the page's final URL.
// Image indexes count every <img> element so that skipped elements keep their slot.
func ScanPage(doc *goquery.Document, base *url.URL, scope models.Scope) PageScan {
	var scan PageScan

	doc.Find("img").Each(func(i int, img *goquery.Selection) {
		scan.ImageElements++
		src := imageSource(img)
		if src == "" {
			return
		}
		imgURL, err := base.Parse(src)
		if err != nil || !parse.IsHTTPURL(imgURL) {
			return
		}
		scan.Images = append(scan.Images, models.ImageReference{
			URL:   imgURL.String(),
			Index: i + 1,
			Scope: scope,
		})
	})

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		scan.AnchorElements++
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" {
			return
		}
		linkURL, err := base.Parse(href)
		if err != nil || !parse.IsHTTPURL(linkURL) {
			return // mailto:, javascript:, tel: and unparsable targets
		}
		scan.Links = append(scan.Links, models.LinkCandidate{
			URL:    linkURL.String(),
			Origin: parse.Origin(linkURL),
			Index:  len(scan.Links) + 1,
		})
	})

	return scan
}

// imageSource returns the usable source of an <img>: src, else data-src.
// Inline data: URIs are not usable, so a lazy-load placeholder in src
// falls through to data-src.
func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src"} {
		v := strings.TrimSpace(img.AttrOr(attr, ""))
		if v == "" || strings.HasPrefix(strings.ToLower(v), "data:") {
			continue
		}
		return v
	}
	return ""
}
