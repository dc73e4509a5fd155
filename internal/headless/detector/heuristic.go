// Package detector decides when a fetched page should be re-rendered by the
// browser engine.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

const (
	defaultBodyThreshold = 2048
	defaultMinTextChars  = 200
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	MinTextChars        int
}

// NewHeuristic creates a new detector. Zero values select the defaults.
func NewHeuristic(bodyThreshold, minTextChars int) *Heuristic {
	if bodyThreshold <= 0 {
		bodyThreshold = defaultBodyThreshold
	}
	if minTextChars <= 0 {
		minTextChars = defaultMinTextChars
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, MinTextChars: minTextChars}
}

var spaMarkers = [][]byte{
	[]byte("id=\"__next\""),
	[]byte("id=\"__nuxt\""),
	[]byte("id=\"root\"></div>"),
	[]byte("id=\"app\"></div>"),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte("you need to enable javascript"),
	[]byte("please enable javascript"),
}

// ShouldPromote reports whether a successful HTML response looks like a
// client-rendered shell.
func (h *Heuristic) ShouldPromote(resp crawler.ScrapeResponse) bool {
	if resp.StatusCode != 200 || !isHTML(resp.ContentType) {
		return false
	}
	body := resp.Content
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return h.textStarved(body)
}

// textStarved reports pages whose visible text is tiny while scripts exist.
func (h *Heuristic) textStarved(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find("script").Length() == 0 {
		return false
	}
	bodySel := doc.Find("body").Clone()
	bodySel.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(bodySel.Text()), " ")
	return len(text) < h.MinTextChars
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag; the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
