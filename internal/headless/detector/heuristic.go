// Package detector decides when a statically fetched page should be re-rendered
// in a headless browser.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

const defaultMinText = 100

// Promotion reasons reported by Assess.
const (
	ReasonEmptyBody   = "empty_body"
	ReasonAppShell    = "app_shell"
	ReasonNoscript    = "noscript_notice"
	ReasonThinContent = "thin_content"
)

// appShellSelectors match mount points that client-side frameworks fill in.
var appShellSelectors = []string{
	"#__next",
	"#__nuxt",
	"#root:empty",
	"#app:empty",
	"[data-reactroot]",
	"[ng-version]",
}

var jsRequiredPhrases = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
	"requires javascript",
}

// Heuristic promotes pages whose static HTML would not survive the content
// quality gate: no body, a bare framework shell, a noscript notice, or less
// visible text than MinText characters.
type Heuristic struct {
	MinText int
}

// NewHeuristic creates a detector. minText is normally the processor's
// minimum content length.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = defaultMinText
	}
	return &Heuristic{MinText: minText}
}

// ShouldPromote implements fetcher.Detector.
func (h *Heuristic) ShouldPromote(page crawler.RawPage) bool {
	promote, _ := h.Assess(page)
	return promote
}

// Assess reports whether page needs a render and why.
func (h *Heuristic) Assess(page crawler.RawPage) (bool, string) {
	if page.Rendered || page.StatusCode != 200 {
		return false, ""
	}
	if len(bytes.TrimSpace(page.HTML)) == 0 {
		return true, ReasonEmptyBody
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return false, ""
	}
	if asksForJavaScript(doc) {
		return true, ReasonNoscript
	}
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if utf8.RuneCountInString(text) >= h.MinText {
		return false, ""
	}
	for _, sel := range appShellSelectors {
		if doc.Find(sel).Length() > 0 {
			return true, ReasonAppShell
		}
	}
	return true, ReasonThinContent
}

func asksForJavaScript(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		// The parser keeps noscript content as raw text.
		notice := strings.ToLower(s.Text())
		for _, phrase := range jsRequiredPhrases {
			if strings.Contains(notice, phrase) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}
