package content

import (
	"bytes"
	"math"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// UntitledDocument is used when a page has neither a title nor a heading.
const UntitledDocument = "Untitled Document"

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// Metadata is what the processor reads from the page head.
type Metadata struct {
	Title       string
	Description string
	Keywords    []string
}

// ExtractMetadata reads the title, the description and the keywords. The title
// falls back to the first h1 and then to UntitledDocument.
func ExtractMetadata(body []byte) Metadata {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Metadata{Title: UntitledDocument}
	}
	meta := Metadata{Title: collapse(doc.Find("title").First().Text())}
	if meta.Title == "" {
		meta.Title = collapse(doc.Find("h1").First().Text())
	}
	if meta.Title == "" {
		meta.Title = UntitledDocument
	}

	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`, `meta[name="twitter:description"]`} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			meta.Description = collapse(v)
			break
		}
	}

	if v, ok := doc.Find(`meta[name="keywords"]`).First().Attr("content"); ok {
		for _, kw := range strings.Split(v, ",") {
			if kw = collapse(kw); kw != "" {
				meta.Keywords = append(meta.Keywords, kw)
			}
		}
	}
	return meta
}

// QualityScore rates page HTML in [0, 1] from text density, word count,
// paragraph and heading structure, and average sentence length. Each component
// contributes at most 0.25.
func QualityScore(body []byte) float64 {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template").Remove()
	text := collapse(doc.Text())
	if text == "" {
		return 0
	}

	words := strings.Fields(text)
	wordCount := float64(len(words))
	textRatio := float64(len(text)) / math.Max(float64(len(body)), 1)

	sentences := 0
	for _, s := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	paragraphs := float64(doc.Find("p").Length())
	headings := float64(doc.Find("h1, h2, h3, h4, h5, h6").Length())

	score := math.Min(textRatio*5, 0.25)
	score += math.Min(wordCount/500, 0.25)
	score += math.Min(paragraphs/5*0.15, 0.15) + math.Min(headings/3*0.1, 0.1)
	if sentences > 0 {
		score += math.Min(wordCount/float64(sentences)/20, 0.25)
	}
	return math.Min(score, 1)
}
