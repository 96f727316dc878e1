// Package content turns fetched pages into canonical documents: markdown body,
// metadata, content hash and the quality gate.
package content

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/hash/sha256"
)

// DefaultMinContentLength is the shortest accepted markdown body, in characters.
const DefaultMinContentLength = 100

// Markdowner converts HTML to markdown.
type Markdowner interface {
	ToMarkdown(html []byte, pageURL string) (string, error)
}

// Config tunes the quality gate. MinQualityScore of zero disables the score check.
type Config struct {
	MinContentLength int
	MinQualityScore  float64
}

// Result is either an accepted Document or a rejection reason.
type Result struct {
	Document crawler.Document
	Rejected crawler.RejectReason
}

// Accepted reports whether the page became a Document.
func (r Result) Accepted() bool {
	return r.Rejected == ""
}

// Processor is safe for concurrent use; its duplicate set is shared by every
// caller for the lifetime of the run.
type Processor struct {
	cfg      Config
	renderer Markdowner
	hasher   *sha256.Hasher
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewProcessor builds a Processor. clock may be nil.
func NewProcessor(cfg Config, renderer Markdowner, clock crawler.Clock) (*Processor, error) {
	if renderer == nil {
		return nil, errors.New("processor requires a markdown renderer")
	}
	if cfg.MinContentLength < 0 {
		cfg.MinContentLength = 0
	}
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Processor{
		cfg:      cfg,
		renderer: renderer,
		hasher:   sha256.New(),
		now:      now,
		seen:     make(map[string]struct{}),
	}, nil
}

// Process converts page into a Document or rejects it. Rejections are not errors;
// an error means the page could not be rendered at all.
func (p *Processor) Process(page crawler.RawPage) (Result, error) {
	start := p.now()
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = page.URL
	}

	md, err := p.renderer.ToMarkdown(page.HTML, pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("render markdown for %s: %w", page.URL, err)
	}
	normalized := sha256.Normalize(md)
	hash := p.hasher.Fingerprint(md)
	doc := crawler.Document{URL: page.URL, ContentHash: hash, Markdown: md, Depth: page.Depth}

	if utf8.RuneCountInString(normalized) < p.cfg.MinContentLength {
		return Result{Document: doc, Rejected: crawler.RejectTooShort}, nil
	}

	score := QualityScore(page.HTML)
	doc.QualityScore = score
	if p.cfg.MinQualityScore > 0 && score < p.cfg.MinQualityScore {
		return Result{Document: doc, Rejected: crawler.RejectLowQuality}, nil
	}

	if !p.claim(hash) {
		return Result{Document: doc, Rejected: crawler.RejectDuplicate}, nil
	}

	meta := ExtractMetadata(page.HTML)
	doc.Title = meta.Title
	doc.Description = meta.Description
	doc.Keywords = meta.Keywords
	doc.Media = append([]crawler.MediaRef(nil), page.Media...)
	doc.FetchedAt = page.FetchedAt
	doc.ProcessedAt = p.now()
	doc.ProcessingTime = doc.ProcessedAt.Sub(start)
	return Result{Document: doc}, nil
}

// Seen reports how many distinct documents were accepted.
func (p *Processor) Seen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// claim records hash and returns false if it was already present.
func (p *Processor) claim(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[hash]; dup {
		return false
	}
	p.seen[hash] = struct{}{}
	return true
}
