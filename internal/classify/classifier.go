// Package classify assigns documents to knowledge domains from keyword tables.
// The classifier is pure: the same document and table always produce the same
// assignments, and the result is never empty.
package classify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// ErrInvalidTable is returned for keyword tables that cannot classify anything.
var ErrInvalidTable = errors.New("invalid domain table")

// Domain is one keyword set. A zero Threshold uses the table-wide threshold.
type Domain struct {
	Name      string
	Keywords  []string
	Threshold float64
}

// Table is the classification data.
type Table struct {
	Domains       []Domain
	Threshold     float64
	DefaultDomain string
}

type compiledDomain struct {
	name      string
	keywords  []string
	threshold float64
}

// Classifier scores documents against a compiled Table.
type Classifier struct {
	domains       []compiledDomain
	defaultDomain string
}

// New validates and compiles the table. Keywords are lowercased and deduplicated.
func New(table Table) (*Classifier, error) {
	def := strings.TrimSpace(table.DefaultDomain)
	if def == "" {
		return nil, fmt.Errorf("%w: default domain is required", ErrInvalidTable)
	}
	if table.Threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must be >= 0", ErrInvalidTable)
	}
	c := &Classifier{defaultDomain: def}
	names := map[string]struct{}{}
	for _, d := range table.Domains {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: domain without a name", ErrInvalidTable)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: duplicate domain %q", ErrInvalidTable, name)
		}
		names[name] = struct{}{}

		cd := compiledDomain{name: name, threshold: table.Threshold}
		if d.Threshold > 0 {
			cd.threshold = d.Threshold
		}
		seen := map[string]struct{}{}
		for _, kw := range d.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			cd.keywords = append(cd.keywords, kw)
		}
		if len(cd.keywords) == 0 {
			return nil, fmt.Errorf("%w: domain %q has no keywords", ErrInvalidTable, name)
		}
		c.domains = append(c.domains, cd)
	}
	return c, nil
}

// DefaultDomain returns the fallback domain.
func (c *Classifier) DefaultDomain() string {
	return c.defaultDomain
}

// Classify returns every domain whose score reaches its threshold, highest score
// first. When none qualifies, the single default domain is returned with
// Default set.
func (c *Classifier) Classify(doc crawler.Document) []crawler.DomainAssignment {
	text := strings.ToLower(documentText(doc))
	words := countWords(text)

	var out []crawler.DomainAssignment
	if words > 0 {
		for _, d := range c.domains {
			hits := 0
			for _, kw := range d.keywords {
				hits += countOccurrences(text, kw)
			}
			if hits == 0 {
				continue
			}
			score := float64(hits) / float64(words)
			if score >= d.threshold {
				out = append(out, crawler.DomainAssignment{Domain: d.name, Score: score})
			}
		}
	}
	if len(out) == 0 {
		return []crawler.DomainAssignment{{Domain: c.defaultDomain, Default: true}}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

// Scores returns the raw score of every configured domain, for diagnostics.
func (c *Classifier) Scores(doc crawler.Document) map[string]float64 {
	text := strings.ToLower(documentText(doc))
	words := countWords(text)
	scores := make(map[string]float64, len(c.domains))
	for _, d := range c.domains {
		if words == 0 {
			scores[d.name] = 0
			continue
		}
		hits := 0
		for _, kw := range d.keywords {
			hits += countOccurrences(text, kw)
		}
		scores[d.name] = float64(hits) / float64(words)
	}
	return scores
}

func documentText(doc crawler.Document) string {
	parts := []string{doc.Title, doc.Description, strings.Join(doc.Keywords, " "), doc.Markdown}
	return strings.Join(parts, "\n")
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func countWords(text string) int {
	return len(strings.FieldsFunc(text, func(r rune) bool { return !isWordRune(r) }))
}

// countOccurrences counts whole-word, non-overlapping matches of kw in text.
// Both must already be lowercased.
func countOccurrences(text, kw string) int {
	n := 0
	for start := 0; start <= len(text)-len(kw); {
		idx := strings.Index(text[start:], kw)
		if idx < 0 {
			break
		}
		at := start + idx
		end := at + len(kw)
		if boundaryBefore(text, at) && boundaryAfter(text, end) {
			n++
			start = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[at:])
		start = at + size
	}
	return n
}

func boundaryBefore(text string, at int) bool {
	if at == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:at])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}
