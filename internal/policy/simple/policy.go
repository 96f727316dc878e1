// Package simple contains the host admission policy used by the crawl
// scheduler.
package simple

import "strings"

// Policy blocks hosts by exact name or by suffix wildcard ("*.example.org" or
// ".example.org"). The zero value and a nil *Policy allow everything.
type Policy struct {
	exact    map[string]struct{}
	suffixes []string
}

// New creates a Policy from blocked host patterns. Blank patterns are ignored.
func New(blocked []string) *Policy {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range blocked {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// AllowFetch reports whether host may be crawled. The URL and depth are part of
// the crawler.FetchPolicy contract; host patterns are all this policy checks.
func (p *Policy) AllowFetch(_ string, host string, _ int) bool {
	return !p.blocked(host)
}

// Blocked returns the number of configured patterns.
func (p *Policy) Blocked() int {
	if p == nil {
		return 0
	}
	return len(p.exact) + len(p.suffixes)
}

func (p *Policy) blocked(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
