package crawler

import "sync"

// visitTracker records which normalized URLs a run has already scheduled.
type visitTracker struct {
	seen sync.Map
	size sync.Mutex
	n    int
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *visitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	if _, loaded := t.seen.LoadOrStore(url, struct{}{}); loaded {
		return false
	}
	t.size.Lock()
	t.n++
	t.size.Unlock()
	return true
}

// Len returns the number of distinct URLs marked.
func (t *visitTracker) Len() int {
	t.size.Lock()
	defer t.size.Unlock()
	return t.n
}
