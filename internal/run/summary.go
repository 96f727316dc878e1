package run

import "time"

// Summary is the countable record of every terminal outcome in a run.
type Summary struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at,omitempty"`
	Duration         time.Duration `json:"duration"`
	Resolved         int64         `json:"resolved"`
	Scheduled        int64         `json:"scheduled"`
	Fetched          int64         `json:"fetched"`
	FetchRetries     int64         `json:"fetch_retries"`
	Failed           int64         `json:"failed"`
	RejectedTooShort int64         `json:"rejected_too_short"`
	RejectedDup      int64         `json:"rejected_duplicate"`
	RejectedQuality  int64         `json:"rejected_low_quality"`
	Documents        int64         `json:"documents"`
	Assignments      int64         `json:"assignments"`
	DefaultAssigned  int64         `json:"default_assigned"`
	Delivered        int64         `json:"delivered"`
	Fallback         int64         `json:"fallback"`
	Abandoned        int64         `json:"abandoned"`
	DeliveryAttempts int64         `json:"delivery_attempts"`
	RateLimited      int64         `json:"rate_limited"`
	ShortCircuited   int64         `json:"short_circuited"`
	FatalError       string        `json:"fatal_error,omitempty"`
}

// Rejected totals every quality-gate rejection.
func (s Summary) Rejected() int64 {
	return s.RejectedTooShort + s.RejectedDup + s.RejectedQuality
}

// Terminal totals every terminal outcome across tasks and deliveries.
func (s Summary) Terminal() int64 {
	return s.Failed + s.Rejected() + s.Delivered + s.Fallback + s.Abandoned
}
