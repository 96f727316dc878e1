package delivery

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/clock/system"
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
)

// CircuitState is the breaker state of one (sink, domain) pair.
type CircuitState int

// Breaker states. The numeric values are exported as the circuit gauge.
const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig tunes every breaker in a Registry.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker counts consecutive failures for one (sink, domain) pair. Rate-limit
// and permanent rejections are reported through Neutral and never move it.
type Breaker struct {
	sink   string
	domain string
	cfg    BreakerConfig
	clock  crawler.Clock

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

func newBreaker(sink, domain string, cfg BreakerConfig, clock crawler.Clock) *Breaker {
	b := &Breaker{sink: sink, domain: domain, cfg: cfg, clock: clock}
	metrics.SetCircuitState(sink, domain, int(StateClosed))
	return b
}

// Allow reports whether a call may go out. After the cooldown the first caller
// gets the single half-open trial; everyone else is refused until it reports.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

// Success closes the circuit and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.setState(StateClosed)
}

// Failure counts a non-rate-limit failure. A failed half-open trial reopens the
// circuit and restarts the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// Neutral releases a half-open trial without changing the state.
func (b *Breaker) Neutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's reportable state.
func (b *Breaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitSnapshot{
		Sink:     b.sink,
		Domain:   b.domain,
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.clock.Now()
	b.trial = false
	b.setState(StateOpen)
}

func (b *Breaker) setState(s CircuitState) {
	if b.state == s {
		return
	}
	b.state = s
	metrics.SetCircuitState(b.sink, b.domain, int(s))
}

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	Sink     string       `json:"sink"`
	Domain   string       `json:"domain"`
	State    CircuitState `json:"state"`
	Failures int          `json:"consecutive_failures"`
	OpenedAt time.Time    `json:"opened_at,omitempty"`
}

type breakerKey struct {
	sink   string
	domain string
}

// Registry hands out one shared Breaker per (sink, domain) pair.
type Registry struct {
	cfg   BreakerConfig
	clock crawler.Clock

	mu       sync.Mutex
	breakers map[breakerKey]*Breaker
}

// NewRegistry builds a registry. A threshold below 1 is treated as 1.
func NewRegistry(cfg BreakerConfig, clock crawler.Clock) *Registry {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if clock == nil {
		clock = system.New()
	}
	return &Registry{cfg: cfg, clock: clock, breakers: make(map[breakerKey]*Breaker)}
}

// Get returns the breaker for (sink, domain), creating it closed.
func (r *Registry) Get(sink, domain string) *Breaker {
	key := breakerKey{sink: sink, domain: domain}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(sink, domain, r.cfg, r.clock)
		r.breakers[key] = b
	}
	return b
}

// Snapshot lists every breaker, sorted by sink then domain.
func (r *Registry) Snapshot() []CircuitSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]CircuitSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sink != out[j].Sink {
			return out[i].Sink < out[j].Sink
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}
