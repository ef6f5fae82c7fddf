// Package ratemeter provides concurrency-safe byte and event rate meters
// built on top of valuehistory.
package ratemeter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arsperger/ratecast/pkg/valuehistory"
)

// Meter tracks bytes and events over a trailing window.
// All methods are safe for concurrent use.
type Meter struct {
	mu     sync.Mutex
	clock  clock.Clock
	bytes  *valuehistory.History[int64]
	events *valuehistory.History[int64]
}

// Snapshot is a point-in-time view of a Meter.
type Snapshot struct {
	// Total bytes ever marked
	Total     int64
	// Events is the number of Mark calls
	Events    int64
	// Rate in bytes/sec
	Rate      float64
	// EventRate in events/sec
	EventRate float64
}

type options struct {
	clock     clock.Clock
	retention time.Duration
}

// Option configures a Meter.
type Option func(*options)

// WithClock sets the time source. It should be monotonic; the default is the
// wall clock, whose readings carry a monotonic component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRetention sets how far back rates can be computed.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

// New returns a Meter on the wall clock retaining
// valuehistory.DefaultRetention, unless overridden by opts.
func New(opts ...Option) *Meter {
	o := options{
		clock:     clock.New(),
		retention: valuehistory.DefaultRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Meter{
		clock:  o.clock,
		bytes:  valuehistory.New[int64](o.retention),
		events: valuehistory.New[int64](o.retention),
	}
}

// Mark records n bytes as one event.
func (m *Meter) Mark(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// read the clock under the lock so pushes stay in time order
	now := m.clock.Now()
	m.bytes.Push(now, n)
	m.events.Push(now, 1)
}

// Rate returns bytes/sec over the trailing window. The window is capped at
// the meter's retention; a non-positive window yields 0.
func (m *Meter) Rate(window time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate(m.bytes, window)
}

// EventRate returns events/sec over the trailing window.
func (m *Meter) EventRate(window time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate(m.events, window)
}

func (m *Meter) rate(h *valuehistory.History[int64], window time.Duration) float64 {
	window = min(window, h.Retention())
	if window <= 0 {
		return 0
	}
	sum := h.SumSince(m.clock.Now().Add(-window))
	return float64(sum) / window.Seconds()
}

// Total returns the number of bytes ever marked.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes.Total()
}

// Events returns the number of Mark calls.
func (m *Meter) Events() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events.Total()
}

// Snapshot returns totals and rates over window, read atomically.
func (m *Meter) Snapshot(window time.Duration) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Total:     m.bytes.Total(),
		Events:    m.events.Total(),
		Rate:      m.rate(m.bytes, window),
		EventRate: m.rate(m.events, window),
	}
}

// LastActive returns when the meter was last marked.
func (m *Meter) LastActive() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes.Latest()
}
