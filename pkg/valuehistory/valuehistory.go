// Package valuehistory keeps a running total of timestamped values together
// with the values seen during a trailing retention window.
//
// It is meant for short-term rate estimation on a transport's hot path:
// push the size of every packet as it goes out, then divide SumSince over a
// trailing window by the window length to get bytes per second.
//
// A History is not safe for concurrent use. Callers sharing one between
// goroutines must provide their own locking (see package ratemeter).
package valuehistory

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"golang.org/x/exp/constraints"

	"github.com/arsperger/ratecast/internal/invariants"
)

// DefaultRetention is the retention window used by most callers.
const DefaultRetention = 2 * time.Second

// Number is the set of types a History can accumulate.
type Number interface {
	constraints.Integer | constraints.Float
}

type sample[T Number] struct {
	at    time.Time
	value T
}

// History holds the values pushed during the last retention window, as well
// as the cumulated total of every value ever pushed.
type History[T Number] struct {
	total     T
	history   deque.Deque[sample[T]]
	retention time.Duration
}

// New returns an empty History that retains values for the given duration
// relative to the most recently pushed timestamp. A negative retention is
// treated as zero, which keeps only the samples sharing the latest timestamp.
func New[T Number](retention time.Duration) *History[T] {
	return NewSeeded[T](0, retention)
}

// NewSeeded is like New but starts the running total at total.
func NewSeeded[T Number](total T, retention time.Duration) *History[T] {
	if retention < 0 {
		retention = 0
	}
	return &History[T]{
		total:     total,
		retention: retention,
	}
}

// Push adds a timed value.
//
// t must not be earlier than the timestamp of the previous call. This is not
// checked: a timestamp going backwards still counts towards Total, but the
// retained window may end up holding or dropping the wrong samples.
func (h *History[T]) Push(t time.Time, v T) {
	if invariants.Enabled && h.history.Len() > 0 {
		if last := h.history.Back().at; t.Before(last) {
			panic(fmt.Sprintf("valuehistory: timestamp %v is before previous %v", t, last))
		}
	}

	h.total += v
	h.history.PushBack(sample[T]{at: t, value: v})
	h.drain(t)
}

// drain drops samples from the front that are older than the retention
// window as seen from t. Samples are ordered, so it stops at the first one
// still inside the window.
func (h *History[T]) drain(t time.Time) {
	for h.history.Len() > 0 && t.Sub(h.history.Front().at) > h.retention {
		h.history.PopFront()
	}
}

// SumSince returns the sum of the retained values pushed at or after t.
// Values evicted from the window are not included, however old t is.
// Every retained sample is checked, so the result only depends on which
// samples are retained, not on the order they were pushed in.
func (h *History[T]) SumSince(t time.Time) T {
	var sum T
	for i := 0; i < h.history.Len(); i++ {
		if s := h.history.At(i); !s.at.Before(t) {
			sum += s.value
		}
	}
	return sum
}

// Total returns the sum of every value ever pushed.
func (h *History[T]) Total() T {
	return h.total
}

// Len returns the number of samples currently retained.
func (h *History[T]) Len() int {
	return h.history.Len()
}

// Retention returns the retention window.
func (h *History[T]) Retention() time.Duration {
	return h.retention
}

// Latest returns the timestamp of the most recently pushed sample, if any.
func (h *History[T]) Latest() (time.Time, bool) {
	if h.history.Len() == 0 {
		return time.Time{}, false
	}
	return h.history.Back().at, true
}
