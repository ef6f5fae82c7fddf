package tfrc

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"
)

// lossReport holds fraction lost and report interval for RFC8083 averaging
type lossReport struct {
	fraction float64
	interval time.Duration
}

// boundedHistory keeps the last maxSize values, dropping the oldest first
type boundedHistory[T any] struct {
	values  deque.Deque[T]
	maxSize int
}

func newBoundedHistory[T any](maxSize int) *boundedHistory[T] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("Max size must be positive, got %d", maxSize))
	}
	return &boundedHistory[T]{maxSize: maxSize}
}

func (h *boundedHistory[T]) add(v T) {
	if h.values.Len() >= h.maxSize {
		h.values.PopFront()
	}
	h.values.PushBack(v)
}

// at returns the i-th oldest value
func (h *boundedHistory[T]) at(i int) T {
	return h.values.At(i)
}

func (h *boundedHistory[T]) len() int {
	return h.values.Len()
}
