//go:build invariants

package valuehistory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistory_OutOfOrderPushPanics(t *testing.T) {
	start := time.Now()
	h := New[int](time.Second)
	h.Push(start.Add(time.Second), 1)

	assert.Panics(t, func() { h.Push(start, 2) })
}
