package valuehistory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T) {
	now := time.Now()

	h := NewSeeded(11, time.Second)

	h.Push(now.Add(-1500*time.Millisecond), 22)
	h.Push(now.Add(-500*time.Millisecond), 22)

	assert.Equal(t, 22, h.SumSince(now.Add(-600*time.Millisecond)))
	assert.Equal(t, 44, h.SumSince(now.Add(-1600*time.Millisecond)))

	// the oldest sample is 1.5s older than now and gets discarded
	h.Push(now, 0)
	assert.Equal(t, 22, h.SumSince(now.Add(-1600*time.Millisecond)))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 55, h.Total())
}

func TestHistory_Defaults(t *testing.T) {
	h := New[int64](DefaultRetention)

	assert.Equal(t, 2*time.Second, h.Retention())
	assert.Equal(t, int64(0), h.Total())
	assert.Equal(t, 0, h.Len())

	_, ok := h.Latest()
	assert.False(t, ok)
}

func TestHistory_TotalIsCumulative(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
		step      time.Duration
		values    []float64
		want      float64
	}{
		{
			name:      "nothing evicted",
			retention: time.Hour,
			step:      time.Millisecond,
			values:    []float64{1.5, 2.5, 3},
			want:      7,
		},
		{
			name:      "everything but the last evicted",
			retention: time.Millisecond,
			step:      time.Second,
			values:    []float64{1.5, 2.5, 3, 4},
			want:      11,
		},
		{
			name:      "zero retention",
			retention: 0,
			step:      time.Second,
			values:    []float64{0.25, 0.25},
			want:      0.5,
		},
		{
			name:      "same timestamp",
			retention: time.Second,
			step:      0,
			values:    []float64{1, 2, 3},
			want:      6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New[float64](tt.retention)
			start := time.Now()
			for i, v := range tt.values {
				h.Push(start.Add(time.Duration(i)*tt.step), v)
			}
			assert.InDelta(t, tt.want, h.Total(), 1e-9)
		})
	}
}

func TestHistory_WindowExclusion(t *testing.T) {
	start := time.Now()
	h := New[int](2 * time.Second)

	h.Push(start, 100)
	h.Push(start.Add(time.Second), 10)
	h.Push(start.Add(2*time.Second), 1)

	// exactly at the retention boundary: still retained
	assert.Equal(t, 111, h.SumSince(start))
	assert.Equal(t, 3, h.Len())

	h.Push(start.Add(2*time.Second+time.Nanosecond), 0)
	assert.Equal(t, 11, h.SumSince(start))
	assert.Equal(t, 11, h.SumSince(start.Add(-time.Hour)))
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 111, h.Total())
}

func TestHistory_WindowInclusion(t *testing.T) {
	start := time.Now()
	h := New[uint32](time.Second)

	for i := 0; i < 10; i++ {
		h.Push(start.Add(time.Duration(i)*100*time.Millisecond), uint32(i+1))
	}

	tests := []struct {
		name   string
		cutoff time.Time
		want   uint32
	}{
		{"all samples", start, 55},
		{"cutoff on a sample", start.Add(500 * time.Millisecond), 6 + 7 + 8 + 9 + 10},
		{"cutoff between samples", start.Add(750 * time.Millisecond), 9 + 10},
		{"cutoff on the latest sample", start.Add(900 * time.Millisecond), 10},
		{"cutoff after the latest sample", start.Add(time.Second), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.SumSince(tt.cutoff))
		})
	}
}

func TestHistory_QueriesAreIdempotent(t *testing.T) {
	start := time.Now()
	h := New[int](time.Second)
	h.Push(start, 3)
	h.Push(start.Add(300*time.Millisecond), 4)

	cutoff := start.Add(100 * time.Millisecond)
	first := h.SumSince(cutoff)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, h.SumSince(cutoff))
	}
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 7, h.Total())
}

func TestHistory_EmptySum(t *testing.T) {
	t.Run("fresh", func(t *testing.T) {
		h := New[float32](time.Second)
		assert.Equal(t, float32(0), h.SumSince(time.Time{}))
		assert.Equal(t, float32(0), h.SumSince(time.Now()))
	})

	t.Run("fully evicted", func(t *testing.T) {
		start := time.Now()
		h := New[int](time.Second)
		h.Push(start, 5)
		h.Push(start.Add(time.Hour), 0)

		assert.Equal(t, 0, h.SumSince(start))
		assert.Equal(t, 1, h.Len())
		assert.Equal(t, 5, h.Total())
	})
}

func TestHistory_DegenerateRetention(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
	}{
		{"zero", 0},
		{"negative", -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			h := New[int](tt.retention)
			assert.Equal(t, time.Duration(0), h.Retention())

			h.Push(start, 1)
			h.Push(start.Add(time.Millisecond), 2)
			h.Push(start.Add(time.Millisecond), 3)

			assert.Equal(t, 2, h.Len())
			assert.Equal(t, 5, h.SumSince(start))
			assert.Equal(t, 6, h.Total())

			latest, ok := h.Latest()
			require.True(t, ok)
			assert.Equal(t, start.Add(time.Millisecond), latest)
		})
	}
}

func TestHistory_BoundedByRetention(t *testing.T) {
	start := time.Now()
	h := New[int](time.Second)

	// one sample every 10ms for 10s keeps about 100 of them
	for i := 0; i < 1000; i++ {
		h.Push(start.Add(time.Duration(i)*10*time.Millisecond), 1)
		require.LessOrEqual(t, h.Len(), 101)
	}
	assert.Equal(t, 101, h.Len())
	assert.Equal(t, 1000, h.Total())
}
