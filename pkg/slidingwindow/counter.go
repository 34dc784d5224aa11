package slidingwindow

import (
	"math"
	"sync"
)

// WindowCounter is a thread-safe count of events per fixed-length time window.
// Only the current and the previous window are retained.
type WindowCounter struct {
	mu           sync.Mutex
	windowLength int64            // bucket duration in milliseconds.
	counters     map[int64]uint64 // window index -> event count.
	lastEvict    int64            // window index of the last eviction pass.
}

const neverEvicted = math.MinInt64

// NewWindowCounter creates a counter for buckets of windowLength milliseconds.
func NewWindowCounter(windowLength int64) *WindowCounter {
	return &WindowCounter{
		windowLength: windowLength,
		counters:     make(map[int64]uint64, 2),
		lastEvict:    neverEvicted,
	}
}

// WindowLength returns the bucket duration in milliseconds.
func (c *WindowCounter) WindowLength() int64 {
	return c.windowLength
}

// Increment records one event in bucket currentWindow.
func (c *WindowCounter) Increment(currentWindow int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(currentWindow)
	c.counters[currentWindow]++
}

// Get returns the raw counts for currentWindow and previousWindow, 0 for windows
// with no recorded events.
func (c *WindowCounter) Get(currentWindow, previousWindow int64) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(currentWindow)
	return c.counters[currentWindow], c.counters[previousWindow]
}

// evict drops every bucket older than currentWindow-1. Must be called with mu held.
// A pass for an index already evicted is skipped: since then only that index can
// have been written.
func (c *WindowCounter) evict(currentWindow int64) {
	if c.lastEvict == currentWindow {
		return
	}
	for w := range c.counters {
		if w < currentWindow-1 {
			delete(c.counters, w)
		}
	}
	c.lastEvict = currentWindow
}
