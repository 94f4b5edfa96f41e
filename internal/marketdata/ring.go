package marketdata

import "time"

// defaultWindow is how many mid samples the log return looks back over.
const defaultWindow = 100

// MidSample is the mid price after a book change.
type MidSample struct {
	Time time.Time
	Mid  float64
}

// RingBuffer is a fixed-size circular buffer of mid samples.
type RingBuffer struct {
	data  []MidSample
	head  int // next write position
	count int
}

// NewRingBuffer creates a buffer holding up to capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultWindow
	}
	return &RingBuffer{data: make([]MidSample, capacity)}
}

// Push adds a sample, overwriting the oldest once full.
func (rb *RingBuffer) Push(s MidSample) {
	rb.data[rb.head] = s
	rb.head = (rb.head + 1) % len(rb.data)
	if rb.count < len(rb.data) {
		rb.count++
	}
}

// Len returns the number of samples held.
func (rb *RingBuffer) Len() int { return rb.count }

// Oldest returns the earliest sample still held.
func (rb *RingBuffer) Oldest() (MidSample, bool) {
	if rb.count == 0 {
		return MidSample{}, false
	}
	return rb.data[(rb.head-rb.count+len(rb.data))%len(rb.data)], true
}

// Latest returns the most recent sample.
func (rb *RingBuffer) Latest() (MidSample, bool) {
	if rb.count == 0 {
		return MidSample{}, false
	}
	return rb.data[(rb.head-1+len(rb.data))%len(rb.data)], true
}

// GetAll returns all samples in chronological order.
func (rb *RingBuffer) GetAll() []MidSample {
	if rb.count == 0 {
		return nil
	}

	size := len(rb.data)
	result := make([]MidSample, rb.count)
	start := (rb.head - rb.count + size) % size
	for i := range rb.count {
		result[i] = rb.data[(start+i)%size]
	}
	return result
}

// Reset drops every sample.
func (rb *RingBuffer) Reset() {
	rb.head, rb.count = 0, 0
}
