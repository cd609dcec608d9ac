package tracker

import (
	"encoding/json"
	"sync/atomic"
)

// DefaultOutputCapacity is the number of output lines kept per pipeline.
const DefaultOutputCapacity = 1000

var lineSeq atomic.Uint64

// nextLineID returns a process-unique output line id.
func nextLineID() uint64 {
	return lineSeq.Add(1)
}

// OutputBuffer is a fixed-capacity FIFO ring of output lines. When full, the
// oldest line is evicted on append. Storage grows with use up to the
// capacity, so an empty or short buffer is cheap to copy.
type OutputBuffer struct {
	lines []OutputLine
	size  int
	head  int // index of the oldest line once the ring is full
	n     int
}

// NewOutputBuffer returns an empty buffer holding at most capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = DefaultOutputCapacity
	}
	return &OutputBuffer{size: capacity}
}

// Cap returns the buffer capacity.
func (b *OutputBuffer) Cap() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Len returns the number of buffered lines.
func (b *OutputBuffer) Len() int {
	if b == nil {
		return 0
	}
	return b.n
}

// Append adds a line, evicting the oldest when full.
func (b *OutputBuffer) Append(line OutputLine) {
	if b.n < b.size {
		b.lines = append(b.lines, line)
		b.n++
		return
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % b.size
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *OutputBuffer) Lines() []OutputLine {
	if b == nil || b.n == 0 {
		return nil
	}
	out := make([]OutputLine, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.lines[(b.head+i)%len(b.lines)]
	}
	return out
}

// Reset drops all buffered lines.
func (b *OutputBuffer) Reset() {
	clear(b.lines)
	b.lines = b.lines[:0]
	b.head = 0
	b.n = 0
}

// Clone returns an independent copy holding only the buffered lines.
func (b *OutputBuffer) Clone() *OutputBuffer {
	if b == nil {
		return nil
	}
	return &OutputBuffer{lines: b.Lines(), size: b.size, n: b.n}
}

func (b *OutputBuffer) MarshalJSON() ([]byte, error) {
	lines := b.Lines()
	if lines == nil {
		lines = []OutputLine{}
	}
	return json.Marshal(lines)
}
