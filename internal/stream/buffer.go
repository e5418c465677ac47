package stream

import "sync"

// AudioBuffer is a FIFO byte queue with one producer appending and one
// sender taking from the front.
type AudioBuffer struct {
	mu   sync.Mutex
	data []byte
}

// NewAudioBuffer creates an empty buffer.
func NewAudioBuffer() *AudioBuffer {
	return &AudioBuffer{}
}

// Append copies p onto the tail.
func (b *AudioBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// TakeUpTo removes and returns the front min(n, Len()) bytes.
func (b *AudioBuffer) TakeUpTo(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked(n)
}

// TakeChunk removes the next chunk of at most maxChunk bytes, applying the
// ChunkLen remainder merge against the current length in the same step.
func (b *AudioBuffer) TakeChunk(maxChunk int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked(ChunkLen(len(b.data), maxChunk))
}

func (b *AudioBuffer) takeLocked(n int) []byte {
	n = min(n, len(b.data))
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	if len(b.data) == 0 {
		b.data = nil
	}
	return out
}

// Len returns the number of buffered bytes.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// IsEmpty reports whether nothing is buffered.
func (b *AudioBuffer) IsEmpty() bool {
	return b.Len() == 0
}

// Reset drops everything and returns how many bytes were discarded.
func (b *AudioBuffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.data)
	b.data = nil
	return n
}
