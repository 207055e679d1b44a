package packet

import "fmt"

const (
	// BufferInitSize is the initial capacity of a receive buffer.
	BufferInitSize = 512
	// BufferGrowExtra is added on top of the requested size whenever a buffer grows.
	BufferGrowExtra = 512
)

// Buffer is a receive buffer that grows on demand in fixed increments and
// never beyond MaxPacketSize, so a hostile payload size cannot force an
// unbounded allocation.
type Buffer struct {
	data []byte
}

// NewBuffer returns a buffer with BufferInitSize bytes of capacity.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, BufferInitSize)}
}

// Reserve returns a slice of exactly n bytes backed by the buffer, growing it if needed.
// The returned slice is only valid until the next call to Reserve.
func (b *Buffer) Reserve(n int) ([]byte, error) {
	if n < 0 || n > MaxPacketSize {
		return nil, fmt.Errorf("%w: cannot reserve %d bytes (maximum %d)", ErrPayloadTooLarge, n, MaxPacketSize)
	}

	if n > len(b.data) {
		size := n + BufferGrowExtra
		if size > MaxPacketSize {
			size = MaxPacketSize
		}
		b.data = make([]byte, size)
	}
	return b.data[:n], nil
}

// Cap returns the current capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.data)
}
