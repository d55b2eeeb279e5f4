package pagestream

import (
	"io"
	"sync"
)

// MemStream is an in-memory Stream. It mirrors file semantics: reads past
// the end return io.EOF, writes past the end grow the stream with zeros.
type MemStream struct {
	mu   sync.Mutex
	data []byte
}

// NewMemStream returns an empty in-memory stream.
func NewMemStream() *MemStream {
	return &MemStream{}
}

func (ms *MemStream) ReadAt(p []byte, off int64) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if off < 0 {
		return 0, io.EOF
	}
	if off >= int64(len(ms.data)) {
		return 0, io.EOF
	}
	n := copy(p, ms.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (ms *MemStream) WriteAt(p []byte, off int64) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(ms.data)) {
		grown := make([]byte, end)
		copy(grown, ms.data)
		ms.data = grown
	}
	copy(ms.data[off:], p)
	return len(p), nil
}

func (ms *MemStream) Size() (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return int64(len(ms.data)), nil
}

func (ms *MemStream) Resize(size int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if size <= int64(len(ms.data)) {
		ms.data = ms.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, ms.data)
	ms.data = grown
	return nil
}

func (ms *MemStream) Flush() error { return nil }

func (ms *MemStream) Fsync() error { return nil }

// Bytes exposes the raw backing slice, for tests that need to corrupt
// specific offsets.
func (ms *MemStream) Bytes() []byte {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.data
}
