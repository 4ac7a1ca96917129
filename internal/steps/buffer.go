package steps

import (
	"bytes"
	"sync"
)

// boundedBuffer captures up to limit bytes in memory; everything past the
// limit is handed to the overflow sink in chunks so long-running steps never
// grow the build result unboundedly.
type boundedBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	limit  int
	stream string
	sink   func(stream string, chunk []byte)
}

func newBoundedBuffer(stream string, limit int, sink func(string, []byte)) *boundedBuffer {
	return &boundedBuffer{limit: limit, stream: stream, sink: sink}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	room := b.limit - b.buf.Len()
	if room > 0 {
		keep := min(room, n)
		b.buf.Write(p[:keep])
		p = p[keep:]
	}
	if len(p) > 0 && b.sink != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		b.sink(b.stream, chunk)
	}
	return n, nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
