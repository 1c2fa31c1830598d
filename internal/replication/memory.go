package replication

import (
	"context"
	"sync"
)

// Transport moves opaque envelopes on named channels.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, fn func([]byte)) (func(), error)
	Close() error
}

const memoryBufferSize = 256

// MemoryTransport fans envelopes out inside one process. A subscriber whose
// buffer is full misses the envelope.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: map[string]map[int]chan []byte{}}
}

func (t *MemoryTransport) Publish(_ context.Context, channel string, data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	for _, ch := range t.subs[channel] {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case ch <- buf:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, channel string, fn func([]byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	id := t.nextID
	t.nextID++
	ch := make(chan []byte, memoryBufferSize)
	if t.subs[channel] == nil {
		t.subs[channel] = map[int]chan []byte{}
	}
	t.subs[channel][id] = ch

	go func() {
		for data := range ch {
			fn(data)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[channel][id]; ok {
				delete(t.subs[channel], id)
				close(sub)
			}
		})
	}, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for channel, subs := range t.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(t.subs, channel)
	}
	return nil
}
