package store

import (
	"context"
	"errors"
	"sync"

	"fire-dispatch/radiostatus/internal/metrics"
)

// MemoryBackend keeps collections in process memory. Terminals hosted by
// the same process share one instance.
type MemoryBackend struct {
	origin string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	data   map[string][]byte
	subs   map[string]map[chan ChangeEvent]struct{}
	closed bool
}

func NewMemoryBackend(origin string) *MemoryBackend {
	return &MemoryBackend{
		origin: origin,
		locks:  make(map[string]*sync.Mutex),
		data:   make(map[string][]byte),
		subs:   make(map[string]map[chan ChangeEvent]struct{}),
	}
}

func (m *MemoryBackend) collectionLock(collection string) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	l, ok := m.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		m.locks[collection] = l
	}
	return l, nil
}

func (m *MemoryBackend) Load(ctx context.Context, collection string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return cloneBytes(m.data[collection]), nil
}

func (m *MemoryBackend) Update(ctx context.Context, collection string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := m.collectionLock(collection)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	old := cloneBytes(m.data[collection])
	m.mu.Unlock()

	next, err := fn(cloneBytes(old))
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.data[collection] = cloneBytes(next)
	ev := ChangeEvent{Collection: collection, Origin: m.origin, Old: old, New: cloneBytes(next)}
	for ch := range m.subs[collection] {
		select {
		case ch <- ev:
		default:
			metrics.ChangeEventDrops.WithLabelValues(collection).Inc()
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Subscribe(ctx context.Context, collection string) (<-chan ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch := make(chan ChangeEvent, subscriberBuffer)
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[chan ChangeEvent]struct{})
	}
	m.subs[collection][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[collection][ch]; ok {
			delete(m.subs[collection], ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for ch := range subs {
			close(ch)
		}
	}
	m.subs = make(map[string]map[chan ChangeEvent]struct{})
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
