package socket

import (
	"context"
	"sync"

	"github.com/casual-simulation/casualos-sub007/pkg/realtime"
)

// Outbound is one [type, requestId, payload] message queued for a
// connection.
type Outbound struct {
	Type      string
	RequestID any
	Payload   any
}

// Envelope returns the wire form of the message.
func (o Outbound) Envelope() []any { return []any{o.Type, o.RequestID, o.Payload} }

type connQueue struct {
	out  chan Outbound
	done chan struct{}
	once sync.Once
}

func (q *connQueue) close() { q.once.Do(func() { close(q.done) }) }

// Registry tracks open connections and their outbound queues. It is the
// Messenger the realtime hub and the dispatcher write through.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connQueue
}

var _ realtime.Messenger = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{conns: map[string]*connQueue{}}
}

// Register opens a queue for connID. The returned channel is drained by the
// connection's writer until done is closed.
func (r *Registry) Register(connID string, buffer int) (<-chan Outbound, <-chan struct{}) {
	if buffer <= 0 {
		buffer = 64
	}
	q := &connQueue{out: make(chan Outbound, buffer), done: make(chan struct{})}
	r.mu.Lock()
	if old, ok := r.conns[connID]; ok {
		old.close()
	}
	r.conns[connID] = q
	r.mu.Unlock()
	return q.out, q.done
}

func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	q, exists := r.conns[connID]
	if exists {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if exists {
		q.close()
	}
}

// Send queues a message. It blocks while the queue is full and returns nil
// once the connection is gone.
func (r *Registry) Send(ctx context.Context, connID, msgType string, requestID any, payload any) error {
	r.mu.RLock()
	q, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case q.out <- Outbound{Type: msgType, RequestID: requestID, Payload: payload}:
		return nil
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
