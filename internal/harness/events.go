package harness

import (
	"context"
	"sync"
)

// Listener receives harness events. Handlers may be called concurrently; a run delivers
// at most one OnTestStop.
type Listener interface {
	OnTestStart(ctx context.Context, isMaster bool)
	OnWorkerReport(ctx context.Context, clientID string, data []byte)
	OnTestStop(ctx context.Context)
}

// EventSource is anything listeners can subscribe to.
type EventSource interface {
	Register(l Listener)
}

// Bus is an in-process EventSource. Emit calls run listeners synchronously on the
// caller's goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Register(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus) snapshot() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Listener(nil), b.listeners...)
}

func (b *Bus) EmitTestStart(ctx context.Context, isMaster bool) {
	for _, l := range b.snapshot() {
		l.OnTestStart(ctx, isMaster)
	}
}

func (b *Bus) EmitWorkerReport(ctx context.Context, clientID string, data []byte) {
	for _, l := range b.snapshot() {
		l.OnWorkerReport(ctx, clientID, data)
	}
}

func (b *Bus) EmitTestStop(ctx context.Context) {
	for _, l := range b.snapshot() {
		l.OnTestStop(ctx)
	}
}
