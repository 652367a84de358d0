package model

import (
	"context"

	"github.com/google/uuid"
)

// Wire is a handle to connection's outgoing side. TX is never closed,
// senders must watch Done instead.
type Wire struct {
	ID string
	TX chan Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWire(ctx context.Context, bufSize int) *Wire {
	wCtx, cancel := context.WithCancel(ctx)
	return &Wire{
		ID:     uuid.NewString(),
		TX:     make(chan Envelope, bufSize),
		ctx:    wCtx,
		cancel: cancel,
	}
}

// Context is canceled once the wire is closed.
func (w *Wire) Context() context.Context {
	return w.ctx
}

func (w *Wire) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Close marks wire as dead. Safe to call multiple times.
func (w *Wire) Close() {
	w.cancel()
}

func (w *Wire) Closed() bool {
	select {
	case <-w.ctx.Done():
		return true
	default:
		return false
	}
}
