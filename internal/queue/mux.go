package queue

import (
	"context"
	"fmt"
)

// HandlerFunc processes one fired job's payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Mux routes fired jobs to their kind handlers. Both backends share one Mux
// so a job behaves identically no matter which backend fired it.
type Mux struct {
	handlers map[Kind]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]HandlerFunc)}
}

// Handle registers the handler for a job kind. Last registration wins.
func (m *Mux) Handle(kind Kind, fn HandlerFunc) {
	m.handlers[kind] = fn
}

// Dispatch runs the handler registered for the job's kind.
func (m *Mux) Dispatch(ctx context.Context, j Job) error {
	h, ok := m.handlers[j.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", j.Kind)
	}
	return h(ctx, j.Payload)
}
