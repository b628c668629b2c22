package common

import (
	"context"
	"fmt"
)

type (
	// Handler consumes the payload of a lower layer. The src argument
	// identifies where the payload came from, e.g. the src MAC address
	// of an Ethernet frame or the IPv4 header of a datagram.
	Handler[S any] interface {
		Handle(ctx context.Context, payload []byte, src S) error
	}

	// HandlerFunc adapts a function into a Handler.
	HandlerFunc[S any] func(ctx context.Context, payload []byte, src S) error

	// Registry maps protocol numbers (ethertypes, IP protocol numbers)
	// to the handlers of the upper layer. It is not thread-safe: all the
	// registrations happen while the stack is being built and all the
	// dispatches happen on the polling thread.
	Registry[S any] struct {
		handlers map[uint16]Handler[S]
	}
)

func (f HandlerFunc[S]) Handle(ctx context.Context, payload []byte, src S) error {
	return f(ctx, payload, src)
}

// Add registers h for number, replacing any previous handler.
func (r *Registry[S]) Add(number uint16, h Handler[S]) {
	if r.handlers == nil {
		r.handlers = make(map[uint16]Handler[S])
	}
	r.handlers[number] = h
}

// Remove unregisters the handler for number.
func (r *Registry[S]) Remove(number uint16) {
	delete(r.handlers, number)
}

// Dispatch delivers payload to the handler registered for number.
// ErrNoHandler is returned when no handler is registered, any other
// error comes from the handler itself.
func (r *Registry[S]) Dispatch(ctx context.Context, payload []byte, number uint16, src S) error {
	h, ok := r.handlers[number]
	if !ok {
		return fmt.Errorf("protocol number 0x%04x: %w", number, ErrNoHandler)
	}
	return h.Handle(ctx, payload, src)
}
