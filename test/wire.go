package test

import (
	"context"
	"errors"
	"sync"
)

type (
	// Wire is an in-memory physical.FullDuplexUnreliableWire. Frames
	// sent on a wire are recorded and, if the wire is connected to a
	// peer, queued for the peer's Recv. Recv returns (0, nil) when no
	// frame is queued.
	Wire struct {
		mu      sync.Mutex
		peer    *Wire
		inbound [][]byte
		sent    [][]byte
		closed  bool

		// SendErr is returned by Send when not nil.
		SendErr error
	}
)

var errWireClosed = errors.New("wire closed")

// NewWire creates an unconnected Wire.
func NewWire() *Wire {
	return &Wire{}
}

// NewWirePair creates two connected wires.
func NewWirePair() (*Wire, *Wire) {
	a, b := NewWire(), NewWire()
	a.peer, b.peer = b, a
	return a, b
}

func (w *Wire) Send(ctx context.Context, frame []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, errWireClosed
	}
	if w.SendErr != nil {
		w.mu.Unlock()
		return 0, w.SendErr
	}
	b := append([]byte(nil), frame...)
	w.sent = append(w.sent, b)
	peer := w.peer
	w.mu.Unlock()

	if peer != nil {
		peer.Inject(b)
	}
	return len(frame), nil
}

func (w *Wire) Recv(ctx context.Context, frame []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errWireClosed
	}
	if len(w.inbound) == 0 {
		return 0, nil
	}
	n := copy(frame, w.inbound[0])
	w.inbound = w.inbound[1:]
	return n, nil
}

func (w *Wire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Inject queues a frame for Recv.
func (w *Wire) Inject(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inbound = append(w.inbound, append([]byte(nil), frame...))
}

// Sent drains and returns the frames sent so far.
func (w *Wire) Sent() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	sent := w.sent
	w.sent = nil
	return sent
}

// Pending returns the number of frames queued for Recv.
func (w *Wire) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inbound)
}
