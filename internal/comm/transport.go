package comm

import (
	"context"
	"fmt"
	"sync"
)

// Transport moves frames between ranks. Delivery must be reliable; order is
// not required since every frame carries its round.
type Transport interface {
	// Send delivers frame to frame.To.
	Send(ctx context.Context, frame Frame) error

	// Recv blocks until a frame addressed to this rank arrives.
	Recv(ctx context.Context) (Frame, error)

	Close() error
}

// mailbox is an unbounded frame queue. Senders never block, so two ranks
// sending to each other cannot deadlock on buffer space.
type mailbox struct {
	mu     sync.Mutex
	frames []Frame
	ready  chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(f Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.frames = append(m.frames, f)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

func (m *mailbox) pop(ctx context.Context) (Frame, error) {
	for {
		m.mu.Lock()
		if len(m.frames) > 0 {
			f := m.frames[0]
			m.frames[0] = Frame{}
			m.frames = m.frames[1:]
			m.mu.Unlock()
			return f, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Frame{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-m.ready:
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// LocalNetwork connects ranks living in one process.
type LocalNetwork struct {
	boxes []*mailbox
}

func NewLocalNetwork(peers int) *LocalNetwork {
	boxes := make([]*mailbox, peers)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	return &LocalNetwork{boxes: boxes}
}

// Transport returns the endpoint for rank.
func (n *LocalNetwork) Transport(rank int) Transport {
	return &localTransport{net: n, self: rank}
}

func (n *LocalNetwork) Peers() int { return len(n.boxes) }

type localTransport struct {
	net  *LocalNetwork
	self int
}

func (t *localTransport) Send(ctx context.Context, frame Frame) error {
	if frame.To < 0 || frame.To >= len(t.net.boxes) {
		return fmt.Errorf("%w: rank %d", ErrUnknownPeer, frame.To)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.net.boxes[frame.To].push(frame)
}

func (t *localTransport) Recv(ctx context.Context) (Frame, error) {
	return t.net.boxes[t.self].pop(ctx)
}

func (t *localTransport) Close() error {
	t.net.boxes[t.self].close()
	return nil
}
