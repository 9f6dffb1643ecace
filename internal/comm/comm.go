package comm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Observer receives substrate events, typically a metrics collector.
type Observer interface {
	ObserveRound(rank int)
	ObserveFrame(rank int, bytes int)
}

type Options struct {
	Logger   *zap.Logger
	Observer Observer
}

type roundState int

const (
	stateIdle roundState = iota
	statePacking
	stateSent
)

// Comm is one rank's handle on the phased exchange. A round is
// Begin, any number of Pack calls, Send, then Receive until it returns false.
// Every rank must run every round; a rank that skips one leaves its peers
// waiting. Comm is not safe for concurrent use.
type Comm struct {
	self      int
	peers     int
	transport Transport
	logger    *zap.Logger
	observer  Observer

	round   uint64
	state   roundState
	outbox  []*Writer
	early   map[uint64][]Frame
	queue   []Frame
	arrived int

	cur     *Reader
	curFrom int
	curOff  int
}

func New(self, peers int, transport Transport, opts Options) *Comm {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comm{
		self:      self,
		peers:     peers,
		transport: transport,
		logger:    logger.With(zap.Int("rank", self)),
		observer:  opts.Observer,
		early:     make(map[uint64][]Frame),
		curFrom:   -1,
	}
}

func (c *Comm) Self() int  { return c.self }
func (c *Comm) Peers() int { return c.peers }

// Round is the number of the current (or last) round.
func (c *Comm) Round() uint64 { return c.round }

// Begin opens a new round. Calling it before the previous round was drained
// is a programming error.
func (c *Comm) Begin() {
	if c.state == statePacking || c.state == stateSent {
		panic(fmt.Sprintf("comm: rank %d began round %d before finishing round %d", c.self, c.round+1, c.round))
	}
	c.round++
	c.state = statePacking
	c.outbox = make([]*Writer, c.peers)
	c.queue = c.early[c.round]
	c.arrived = len(c.queue)
	delete(c.early, c.round)
	c.cur = nil
	c.curFrom = -1
}

// Pack returns the writer for destination to. Repeated calls for the same
// destination append to the same message.
func (c *Comm) Pack(to int) *Writer {
	if c.state != statePacking {
		panic(fmt.Sprintf("comm: rank %d packed outside an open round", c.self))
	}
	if to < 0 || to >= c.peers {
		panic(fmt.Sprintf("comm: rank %d packed for unknown rank %d", c.self, to))
	}
	w := c.outbox[to]
	if w == nil {
		w = &Writer{}
		c.outbox[to] = w
	}
	return w
}

// Send flushes the round. Every other rank gets a frame, empty if nothing
// was packed for it; data packed for this rank never touches the transport.
func (c *Comm) Send(ctx context.Context) error {
	if c.state != statePacking {
		return ErrRoundClosed
	}
	for to := 0; to < c.peers; to++ {
		var payload []byte
		if w := c.outbox[to]; w != nil {
			payload = w.Bytes()
		}
		if to == c.self {
			if len(payload) > 0 {
				c.queue = append(c.queue, Frame{Round: c.round, From: c.self, To: c.self, Payload: payload})
			}
			continue
		}
		frame := Frame{Round: c.round, From: c.self, To: to, Payload: payload}
		if err := c.transport.Send(ctx, frame); err != nil {
			return fmt.Errorf("round %d: %w", c.round, err)
		}
		if c.observer != nil {
			c.observer.ObserveFrame(c.self, len(payload))
		}
	}
	c.outbox = nil
	c.state = stateSent
	if c.observer != nil {
		c.observer.ObserveRound(c.self)
	}
	return nil
}

// Receive reports whether unread data is available. It keeps returning true
// for the current message while bytes remain, then moves to the next
// non-empty message, blocking until every peer's frame for the round has
// arrived. It returns false once the round is drained.
func (c *Comm) Receive(ctx context.Context) (bool, error) {
	if c.state != stateSent {
		return false, ErrRoundClosed
	}
	if c.cur != nil {
		if err := c.cur.Err(); err != nil {
			return false, fmt.Errorf("round %d, message from rank %d: %w", c.round, c.curFrom, err)
		}
		if c.cur.Len() > 0 {
			if c.cur.Offset() == c.curOff {
				return false, fmt.Errorf("round %d, message from rank %d: %w", c.round, c.curFrom, ErrUnreadData)
			}
			c.curOff = c.cur.Offset()
			return true, nil
		}
		c.cur = nil
		c.curFrom = -1
	}
	for {
		if len(c.queue) > 0 {
			f := c.queue[0]
			c.queue = c.queue[1:]
			if len(f.Payload) == 0 {
				continue
			}
			c.cur = NewReader(f.Payload)
			c.curFrom = f.From
			c.curOff = 0
			return true, nil
		}
		if c.arrived >= c.peers-1 {
			c.state = stateIdle
			c.logger.Debug("round drained", zap.Uint64("round", c.round), zap.Int("frames", c.arrived))
			return false, nil
		}
		f, err := c.transport.Recv(ctx)
		if err != nil {
			return false, fmt.Errorf("round %d: %w", c.round, err)
		}
		if err := c.accept(f); err != nil {
			return false, err
		}
	}
}

func (c *Comm) accept(f Frame) error {
	if f.From < 0 || f.From >= c.peers || f.From == c.self || f.To != c.self {
		return fmt.Errorf("%w: frame %d->%d at rank %d", ErrUnknownPeer, f.From, f.To, c.self)
	}
	switch {
	case f.Round == c.round:
		c.arrived++
		c.queue = append(c.queue, f)
	case f.Round > c.round:
		c.early[f.Round] = append(c.early[f.Round], f)
	default:
		return fmt.Errorf("%w: round %d from rank %d while in round %d", ErrStaleFrame, f.Round, f.From, c.round)
	}
	return nil
}

// Sender is the rank whose message is being read.
func (c *Comm) Sender() int { return c.curFrom }

// Reader unpacks the current message.
func (c *Comm) Reader() *Reader { return c.cur }

// Drain calls fn once per Receive until the round is drained. fn must unpack
// at least one value from r each time it is called.
func (c *Comm) Drain(ctx context.Context, fn func(from int, r *Reader) error) error {
	for {
		ok, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(c.curFrom, c.cur); err != nil {
			return err
		}
	}
}

func (c *Comm) Close() error {
	return c.transport.Close()
}
