package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	exchangeService = "distmesh.comm.Exchange"
	deliverMethod   = "/" + exchangeService + "/Deliver"
)

// GRPCDialer abstracts dialing so tests can inject custom behaviour.
type GRPCDialer interface {
	Dial(ctx context.Context, target string) (*grpc.ClientConn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

type exchangeServer interface {
	Deliver(stream grpc.ServerStream) error
}

var exchangeDesc = grpc.ServiceDesc{
	ServiceName: exchangeService,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Deliver",
			Handler:       deliverHandler,
			ClientStreams: true,
		},
	},
}

func deliverHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchangeServer).Deliver(stream)
}

type clientStream struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	mu     sync.Mutex
}

// GRPCTransport ships frames over one client stream per peer. Inbound frames
// arrive through the Exchange service registered on this rank's server.
type GRPCTransport struct {
	mu        sync.RWMutex
	self      int
	addresses map[int]string
	streams   map[int]*clientStream
	dialer    GRPCDialer
	codec     *frameCodec
	inbox     *mailbox
}

func NewGRPCTransport(self int, dialer GRPCDialer, compression Compression) (*GRPCTransport, error) {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	codec, err := newFrameCodec(compression)
	if err != nil {
		return nil, err
	}
	return &GRPCTransport{
		self:      self,
		addresses: make(map[int]string),
		streams:   make(map[int]*clientStream),
		dialer:    dialer,
		codec:     codec,
		inbox:     newMailbox(),
	}, nil
}

// ServerOptions returns the options a grpc.Server hosting this transport needs.
func (t *GRPCTransport) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(t.codec)}
}

// Register installs the Exchange service on s. s must be built with
// ServerOptions.
func (t *GRPCTransport) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&exchangeDesc, &exchangeHandler{t: t})
}

func (t *GRPCTransport) AddMember(rank int, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr == "" {
		return fmt.Errorf("no address provided for rank %d", rank)
	}
	t.addresses[rank] = addr
	return nil
}

func (t *GRPCTransport) RemoveMember(rank int) error {
	t.mu.Lock()
	cs, ok := t.streams[rank]
	delete(t.addresses, rank)
	delete(t.streams, rank)
	t.mu.Unlock()
	if ok {
		return cs.close()
	}
	return nil
}

func (t *GRPCTransport) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cs, err := t.ensureStream(frame.To)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	err = cs.stream.SendMsg(&frame)
	cs.mu.Unlock()
	if err != nil {
		t.closeStream(frame.To)
		return fmt.Errorf("send frame to rank %d: %w", frame.To, err)
	}
	return nil
}

func (t *GRPCTransport) Recv(ctx context.Context) (Frame, error) {
	return t.inbox.pop(ctx)
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	streams := t.streams
	t.streams = make(map[int]*clientStream)
	t.mu.Unlock()
	var errs []error
	for _, cs := range streams {
		if err := cs.close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.inbox.close()
	t.codec.Close()
	return errors.Join(errs...)
}

func (t *GRPCTransport) ensureStream(to int) (*clientStream, error) {
	t.mu.RLock()
	cs, ok := t.streams[to]
	addr := t.addresses[to]
	t.mu.RUnlock()
	if ok {
		return cs, nil
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: no address for rank %d", ErrUnknownPeer, to)
	}
	conn, err := t.dialer.Dial(context.Background(), addr)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(context.Background(), &exchangeDesc.Streams[0], deliverMethod, grpc.ForceCodec(t.codec))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	cs = &clientStream{conn: conn, stream: stream}
	t.mu.Lock()
	if existing, ok := t.streams[to]; ok {
		t.mu.Unlock()
		_ = cs.close()
		return existing, nil
	}
	t.streams[to] = cs
	t.mu.Unlock()
	return cs, nil
}

func (t *GRPCTransport) closeStream(to int) {
	t.mu.Lock()
	cs, ok := t.streams[to]
	delete(t.streams, to)
	t.mu.Unlock()
	if ok {
		_ = cs.close()
	}
}

func (cs *clientStream) close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	err := cs.stream.CloseSend()
	if err == nil {
		if rerr := cs.stream.RecvMsg(&ack{}); rerr != nil && !errors.Is(rerr, io.EOF) {
			err = rerr
		}
	}
	if cerr := cs.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

type exchangeHandler struct {
	t *GRPCTransport
}

func (h *exchangeHandler) Deliver(stream grpc.ServerStream) error {
	for {
		var f Frame
		err := stream.RecvMsg(&f)
		if errors.Is(err, io.EOF) {
			return stream.SendMsg(&ack{})
		}
		if err != nil {
			return err
		}
		if f.To != h.t.self {
			return status.Errorf(codes.InvalidArgument, "frame for rank %d delivered to rank %d", f.To, h.t.self)
		}
		if err := h.t.inbox.push(f); err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
	}
}
