package comm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// NewLocalWorld returns one Comm per rank, all connected in-process.
func NewLocalWorld(peers int, opts Options) []*Comm {
	network := NewLocalNetwork(peers)
	comms := make([]*Comm, peers)
	for rank := range comms {
		comms[rank] = New(rank, peers, network.Transport(rank), opts)
	}
	return comms
}

// RunWorld runs fn on every rank in its own goroutine. The first failure
// cancels the shared context so ranks blocked in a drain give up instead of
// waiting for a peer that already quit.
func RunWorld(ctx context.Context, comms []*Comm, fn func(ctx context.Context, c *Comm) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		g.Go(func() error {
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Self(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GRPCWorldConfig describes a world of ranks talking gRPC over loopback.
type GRPCWorldConfig struct {
	Peers       int
	Host        string
	Compression Compression
	Options     Options
}

// GRPCWorld owns the servers and transports of a gRPC world.
type GRPCWorld struct {
	Comms      []*Comm
	Addresses  []string
	servers    []*grpc.Server
	transports []*GRPCTransport
	logger     *zap.Logger
}

// NewGRPCWorld starts one gRPC server per rank on an ephemeral port and wires
// every transport to every peer.
func NewGRPCWorld(cfg GRPCWorldConfig) (*GRPCWorld, error) {
	if cfg.Peers <= 0 {
		return nil, fmt.Errorf("comm: grpc world needs at least one rank")
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	logger := cfg.Options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &GRPCWorld{logger: logger}
	for rank := 0; rank < cfg.Peers; rank++ {
		t, err := NewGRPCTransport(rank, DefaultDialer{}, cfg.Compression)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			_ = t.Close()
			_ = w.Close()
			return nil, fmt.Errorf("listen for rank %d: %w", rank, err)
		}
		srv := grpc.NewServer(t.ServerOptions()...)
		t.Register(srv)
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Warn("exchange server stopped", zap.Int("rank", rank), zap.Error(err))
			}
		}()
		w.servers = append(w.servers, srv)
		w.transports = append(w.transports, t)
		w.Addresses = append(w.Addresses, lis.Addr().String())
	}
	for rank, t := range w.transports {
		for peer, addr := range w.Addresses {
			if peer == rank {
				continue
			}
			if err := t.AddMember(peer, addr); err != nil {
				_ = w.Close()
				return nil, err
			}
		}
		w.Comms = append(w.Comms, New(rank, cfg.Peers, t, cfg.Options))
	}
	return w, nil
}

func (w *GRPCWorld) Close() error {
	var errs []error
	for _, t := range w.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range w.servers {
		s.Stop()
	}
	return errors.Join(errs...)
}
