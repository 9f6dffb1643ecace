package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"distmesh/internal/comm"
	"distmesh/internal/config"
	"distmesh/internal/construct"
	"distmesh/internal/mesh"
	"distmesh/internal/meshgen"
	"distmesh/internal/meshstore"
	"distmesh/internal/observability/metrics"
)

func openStore(cfg *config.Config) (*meshstore.Store, error) {
	return meshstore.Open(cfg.Store.Dir, meshstore.Backend(cfg.Store.Backend))
}

// seed writes a generated grid split over cfg.Ranks into the store.
func seed(_ context.Context, cfg *config.Config, logger *zap.Logger) error {
	gen := cfg.Generator
	parts, err := meshgen.Grid(gen.Nx, gen.Ny, cfg.Ranks, gen.Periodic)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	meta := meshstore.Meta{
		Peers:    cfg.Ranks,
		Dim:      mesh.Triangle.Dimension(),
		Etype:    mesh.Triangle,
		Vertices: int64((gen.Nx + 1) * (gen.Ny + 1)),
		Periodic: gen.Periodic,
	}
	for rank, p := range parts {
		if err := store.SaveInput(rank, p); err != nil {
			return fmt.Errorf("save input of rank %d: %w", rank, err)
		}
	}
	if err := store.SetMeta(meta); err != nil {
		return err
	}
	logger.Info("store seeded",
		zap.String("dir", store.Dir()),
		zap.Int("ranks", meta.Peers),
		zap.Int64("vertices", meta.Vertices),
		zap.Bool("periodic", meta.Periodic))
	return nil
}

type rankResult struct {
	elements int
	owned    int
	shared   int
	matched  int
}

type buildSummary struct {
	Ranks    int
	Elements int
	Vertices int
	Shared   int
	Matched  int
}

func (s buildSummary) String() string {
	return fmt.Sprintf("ranks=%d elements=%d vertices=%d shared=%d matched=%d",
		s.Ranks, s.Elements, s.Vertices, s.Shared, s.Matched)
}

func newWorld(cfg *config.Config, peers int, opts comm.Options) ([]*comm.Comm, func() error, error) {
	if cfg.Transport.Kind == config.TransportGRPC {
		w, err := comm.NewGRPCWorld(comm.GRPCWorldConfig{
			Peers:       peers,
			Host:        cfg.Transport.Host,
			Compression: comm.Compression(cfg.Transport.Compression),
			Options:     opts,
		})
		if err != nil {
			return nil, nil, err
		}
		return w.Comms, w.Close, nil
	}
	comms := comm.NewLocalWorld(peers, opts)
	return comms, func() error {
		var errs []error
		for _, c := range comms {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}, nil
}

// build runs the whole construction on every rank of the stored mesh, checks
// the result and writes each rank's extracted connectivity and coordinates
// back to the store.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (buildSummary, error) {
	store, err := openStore(cfg)
	if err != nil {
		return buildSummary{}, err
	}
	defer store.Close()

	meta, err := store.Meta()
	if err != nil {
		return buildSummary{}, fmt.Errorf("store not seeded: %w", err)
	}
	if meta.Peers != cfg.Ranks {
		return buildSummary{}, fmt.Errorf("store holds %d ranks, config asks for %d", meta.Peers, cfg.Ranks)
	}
	inputs := make([]meshgen.Part, meta.Peers)
	for rank := range inputs {
		if inputs[rank], err = store.LoadInput(rank); err != nil {
			return buildSummary{}, fmt.Errorf("load input of rank %d: %w", rank, err)
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewConstructCollector(reg, cfg.Metrics.Namespace)
	if cfg.Metrics.Address != "" {
		if err := metrics.StartServer(ctx, cfg.Metrics.Address, reg, logger); err != nil {
			return buildSummary{}, err
		}
	}

	comms, closeWorld, err := newWorld(cfg, meta.Peers, comm.Options{Logger: logger, Observer: collector})
	if err != nil {
		return buildSummary{}, err
	}
	defer func() {
		if err := closeWorld(); err != nil {
			logger.Warn("close world", zap.Error(err))
		}
	}()

	results := make([]rankResult, meta.Peers)
	err = comm.RunWorld(ctx, comms, func(ctx context.Context, c *comm.Comm) error {
		rank := c.Self()
		b, err := construct.New(c, construct.Options{IDBits: cfg.IDBits, Logger: logger, Observer: collector})
		if err != nil {
			return err
		}
		m, err := mesh.New(meta.Dim, rank)
		if err != nil {
			return err
		}
		g2v := construct.NewGlobalToVert()
		in := inputs[rank]
		if err := b.Construct(ctx, m, in.Conn, in.Nelem, in.Etype, g2v); err != nil {
			return err
		}
		if err := b.SetCoords(ctx, m, in.Coords, in.Nverts(), g2v); err != nil {
			return err
		}
		if meta.Periodic {
			if err := b.SetMatches(ctx, m, in.Matches, in.Nverts(), g2v); err != nil {
				return err
			}
		}
		if err := b.Verify(ctx, m); err != nil {
			return err
		}
		conn, err := b.Destruct(ctx, m)
		if err != nil {
			return err
		}
		coords, owned := construct.ExtractCoords(m)
		out := meshgen.Part{Etype: conn.Type, Nelem: conn.Nelem, Conn: conn.Conn, Coords: coords}
		if conn.Nelem == 0 {
			out.Etype = meta.Etype
		}
		if err := store.SaveOutput(rank, out); err != nil {
			return err
		}

		res := rankResult{elements: conn.Nelem, owned: owned}
		for it := m.Iterate(0); it.Valid(); it.Next() {
			v := it.Entity()
			if m.IsShared(v) {
				res.shared++
			}
			if len(m.Matches(v)) > 0 {
				res.matched++
			}
		}
		results[rank] = res
		return nil
	})
	if err != nil {
		return buildSummary{}, err
	}

	summary := buildSummary{Ranks: meta.Peers}
	for _, r := range results {
		summary.Elements += r.elements
		summary.Vertices += r.owned
		summary.Shared += r.shared
		summary.Matched += r.matched
	}
	if int64(summary.Vertices) != meta.Vertices {
		return summary, fmt.Errorf("built %d vertices, store describes %d", summary.Vertices, meta.Vertices)
	}
	logger.Info("mesh built", zap.Stringer("summary", summary))
	return summary, nil
}

// inspect prints the store's metadata and per-rank part sizes.
func inspect(_ context.Context, cfg *config.Config, _ *zap.Logger) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	meta, err := store.Meta()
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "store %s (%s): %d ranks, %v, %d vertices, periodic=%t\n",
		store.Dir(), store.Backend(), meta.Peers, meta.Etype, meta.Vertices, meta.Periodic)
	for rank := 0; rank < meta.Peers; rank++ {
		in, err := store.LoadInput(rank)
		if err != nil {
			return err
		}
		fmt.Fprintf(&sb, "  rank %d: input %d elements %d vertices", rank, in.Nelem, in.Nverts())
		out, err := store.LoadOutput(rank)
		switch {
		case errors.Is(err, meshstore.ErrNotFound):
			sb.WriteString(", not built\n")
		case err != nil:
			return err
		default:
			fmt.Fprintf(&sb, ", output %d elements %d owned vertices\n", out.Nelem, out.Nverts())
		}
	}
	fmt.Print(sb.String())
	return nil
}

// archive writes the closed store directory to path.
func archive(_ context.Context, cfg *config.Config, logger *zap.Logger, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := meshstore.Archive(cfg.Store.Dir, f); err != nil {
		return fmt.Errorf("archive %s: %w", cfg.Store.Dir, err)
	}
	logger.Info("store archived", zap.String("dir", cfg.Store.Dir), zap.String("file", path))
	return nil
}

// restore replaces the store directory with the archive at path.
func restore(_ context.Context, cfg *config.Config, logger *zap.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := meshstore.Restore(f, cfg.Store.Dir); err != nil {
		return fmt.Errorf("restore %s: %w", cfg.Store.Dir, err)
	}
	logger.Info("store restored", zap.String("dir", cfg.Store.Dir), zap.String("file", path))
	return nil
}
