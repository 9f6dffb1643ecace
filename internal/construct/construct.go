package construct

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
	"distmesh/internal/shard"
)

// DefaultIDBits is the global id width used when Options.IDBits is zero.
const DefaultIDBits = 32

// Observer receives per-phase timings, typically a metrics collector.
type Observer interface {
	ObservePhase(rank int, phase string, took time.Duration, err error)
}

type Options struct {
	// IDBits bounds global ids to [0, 2^(IDBits-1)-1]. 32 or 64.
	IDBits   int
	Logger   *zap.Logger
	Observer Observer
	Tracer   trace.Tracer
}

// Builder runs the construction protocol for one rank. Every rank of the
// world must call the same collective methods in the same order.
type Builder struct {
	comm     *comm.Comm
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
	idBits   int
	maxID    Gid
}

func New(c *comm.Comm, opts Options) (*Builder, error) {
	if c == nil {
		return nil, fmt.Errorf("construct: nil comm")
	}
	bits := opts.IDBits
	if bits == 0 {
		bits = DefaultIDBits
	}
	var maxID Gid
	switch bits {
	case 32:
		maxID = math.MaxInt32
	case 64:
		// total = max+1 must stay representable.
		maxID = math.MaxInt64 - 1
	default:
		return nil, fmt.Errorf("construct: unsupported id width %d", opts.IDBits)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("distmesh/construct")
	}
	return &Builder{
		comm:     c,
		logger:   logger.With(zap.Int("rank", c.Self())),
		observer: opts.Observer,
		tracer:   tracer,
		idBits:   bits,
		maxID:    maxID,
	}, nil
}

func (b *Builder) Comm() *comm.Comm { return b.comm }

func (b *Builder) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "construct."+name,
		trace.WithAttributes(attribute.Int("rank", b.comm.Self()), attribute.Int("peers", b.comm.Peers())))
	defer span.End()

	start := time.Now()
	b.logger.Debug("phase started", zap.String("phase", name))
	err := fn(ctx)
	took := time.Since(start)
	if b.observer != nil {
		b.observer.ObservePhase(b.comm.Self(), name, took, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("phase failed", zap.String("phase", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	b.logger.Debug("phase finished", zap.String("phase", name), zap.Duration("took", took))
	return nil
}

func (b *Builder) checkID(gid Gid) error {
	if gid < 0 {
		return contractf("negative global id %d", gid)
	}
	if gid > b.maxID {
		return fmt.Errorf("%w: %d does not fit %d bits", ErrIDOverflow, gid, b.idBits)
	}
	return nil
}

// layout derives the shared sharding from the largest id held anywhere.
func (b *Builder) layout(ctx context.Context, g2v *GlobalToVert) (shard.Layout, error) {
	top, err := b.comm.MaxInt(ctx, g2v.Max())
	if err != nil {
		return shard.Layout{}, err
	}
	return shard.NewLayout(top+1, b.comm.Peers()), nil
}

// Construct materializes the rank-local connectivity conn (nelem rows of
// etype) into m, then resolves residence and remote copies with every other
// rank. g2v is filled with the vertices created here.
func (b *Builder) Construct(ctx context.Context, m *mesh.Mesh, conn []Gid, nelem int, etype mesh.Type, g2v *GlobalToVert) error {
	if m == nil || g2v == nil {
		return contractf("construct needs a mesh and a global id map")
	}
	if m.Self() != b.comm.Self() {
		return contractf("mesh belongs to rank %d, comm to rank %d", m.Self(), b.comm.Self())
	}
	if !etype.Valid() || etype.Dimension() != m.Dimension() {
		return contractf("element type %v does not match mesh dimension %d", etype, m.Dimension())
	}
	nv := etype.VertexCount()
	if nelem < 0 || len(conn) < nelem*nv {
		return contractf("%d %v rows need %d ids, have %d", nelem, etype, nelem*nv, len(conn))
	}
	conn = conn[:nelem*nv]
	for _, gid := range conn {
		if err := b.checkID(gid); err != nil {
			return err
		}
	}

	err := b.phase(ctx, "materialize", func(context.Context) error {
		if err := constructVerts(m, conn, g2v); err != nil {
			return err
		}
		if err := constructElements(m, conn, nelem, etype, g2v); err != nil {
			return err
		}
		return m.AcceptChanges()
	})
	if err != nil {
		return err
	}
	var layout shard.Layout
	err = b.phase(ctx, "residence", func(ctx context.Context) error {
		var err error
		if layout, err = b.layout(ctx, g2v); err != nil {
			return err
		}
		return b.resolveResidence(ctx, m, layout, g2v)
	})
	if err != nil {
		return err
	}
	err = b.phase(ctx, "remotes", func(ctx context.Context) error {
		if err := b.negotiateRemotes(ctx, m, g2v); err != nil {
			return err
		}
		return m.AcceptChanges()
	})
	if err != nil {
		return err
	}
	b.logger.Info("mesh constructed",
		zap.Int("elements", nelem),
		zap.Int("vertices", g2v.Len()),
		zap.Int("owned", m.CountOwned(0)),
		zap.Int64("globalVertices", layout.Total()))
	return nil
}

func constructVerts(m *mesh.Mesh, conn []Gid, g2v *GlobalToVert) error {
	interior := m.FindModelEntity(m.Dimension(), 0)
	for _, gid := range conn {
		if v, ok := g2v.Get(gid); ok {
			if !m.Valid(v) || v.Dim() != 0 {
				return contractf("global id %d maps to %v, not a vertex of this mesh", gid, v)
			}
			continue
		}
		g2v.Set(gid, m.CreateVert(interior))
	}
	return nil
}

func constructElements(m *mesh.Mesh, conn []Gid, nelem int, etype mesh.Type, g2v *GlobalToVert) error {
	interior := m.FindModelEntity(m.Dimension(), 0)
	nv := etype.VertexCount()
	verts := make([]mesh.Entity, nv)
	for i := 0; i < nelem; i++ {
		for j := 0; j < nv; j++ {
			gid := conn[i*nv+j]
			v, ok := g2v.Get(gid)
			if !ok {
				return fmt.Errorf("%w: element %d references unknown global id %d", ErrTopology, i, gid)
			}
			verts[j] = v
		}
		if _, err := m.CreateElement(etype, interior, verts); err != nil {
			return fmt.Errorf("%w: element %d: %v", ErrTopology, i, err)
		}
	}
	return nil
}

// claim sends every held id to its broker. The broker returns, per offset
// in its shard, the sorted ranks that claimed it.
func (b *Builder) claim(ctx context.Context, layout shard.Layout, g2v *GlobalToVert) ([][]int, error) {
	c := b.comm
	c.Begin()
	g2v.Ascend(func(gid Gid, _ mesh.Entity) bool {
		c.Pack(layout.Broker(gid)).PutInt(gid)
		return true
	})
	if err := c.Send(ctx); err != nil {
		return nil, err
	}
	self := c.Self()
	offset := layout.Offset(self)
	claims := make([][]int, layout.Size(self))
	err := c.Drain(ctx, func(from int, r *comm.Reader) error {
		gid := r.Int()
		if !layout.Contains(self, gid) {
			return contractf("rank %d claimed id %d outside shard %s of rank %d", from, gid, layout, self)
		}
		claims[gid-offset] = append(claims[gid-offset], from)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, parts := range claims {
		slices.Sort(parts)
	}
	return claims, nil
}

func (b *Builder) resolveResidence(ctx context.Context, m *mesh.Mesh, layout shard.Layout, g2v *GlobalToVert) error {
	claims, err := b.claim(ctx, layout, g2v)
	if err != nil {
		return err
	}
	c := b.comm
	offset := layout.Offset(c.Self())
	c.Begin()
	for i, parts := range claims {
		for _, to := range parts {
			w := c.Pack(to)
			w.PutInt(offset + int64(i))
			w.PutInt(int64(len(parts)))
			for _, p := range parts {
				w.PutInt(int64(p))
			}
		}
	}
	if err := c.Send(ctx); err != nil {
		return err
	}
	resolved := 0
	err = c.Drain(ctx, func(from int, r *comm.Reader) error {
		gid := r.Int()
		n := r.Int()
		if n <= 0 || n > int64(c.Peers()) {
			return contractf("broker %d sent residence of %d ranks for id %d", from, n, gid)
		}
		ranks := r.Ints(int(n))
		v, ok := g2v.Get(gid)
		if !ok {
			return contractf("broker %d sent residence for id %d not held here", from, gid)
		}
		m.SetResidence(v, int64sToInts(ranks))
		resolved++
		return nil
	})
	if err != nil {
		return err
	}
	if resolved != g2v.Len() {
		return contractf("resolved residence for %d of %d vertices", resolved, g2v.Len())
	}
	return nil
}

func (b *Builder) negotiateRemotes(ctx context.Context, m *mesh.Mesh, g2v *GlobalToVert) error {
	c := b.comm
	self := c.Self()
	c.Begin()
	g2v.Ascend(func(gid Gid, v mesh.Entity) bool {
		for _, p := range m.Residence(v) {
			if p == self {
				continue
			}
			w := c.Pack(p)
			w.PutInt(gid)
			w.PutUint(uint64(v))
		}
		return true
	})
	if err := c.Send(ctx); err != nil {
		return err
	}
	err := c.Drain(ctx, func(from int, r *comm.Reader) error {
		gid := r.Int()
		remote := mesh.Entity(r.Uint())
		v, ok := g2v.Get(gid)
		if !ok {
			return contractf("rank %d linked id %d not held here", from, gid)
		}
		if remote == mesh.None {
			return contractf("rank %d sent a null handle for id %d", from, gid)
		}
		m.AddRemote(v, from, remote)
		return nil
	})
	if err != nil {
		return err
	}
	var missing error
	g2v.Ascend(func(gid Gid, v mesh.Entity) bool {
		if got, want := len(m.Remotes(v)), len(m.Residence(v))-1; got != want {
			missing = contractf("id %d has %d remote copies, residence %v", gid, got, m.Residence(v))
			return false
		}
		return true
	})
	return missing
}
