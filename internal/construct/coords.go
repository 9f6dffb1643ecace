package construct

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
	"distmesh/internal/shard"
)

// redistribute forwards this rank's run of n records, which start at global
// position start, to the brokers whose shards cover them. Runs that straddle
// a shard boundary are split. put packs local record i; get unpacks one
// record into shard-local slot off. The returned bitmap holds every slot
// that was supplied.
func (b *Builder) redistribute(ctx context.Context, layout shard.Layout, start int64, n int,
	put func(w *comm.Writer, i int), get func(r *comm.Reader, off int64)) (*roaring64.Bitmap, error) {
	c := b.comm
	if start < 0 || start+int64(n) > layout.Total() {
		return nil, contractf("records [%d,%d) fall outside id space of %d", start, start+int64(n), layout.Total())
	}
	c.Begin()
	pos := start
	for i := 0; i < n; {
		to := layout.Broker(pos)
		run := min(layout.End(to)-pos, int64(n-i))
		w := c.Pack(to)
		w.PutInt(pos)
		w.PutInt(run)
		for k := 0; k < int(run); k++ {
			put(w, i+k)
		}
		i += int(run)
		pos += run
	}
	if err := c.Send(ctx); err != nil {
		return nil, err
	}

	self := c.Self()
	offset, end := layout.Offset(self), layout.End(self)
	supplied := roaring64.New()
	err := c.Drain(ctx, func(from int, r *comm.Reader) error {
		pos := r.Int()
		run := r.Int()
		if run <= 0 || pos < offset || pos+run > end {
			return contractf("rank %d sent run [%d,%d) outside shard [%d,%d)", from, pos, pos+run, offset, end)
		}
		for k := int64(0); k < run; k++ {
			off := pos - offset + k
			if !supplied.CheckedAdd(uint64(off)) {
				return contractf("id %d supplied twice", pos+k)
			}
			get(r, off)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return supplied, nil
}

// SetCoords distributes coords, nverts contiguous 3-vectors ordered by
// global id across ranks in rank order, to every copy of every vertex.
func (b *Builder) SetCoords(ctx context.Context, m *mesh.Mesh, coords []float64, nverts int, g2v *GlobalToVert) error {
	if nverts < 0 || len(coords) < 3*nverts {
		return contractf("%d vertices need %d coordinates, have %d", nverts, 3*nverts, len(coords))
	}
	return b.phase(ctx, "coords", func(ctx context.Context) error {
		layout, err := b.layout(ctx, g2v)
		if err != nil {
			return err
		}
		start, err := b.comm.ExscanInt(ctx, int64(nverts))
		if err != nil {
			return err
		}
		self := b.comm.Self()
		buf := make([]float64, 3*layout.Size(self))
		supplied, err := b.redistribute(ctx, layout, start, nverts,
			func(w *comm.Writer, i int) { w.PutFloat64s(coords[3*i : 3*i+3]) },
			func(r *comm.Reader, off int64) { r.Float64sInto(buf[3*off : 3*off+3]) })
		if err != nil {
			return err
		}

		claims, err := b.claim(ctx, layout, g2v)
		if err != nil {
			return err
		}
		c := b.comm
		offset := layout.Offset(self)
		c.Begin()
		for i, parts := range claims {
			if len(parts) == 0 {
				continue
			}
			if !supplied.Contains(uint64(i)) {
				return contractf("coordinates for id %d were never supplied", offset+int64(i))
			}
			for _, to := range parts {
				w := c.Pack(to)
				w.PutInt(offset + int64(i))
				w.PutFloat64s(buf[3*i : 3*i+3])
			}
		}
		if err := c.Send(ctx); err != nil {
			return err
		}
		placed := 0
		err = c.Drain(ctx, func(from int, r *comm.Reader) error {
			gid := r.Int()
			var p [3]float64
			r.Float64sInto(p[:])
			v, ok := g2v.Get(gid)
			if !ok {
				return contractf("broker %d sent coordinates for id %d not held here", from, gid)
			}
			m.SetPoint(v, p)
			placed++
			return nil
		})
		if err != nil {
			return err
		}
		if placed != g2v.Len() {
			return contractf("received coordinates for %d of %d vertices", placed, g2v.Len())
		}
		return nil
	})
}
