package construct

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
)

// Connectivity is a rank-local flat element array addressed by global ids.
// Type is meaningful only when Nelem > 0.
type Connectivity struct {
	Conn  []Gid
	Nelem int
	Type  mesh.Type
}

// Destruct numbers owned vertices densely across ranks, shares the numbers
// with every copy and emits the top-dimension elements of m in iteration
// order. Owned vertices are numbered in iteration order, so the numbers
// line up with ExtractCoords.
func (b *Builder) Destruct(ctx context.Context, m *mesh.Mesh) (Connectivity, error) {
	var out Connectivity
	err := b.phase(ctx, "destruct", func(ctx context.Context) error {
		numbers, err := b.numberOwned(ctx, m)
		if err != nil {
			return err
		}
		dim := m.Dimension()
		out.Nelem = m.Count(dim)
		if out.Nelem == 0 {
			return nil
		}
		first := m.Iterate(dim)
		out.Type = m.Type(first.Entity())
		out.Conn = make([]Gid, 0, out.Nelem*out.Type.VertexCount())
		for it := m.Iterate(dim); it.Valid(); it.Next() {
			e := it.Entity()
			if t := m.Type(e); t != out.Type {
				return fmt.Errorf("%w: %v and %v", ErrMixedTopology, out.Type, t)
			}
			for _, v := range m.Downward(e) {
				out.Conn = append(out.Conn, numbers[v])
			}
		}
		return nil
	})
	if err != nil {
		return Connectivity{}, err
	}
	b.logger.Info("mesh destructed", zap.Int("elements", out.Nelem), zap.Stringer("type", out.Type))
	return out, nil
}

// numberOwned gives owned vertices consecutive global numbers and learns
// the numbers of the other copies from their owners.
func (b *Builder) numberOwned(ctx context.Context, m *mesh.Mesh) (map[mesh.Entity]Gid, error) {
	c := b.comm
	owned := m.CountOwned(0)
	next, err := c.ExscanInt(ctx, int64(owned))
	if err != nil {
		return nil, err
	}
	numbers := make(map[mesh.Entity]Gid, m.Count(0))
	for it := m.Iterate(0); it.Valid(); it.Next() {
		if v := it.Entity(); m.IsOwned(v) {
			numbers[v] = next
			next++
		}
	}

	c.Begin()
	for it := m.Iterate(0); it.Valid(); it.Next() {
		v := it.Entity()
		if !m.IsOwned(v) {
			continue
		}
		for _, rc := range m.Remotes(v) {
			w := c.Pack(rc.Peer)
			w.PutUint(uint64(rc.Entity))
			w.PutInt(numbers[v])
		}
	}
	if err := c.Send(ctx); err != nil {
		return nil, err
	}
	err = c.Drain(ctx, func(from int, r *comm.Reader) error {
		v := mesh.Entity(r.Uint())
		n := r.Int()
		if !m.Valid(v) || v.Dim() != 0 {
			return contractf("rank %d numbered unknown handle %v", from, v)
		}
		if owner := m.Owner(v); owner != from {
			return contractf("rank %d numbered %v owned by rank %d", from, v, owner)
		}
		numbers[v] = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(numbers) != m.Count(0) {
		return nil, contractf("numbered %d of %d vertices", len(numbers), m.Count(0))
	}
	return numbers, nil
}

// ExtractCoords returns the coordinates of owned vertices in iteration
// order. No communication.
func ExtractCoords(m *mesh.Mesh) ([]float64, int) {
	n := m.CountOwned(0)
	coords := make([]float64, 0, 3*n)
	for it := m.Iterate(0); it.Valid(); it.Next() {
		if v := it.Entity(); m.IsOwned(v) {
			p := m.Point(v)
			coords = append(coords, p[:]...)
		}
	}
	return coords, n
}
