package construct

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
)

// Verify checks the distributed invariants of m: remote links are symmetric,
// every copy of a vertex agrees on its residence and no vertex is matched to
// itself. It is collective and leaves m untouched.
func (b *Builder) Verify(ctx context.Context, m *mesh.Mesh) error {
	return b.phase(ctx, "verify", func(ctx context.Context) error {
		c := b.comm
		self := c.Self()
		var first error
		fail := func(format string, args ...any) {
			if first == nil {
				first = fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...))
			}
		}

		c.Begin()
		for it := m.Iterate(0); it.Valid(); it.Next() {
			v := it.Entity()
			res := m.Residence(v)
			remotes := m.Remotes(v)
			if len(remotes) != len(res)-1 {
				fail("%v has %d remote copies for residence %v", v, len(remotes), res)
			}
			for _, mc := range m.Matches(v) {
				if mc.Peer == self && mc.Entity == v {
					fail("%v matched to itself", v)
				}
			}
			for _, rc := range remotes {
				w := c.Pack(rc.Peer)
				w.PutUint(uint64(rc.Entity))
				w.PutUint(uint64(v))
				w.PutInt(int64(len(res)))
				for _, p := range res {
					w.PutInt(int64(p))
				}
			}
		}
		if err := c.Send(ctx); err != nil {
			return err
		}

		seen := make(map[mesh.Entity]int)
		err := c.Drain(ctx, func(from int, r *comm.Reader) error {
			target := mesh.Entity(r.Uint())
			source := mesh.Entity(r.Uint())
			n := r.Int()
			if n <= 0 || n > int64(c.Peers()) {
				return contractf("rank %d sent residence of %d ranks", from, n)
			}
			theirs := r.Ints(int(n))
			if !m.Valid(target) || target.Dim() != 0 {
				fail("rank %d links %v to unknown handle %v", from, source, target)
				return nil
			}
			seen[target]++
			if back, ok := m.Remote(target, from); !ok || back != source {
				fail("%v on rank %d is not linked back to %v on rank %d", target, self, source, from)
			}
			mine := m.Residence(target)
			if !slices.Equal(mine, int64sToInts(theirs)) {
				fail("%v residence %v on rank %d, %v on rank %d", target, mine, self, theirs, from)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for it := m.Iterate(0); it.Valid(); it.Next() {
			v := it.Entity()
			if got, want := seen[v], len(m.Remotes(v)); got != want {
				fail("%v heard from %d of %d remote copies", v, got, want)
			}
		}
		return first
	})
}

func int64sToInts(vs []int64) []int {
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = int(v)
	}
	return out
}
