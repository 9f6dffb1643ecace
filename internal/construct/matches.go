package construct

import (
	"context"
	"fmt"
	"sort"

	"github.com/huandu/skiplist"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
	"distmesh/internal/shard"
)

// NoMatch marks an unmatched vertex in a match array.
const NoMatch Gid = -1

const matchTagName = "matchGids"

// matchKey names a partner lookup: the requesting vertex and its partner.
type matchKey struct {
	gid   Gid
	match Gid
}

var matchKeyOrder = skiplist.GreaterThanFunc(func(lhs, rhs interface{}) int {
	a, b := lhs.(matchKey), rhs.(matchKey)
	if a.gid != b.gid {
		return cmpGid(a.gid, b.gid)
	}
	return cmpGid(a.match, b.match)
})

func cmpGid(a, b Gid) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SetMatches resolves periodic partners. matches holds nverts partner ids
// (or NoMatch) ordered by global id across ranks in rank order, like the
// coordinates given to SetCoords. Every copy of a matched vertex ends up with
// a match entry for each copy of its partner and for each of its own remote
// copies.
func (b *Builder) SetMatches(ctx context.Context, m *mesh.Mesh, matches []Gid, nverts int, g2v *GlobalToVert) error {
	if nverts < 0 || len(matches) < nverts {
		return contractf("%d vertices need %d match ids, have %d", nverts, nverts, len(matches))
	}
	return b.phase(ctx, "matches", func(ctx context.Context) (err error) {
		tag, err := m.CreateIntTag(matchTagName, 1)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				m.RemoveTagFromDimension(tag, 0)
				_ = m.DestroyTag(tag)
			}
		}()

		layout, err := b.layout(ctx, g2v)
		if err != nil {
			return err
		}
		start, err := b.comm.ExscanInt(ctx, int64(nverts))
		if err != nil {
			return err
		}
		for i, mg := range matches[:nverts] {
			if mg == NoMatch {
				continue
			}
			if mg < 0 || mg >= layout.Total() {
				return contractf("match id %d for id %d outside [0,%d)", mg, start+int64(i), layout.Total())
			}
			if mg == start+int64(i) {
				return fmt.Errorf("%w: id %d", ErrSelfMatch, mg)
			}
		}

		if err := b.fetchMatchGids(ctx, m, layout, tag, start, matches[:nverts], g2v); err != nil {
			return err
		}
		holders, err := b.registerHolders(ctx, layout, g2v)
		if err != nil {
			return err
		}
		if err := b.resolvePartners(ctx, m, layout, tag, holders, g2v); err != nil {
			return err
		}

		var missing error
		g2v.Ascend(func(gid Gid, v mesh.Entity) bool {
			vals, ok := m.GetIntTag(v, tag)
			if !ok {
				missing = contractf("id %d has no match id", gid)
				return false
			}
			if vals[0] == NoMatch {
				return true
			}
			for _, rc := range m.Remotes(v) {
				m.AddMatch(v, rc.Peer, rc.Entity)
			}
			return true
		})
		if missing != nil {
			return missing
		}
		m.RemoveTagFromDimension(tag, 0)
		if err := m.DestroyTag(tag); err != nil {
			return err
		}
		return m.AcceptChanges()
	})
}

// fetchMatchGids redistributes the match array to the brokers, then attaches
// each held vertex's partner id to tag.
func (b *Builder) fetchMatchGids(ctx context.Context, m *mesh.Mesh, layout shard.Layout, tag *mesh.Tag, start int64, matches []Gid, g2v *GlobalToVert) error {
	c := b.comm
	self := c.Self()
	offset := layout.Offset(self)
	partner := make([]Gid, layout.Size(self))
	supplied, err := b.redistribute(ctx, layout, start, len(matches),
		func(w *comm.Writer, i int) { w.PutInt(matches[i]) },
		func(r *comm.Reader, off int64) { partner[off] = r.Int() })
	if err != nil {
		return err
	}
	claims, err := b.claim(ctx, layout, g2v)
	if err != nil {
		return err
	}

	c.Begin()
	for i, parts := range claims {
		if len(parts) == 0 {
			continue
		}
		if !supplied.Contains(uint64(i)) {
			return contractf("match id for id %d was never supplied", offset+int64(i))
		}
		for _, to := range parts {
			w := c.Pack(to)
			w.PutInt(offset + int64(i))
			w.PutInt(partner[i])
		}
	}
	if err := c.Send(ctx); err != nil {
		return err
	}
	return c.Drain(ctx, func(from int, r *comm.Reader) error {
		gid := r.Int()
		mg := r.Int()
		if gid == mg {
			return fmt.Errorf("%w: broker %d answered id %d with itself", ErrSelfMatch, from, gid)
		}
		v, ok := g2v.Get(gid)
		if !ok {
			return contractf("broker %d sent match id for id %d not held here", from, gid)
		}
		return m.SetIntTag(v, tag, []int64{mg})
	})
}

// registerHolders builds, at each broker, the index of which rank holds
// which handle for every id of its shard.
func (b *Builder) registerHolders(ctx context.Context, layout shard.Layout, g2v *GlobalToVert) ([][]mesh.Copy, error) {
	c := b.comm
	self := c.Self()
	offset := layout.Offset(self)
	c.Begin()
	g2v.Ascend(func(gid Gid, v mesh.Entity) bool {
		w := c.Pack(layout.Broker(gid))
		w.PutInt(gid)
		w.PutUint(uint64(v))
		return true
	})
	if err := c.Send(ctx); err != nil {
		return nil, err
	}
	holders := make([][]mesh.Copy, layout.Size(self))
	err := c.Drain(ctx, func(from int, r *comm.Reader) error {
		gid := r.Int()
		h := mesh.Entity(r.Uint())
		if !layout.Contains(self, gid) {
			return contractf("rank %d registered id %d outside shard of rank %d", from, gid, self)
		}
		holders[gid-offset] = append(holders[gid-offset], mesh.Copy{Peer: from, Entity: h})
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, hs := range holders {
		sort.Slice(hs, func(i, j int) bool { return hs[i].Peer < hs[j].Peer })
	}
	return holders, nil
}

// resolvePartners asks the partner's broker for every copy of the partner
// and records each one as a match.
func (b *Builder) resolvePartners(ctx context.Context, m *mesh.Mesh, layout shard.Layout, tag *mesh.Tag, holders [][]mesh.Copy, g2v *GlobalToVert) error {
	c := b.comm
	self := c.Self()
	offset := layout.Offset(self)

	c.Begin()
	g2v.Ascend(func(gid Gid, v mesh.Entity) bool {
		vals, ok := m.GetIntTag(v, tag)
		if !ok || vals[0] == NoMatch {
			return true
		}
		w := c.Pack(layout.Broker(vals[0]))
		w.PutInt(gid)
		w.PutInt(vals[0])
		return true
	})
	if err := c.Send(ctx); err != nil {
		return err
	}
	requests := skiplist.New(matchKeyOrder)
	err := c.Drain(ctx, func(from int, r *comm.Reader) error {
		key := matchKey{gid: r.Int(), match: r.Int()}
		if !layout.Contains(self, key.match) {
			return contractf("rank %d asked for id %d outside shard of rank %d", from, key.match, self)
		}
		var ranks []int
		if el := requests.Get(key); el != nil {
			ranks = el.Value.([]int)
		}
		requests.Set(key, append(ranks, from))
		return nil
	})
	if err != nil {
		return err
	}

	c.Begin()
	for el := requests.Front(); el != nil; el = el.Next() {
		key := el.Key().(matchKey)
		hs := holders[key.match-offset]
		for _, to := range el.Value.([]int) {
			w := c.Pack(to)
			w.PutInt(key.gid)
			w.PutInt(key.match)
			w.PutInt(int64(len(hs)))
			for _, h := range hs {
				w.PutInt(int64(h.Peer))
				w.PutUint(uint64(h.Entity))
			}
		}
	}
	if err := c.Send(ctx); err != nil {
		return err
	}
	return c.Drain(ctx, func(from int, r *comm.Reader) error {
		gid := r.Int()
		mg := r.Int()
		n := r.Int()
		if n <= 0 {
			return fmt.Errorf("%w: partner %d of id %d is held by no rank", ErrTopology, mg, gid)
		}
		if n > int64(c.Peers()) {
			return contractf("broker %d listed %d holders of id %d", from, n, mg)
		}
		partner, ok := g2v.Get(gid)
		if !ok {
			return contractf("broker %d answered for id %d not held here", from, gid)
		}
		for k := int64(0); k < n; k++ {
			owner := int(r.Int())
			match := mesh.Entity(r.Uint())
			if match == partner && owner == self {
				return fmt.Errorf("%w: id %d resolved to its own copy", ErrSelfMatch, gid)
			}
			m.AddMatch(partner, owner, match)
		}
		return nil
	})
}
