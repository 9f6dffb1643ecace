package construct

import (
	"github.com/google/btree"

	"distmesh/internal/mesh"
)

// Gid is a global vertex id, dense over [0, max] across all ranks.
type Gid = int64

type gidEntry struct {
	gid  Gid
	vert mesh.Entity
}

func gidLess(a, b gidEntry) bool { return a.gid < b.gid }

// GlobalToVert maps global ids to local vertices. Iteration is in ascending
// id order, which keeps message packing deterministic.
type GlobalToVert struct {
	tree *btree.BTreeG[gidEntry]
}

func NewGlobalToVert() *GlobalToVert {
	return &GlobalToVert{tree: btree.NewG[gidEntry](32, gidLess)}
}

func (g *GlobalToVert) Set(gid Gid, v mesh.Entity) {
	g.tree.ReplaceOrInsert(gidEntry{gid: gid, vert: v})
}

func (g *GlobalToVert) Get(gid Gid) (mesh.Entity, bool) {
	e, ok := g.tree.Get(gidEntry{gid: gid})
	return e.vert, ok
}

func (g *GlobalToVert) Has(gid Gid) bool {
	return g.tree.Has(gidEntry{gid: gid})
}

func (g *GlobalToVert) Len() int { return g.tree.Len() }

// Max returns the largest id held, or -1 when empty.
func (g *GlobalToVert) Max() Gid {
	e, ok := g.tree.Max()
	if !ok {
		return -1
	}
	return e.gid
}

// Ascend visits entries in id order until fn returns false.
func (g *GlobalToVert) Ascend(fn func(gid Gid, v mesh.Entity) bool) {
	g.tree.Ascend(func(e gidEntry) bool {
		return fn(e.gid, e.vert)
	})
}

// Inverse builds the vertex to id lookup.
func (g *GlobalToVert) Inverse() map[mesh.Entity]Gid {
	out := make(map[mesh.Entity]Gid, g.Len())
	g.Ascend(func(gid Gid, v mesh.Entity) bool {
		out[v] = gid
		return true
	})
	return out
}
