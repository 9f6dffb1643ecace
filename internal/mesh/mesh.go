package mesh

import (
	"fmt"

	"golang.org/x/exp/slices"
)

type record struct {
	typ       Type
	model     ModelEntity
	down      []Entity
	point     [3]float64
	residence []int
	remotes   []Copy
	matches   []Copy
}

// Mesh is one rank's part of a distributed mesh. It stores vertices and
// top-dimension elements; intermediate entities are not represented.
// A Mesh belongs to a single goroutine.
type Mesh struct {
	dim        int
	self       int
	ents       [4][]record
	tags       *tagRegistry
	generation uint64
	pending    int
}

// New creates an empty mesh of dimension dim for rank self.
func New(dim, self int) (*Mesh, error) {
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("%w: mesh dimension %d", ErrInvalid, dim)
	}
	if self < 0 {
		return nil, fmt.Errorf("%w: rank %d", ErrInvalid, self)
	}
	return &Mesh{dim: dim, self: self, tags: newTagRegistry()}, nil
}

func (m *Mesh) Dimension() int { return m.dim }
func (m *Mesh) Self() int      { return m.self }

// FindModelEntity returns the model classification (dim, tag). The interior
// of the domain is (Dimension(), 0).
func (m *Mesh) FindModelEntity(dim, tag int) ModelEntity {
	return ModelEntity{Dim: dim, Tag: tag}
}

func (m *Mesh) CreateVert(model ModelEntity) Entity {
	m.ents[0] = append(m.ents[0], record{typ: Vertex, model: model})
	m.pending++
	return makeEntity(0, len(m.ents[0])-1)
}

// CreateElement builds an element of type t on the given vertices.
func (m *Mesh) CreateElement(t Type, model ModelEntity, verts []Entity) (Entity, error) {
	if !t.Valid() || t == Vertex {
		return None, fmt.Errorf("%w: element type %v", ErrInvalid, t)
	}
	dim := t.Dimension()
	if dim > m.dim {
		return None, fmt.Errorf("%w: %v in a %dD mesh", ErrInvalid, t, m.dim)
	}
	if len(verts) != t.VertexCount() {
		return None, fmt.Errorf("%w: %v needs %d vertices, got %d", ErrInvalid, t, t.VertexCount(), len(verts))
	}
	for _, v := range verts {
		if v.Dim() != 0 || !m.Valid(v) {
			return None, fmt.Errorf("%w: %v", ErrBadEntity, v)
		}
	}
	down := make([]Entity, len(verts))
	copy(down, verts)
	m.ents[dim] = append(m.ents[dim], record{typ: t, model: model, down: down})
	m.pending++
	return makeEntity(dim, len(m.ents[dim])-1), nil
}

// Valid reports whether e was issued by this mesh.
func (m *Mesh) Valid(e Entity) bool {
	if e == None {
		return false
	}
	d := e.Dim()
	if d > 3 {
		return false
	}
	i := e.index()
	return i >= 0 && i < len(m.ents[d])
}

func (m *Mesh) rec(e Entity) *record {
	if !m.Valid(e) {
		panic(fmt.Sprintf("%v: %v", ErrBadEntity, e))
	}
	return &m.ents[e.Dim()][e.index()]
}

func (m *Mesh) Count(dim int) int {
	if dim < 0 || dim > 3 {
		return 0
	}
	return len(m.ents[dim])
}

func (m *Mesh) Type(e Entity) Type         { return m.rec(e).typ }
func (m *Mesh) Model(e Entity) ModelEntity { return m.rec(e).model }

// Downward returns the vertices of e; a vertex is its own downward set.
func (m *Mesh) Downward(e Entity) []Entity {
	r := m.rec(e)
	if r.typ == Vertex {
		return []Entity{e}
	}
	out := make([]Entity, len(r.down))
	copy(out, r.down)
	return out
}

func (m *Mesh) SetPoint(v Entity, p [3]float64) { m.rec(v).point = p }
func (m *Mesh) Point(v Entity) [3]float64       { return m.rec(v).point }

// SetResidence replaces the set of ranks holding e.
func (m *Mesh) SetResidence(e Entity, parts []int) {
	r := m.rec(e)
	res := append([]int(nil), parts...)
	slices.Sort(res)
	r.residence = slices.Compact(res)
	m.pending++
}

// Residence returns the sorted ranks holding e. An entity that was never
// given a residence lives only here.
func (m *Mesh) Residence(e Entity) []int {
	r := m.rec(e)
	if len(r.residence) == 0 {
		return []int{m.self}
	}
	return append([]int(nil), r.residence...)
}

// Owner is the lowest rank in the residence.
func (m *Mesh) Owner(e Entity) int {
	r := m.rec(e)
	if len(r.residence) == 0 {
		return m.self
	}
	return r.residence[0]
}

func (m *Mesh) IsOwned(e Entity) bool { return m.Owner(e) == m.self }

func (m *Mesh) IsShared(e Entity) bool { return len(m.rec(e).remotes) > 0 }

func (m *Mesh) CountOwned(dim int) int {
	n := 0
	for it := m.Iterate(dim); it.Valid(); it.Next() {
		if m.IsOwned(it.Entity()) {
			n++
		}
	}
	return n
}

// AddRemote records that peer holds a copy of e as remote. A second call for
// the same peer replaces the first.
func (m *Mesh) AddRemote(e Entity, peer int, remote Entity) {
	r := m.rec(e)
	i, found := slices.BinarySearchFunc(r.remotes, peer, func(c Copy, p int) int { return c.Peer - p })
	if found {
		r.remotes[i].Entity = remote
	} else {
		r.remotes = slices.Insert(r.remotes, i, Copy{Peer: peer, Entity: remote})
	}
	m.pending++
}

// Remotes returns the remote copies of e ordered by peer.
func (m *Mesh) Remotes(e Entity) []Copy {
	return append([]Copy(nil), m.rec(e).remotes...)
}

func (m *Mesh) Remote(e Entity, peer int) (Entity, bool) {
	r := m.rec(e)
	i, found := slices.BinarySearchFunc(r.remotes, peer, func(c Copy, p int) int { return c.Peer - p })
	if !found {
		return None, false
	}
	return r.remotes[i].Entity, true
}

func (m *Mesh) ClearRemotes(e Entity) {
	m.rec(e).remotes = nil
	m.pending++
}

// AddMatch records a periodic partner of e. Duplicates are ignored.
func (m *Mesh) AddMatch(e Entity, peer int, match Entity) {
	r := m.rec(e)
	c := Copy{Peer: peer, Entity: match}
	if slices.Contains(r.matches, c) {
		return
	}
	r.matches = append(r.matches, c)
	m.pending++
}

func (m *Mesh) Matches(e Entity) []Copy {
	return append([]Copy(nil), m.rec(e).matches...)
}

func (m *Mesh) ClearMatches(e Entity) {
	m.rec(e).matches = nil
	m.pending++
}

// HasMatching reports whether any vertex carries a periodic match.
func (m *Mesh) HasMatching() bool {
	for i := range m.ents[0] {
		if len(m.ents[0][i].matches) > 0 {
			return true
		}
	}
	return false
}

// AcceptChanges closes a batch of modifications. It checks that every
// entity with an explicit residence contains this rank in it and that its
// remote copies are exactly the other members.
func (m *Mesh) AcceptChanges() error {
	for d := 0; d <= 3; d++ {
		for i := range m.ents[d] {
			r := &m.ents[d][i]
			if len(r.residence) == 0 {
				if len(r.remotes) > 0 {
					return fmt.Errorf("%w: %v has remotes but no residence", ErrInconsistent, makeEntity(d, i))
				}
				continue
			}
			if _, ok := slices.BinarySearch(r.residence, m.self); !ok {
				return fmt.Errorf("%w: %v residence %v lacks rank %d", ErrInconsistent, makeEntity(d, i), r.residence, m.self)
			}
			for _, c := range r.remotes {
				if c.Peer == m.self {
					return fmt.Errorf("%w: %v lists itself as a remote", ErrInconsistent, makeEntity(d, i))
				}
				if _, ok := slices.BinarySearch(r.residence, c.Peer); !ok {
					return fmt.Errorf("%w: %v remote on rank %d outside residence %v", ErrInconsistent, makeEntity(d, i), c.Peer, r.residence)
				}
			}
		}
	}
	m.pending = 0
	m.generation++
	return nil
}

// Generation counts successful AcceptChanges calls.
func (m *Mesh) Generation() uint64 { return m.generation }

// Pending reports modifications made since the last AcceptChanges.
func (m *Mesh) Pending() int { return m.pending }

// Iterator walks the entities of one dimension in creation order.
type Iterator struct {
	dim   int
	count int
	index int
}

func (m *Mesh) Iterate(dim int) *Iterator {
	return &Iterator{dim: dim, count: m.Count(dim)}
}

func (it *Iterator) Rewind()        { it.index = 0 }
func (it *Iterator) Valid() bool    { return it.index < it.count }
func (it *Iterator) Next()          { it.index++ }
func (it *Iterator) Entity() Entity { return makeEntity(it.dim, it.index) }
