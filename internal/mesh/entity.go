package mesh

import "fmt"

// Entity is an opaque handle to a mesh entity on the rank that created it.
// It packs the topological dimension above a 1-based arena index so the zero
// value is never a valid entity. Other ranks may hold an Entity they received
// in a message but only ever hand it back to its issuer.
type Entity uint64

const (
	dimShift = 56
	idxMask  = (uint64(1) << dimShift) - 1
)

// None is the zero handle.
const None Entity = 0

func makeEntity(dim, idx int) Entity {
	return Entity(uint64(dim)<<dimShift | uint64(idx+1))
}

func (e Entity) Dim() int   { return int(uint64(e) >> dimShift) }
func (e Entity) index() int { return int(uint64(e)&idxMask) - 1 }

func (e Entity) String() string {
	if e == None {
		return "entity(none)"
	}
	return fmt.Sprintf("entity(d%d:%d)", e.Dim(), e.index())
}

// Type is the topological type of an entity.
type Type int

const (
	Vertex Type = iota
	Edge
	Triangle
	Quad
	Tet
	Hex
	Prism
	Pyramid
	typeCount
)

var typeNames = [typeCount]string{"vertex", "edge", "triangle", "quad", "tet", "hex", "prism", "pyramid"}

// vertexCount is the number of vertices bounding each type.
var vertexCount = [typeCount]int{1, 2, 3, 4, 4, 8, 6, 5}

var typeDimension = [typeCount]int{0, 1, 2, 2, 3, 3, 3, 3}

func (t Type) Valid() bool { return t >= 0 && t < typeCount }

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// VertexCount returns how many vertices an entity of type t has.
func (t Type) VertexCount() int {
	if !t.Valid() {
		return 0
	}
	return vertexCount[t]
}

func (t Type) Dimension() int {
	if !t.Valid() {
		return -1
	}
	return typeDimension[t]
}

// ParseType maps a type name back to its Type.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown entity type %q", ErrInvalid, name)
}

// ModelEntity is the geometric model classification of a mesh entity.
type ModelEntity struct {
	Dim int
	Tag int
}

// Copy names an entity on another rank.
type Copy struct {
	Peer   int
	Entity Entity
}
