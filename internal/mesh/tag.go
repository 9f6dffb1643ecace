package mesh

import (
	"fmt"

	art "github.com/plar/go-adaptive-radix-tree"
)

// Tag attaches fixed-size integer arrays to entities.
type Tag struct {
	name   string
	size   int
	values map[Entity][]int64
}

func (t *Tag) Name() string { return t.name }
func (t *Tag) Size() int    { return t.size }

// Count is the number of entities carrying the tag.
func (t *Tag) Count() int { return len(t.values) }

// tagRegistry indexes tags by name in an adaptive radix tree, which keeps
// Tags() in name order.
type tagRegistry struct {
	tree art.Tree
}

func newTagRegistry() *tagRegistry {
	return &tagRegistry{tree: art.New()}
}

func (r *tagRegistry) find(name string) (*Tag, bool) {
	v, found := r.tree.Search(art.Key(name))
	if !found || v == nil {
		return nil, false
	}
	return v.(*Tag), true
}

// CreateIntTag registers a tag carrying size integers per entity.
func (m *Mesh) CreateIntTag(name string, size int) (*Tag, error) {
	if name == "" || size <= 0 {
		return nil, fmt.Errorf("%w: tag %q size %d", ErrInvalid, name, size)
	}
	if _, ok := m.tags.find(name); ok {
		return nil, fmt.Errorf("%w: %q", ErrTagExists, name)
	}
	t := &Tag{name: name, size: size, values: make(map[Entity][]int64)}
	m.tags.tree.Insert(art.Key(name), t)
	return t, nil
}

func (m *Mesh) FindTag(name string) (*Tag, bool) {
	return m.tags.find(name)
}

func (m *Mesh) checkTag(t *Tag) error {
	if t == nil {
		return fmt.Errorf("%w: nil tag", ErrTagNotFound)
	}
	if got, ok := m.tags.find(t.name); !ok || got != t {
		return fmt.Errorf("%w: %q", ErrTagNotFound, t.name)
	}
	return nil
}

func (m *Mesh) SetIntTag(e Entity, t *Tag, vals []int64) error {
	if err := m.checkTag(t); err != nil {
		return err
	}
	if !m.Valid(e) {
		return fmt.Errorf("%w: %v", ErrBadEntity, e)
	}
	if len(vals) != t.size {
		return fmt.Errorf("%w: tag %q holds %d values, got %d", ErrInvalid, t.name, t.size, len(vals))
	}
	t.values[e] = append([]int64(nil), vals...)
	return nil
}

func (m *Mesh) GetIntTag(e Entity, t *Tag) ([]int64, bool) {
	if m.checkTag(t) != nil {
		return nil, false
	}
	v, ok := t.values[e]
	if !ok {
		return nil, false
	}
	return append([]int64(nil), v...), true
}

func (m *Mesh) HasTag(e Entity, t *Tag) bool {
	if m.checkTag(t) != nil {
		return false
	}
	_, ok := t.values[e]
	return ok
}

func (m *Mesh) RemoveTag(e Entity, t *Tag) {
	if m.checkTag(t) != nil {
		return
	}
	delete(t.values, e)
}

// RemoveTagFromDimension detaches t from every entity of dimension dim.
func (m *Mesh) RemoveTagFromDimension(t *Tag, dim int) {
	if m.checkTag(t) != nil {
		return
	}
	for e := range t.values {
		if e.Dim() == dim {
			delete(t.values, e)
		}
	}
}

// DestroyTag unregisters t. The tag must already be detached everywhere.
func (m *Mesh) DestroyTag(t *Tag) error {
	if err := m.checkTag(t); err != nil {
		return err
	}
	if len(t.values) > 0 {
		return fmt.Errorf("%w: %q on %d entities", ErrTagInUse, t.name, len(t.values))
	}
	m.tags.tree.Delete(art.Key(t.name))
	return nil
}

// Tags lists registered tags ordered by name.
func (m *Mesh) Tags() []*Tag {
	out := make([]*Tag, 0, m.tags.tree.Size())
	m.tags.tree.ForEach(func(node art.Node) bool {
		out = append(out, node.Value().(*Tag))
		return true
	}, art.TraverseLeaf)
	return out
}
