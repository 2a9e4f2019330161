// Package tree assembles flat directory rows into a nested directory tree.
package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested directory id was never built.
	ErrNotFound = errors.New("tree: directory not found")
	// ErrCorruptTree is returned when materialization reaches an entry that was
	// already consumed, e.g. a self-reference or a duplicated root id.
	ErrCorruptTree = errors.New("tree: corrupt tree")
	// ErrConsumed is returned when a Builder is materialized a second time.
	ErrConsumed = errors.New("tree: builder already consumed")
)

// Row is one flat directory record as projected by a storage query.
// ID and Name may be nil when the query returns a partial row.
type Row struct {
	ID       *int32
	Name     *string
	ParentID *int32
}

// Node is one directory in the assembled tree.
type Node struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
	Subs []Node `json:"subs"`
}

type entry struct {
	name     string
	children []int32
}

// Builder holds the id-keyed working set produced by Build. It is single use:
// materializing removes entries, and a second IntoNode/IntoRoot call fails
// with ErrConsumed.
type Builder struct {
	entries  map[int32]*entry
	rootIDs  []int32
	consumed bool
}

// Build indexes rows in one pass. Rows without an id or a name are skipped.
// A row is linked under its parent only if the parent was already seen; rows
// pointing at an unknown parent keep their entry but are unreachable.
func Build(rows []Row) *Builder {
	b := &Builder{entries: make(map[int32]*entry, len(rows))}
	for _, row := range rows {
		if row.ID == nil || row.Name == nil {
			continue
		}
		id := *row.ID
		b.entries[id] = &entry{name: *row.Name}

		if row.ParentID == nil {
			b.rootIDs = append(b.rootIDs, id)
			continue
		}
		if parent, ok := b.entries[*row.ParentID]; ok {
			parent.children = append(parent.children, id)
		}
	}
	return b
}

// Len reports how many entries are still held by the builder.
func (b *Builder) Len() int {
	return len(b.entries)
}

// IntoNode materializes the subtree rooted at id.
func (b *Builder) IntoNode(id int32) (Node, error) {
	if b.consumed {
		return Node{}, ErrConsumed
	}
	b.consumed = true
	if _, ok := b.entries[id]; !ok {
		return Node{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return b.materialize(id)
}

// IntoRoot materializes every recorded root, in input order, under the
// virtual root (id 0, empty name).
func (b *Builder) IntoRoot() (Node, error) {
	if b.consumed {
		return Node{}, ErrConsumed
	}
	b.consumed = true

	root := Node{ID: 0, Name: "", Subs: make([]Node, 0, len(b.rootIDs))}
	for _, id := range b.rootIDs {
		node, err := b.materialize(id)
		if err != nil {
			return Node{}, err
		}
		root.Subs = append(root.Subs, node)
	}
	return root, nil
}

type frame struct {
	id       int32
	name     string
	children []int32
	next     int
	subs     []Node
}

// materialize walks the subtree with an explicit stack, removing each entry
// as it is visited. Reaching an id that is no longer in the map means the
// links loop back or repeat.
func (b *Builder) materialize(id int32) (Node, error) {
	first, err := b.take(id)
	if err != nil {
		return Node{}, err
	}
	stack := []*frame{first}

	for {
		top := stack[len(stack)-1]
		if top.next < len(top.children) {
			childID := top.children[top.next]
			top.next++
			child, err := b.take(childID)
			if err != nil {
				return Node{}, err
			}
			stack = append(stack, child)
			continue
		}

		stack = stack[:len(stack)-1]
		node := Node{ID: top.id, Name: top.name, Subs: top.subs}
		if len(stack) == 0 {
			return node, nil
		}
		parent := stack[len(stack)-1]
		parent.subs = append(parent.subs, node)
	}
}

func (b *Builder) take(id int32) (*frame, error) {
	e, ok := b.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: directory %d visited twice", ErrCorruptTree, id)
	}
	delete(b.entries, id)
	return &frame{
		id:       id,
		name:     e.name,
		children: e.children,
		subs:     make([]Node, 0, len(e.children)),
	}, nil
}
