package nt4

import (
	"sort"
	"strconv"
	"strings"
)

// Node is a Table or a Topic in the topic tree.
type Node interface {
	Name() string
	// Parent returns the owning node, or nil for the root.
	Parent() Node
	// Path returns the normalized path from the root, "" for the root.
	Path() string
	// Child returns the direct child with the given name, or nil.
	Child(name string) Node
	Children() []Node
	// Lookup descends by a slash-delimited path; "" resolves to the node itself.
	Lookup(path string) Node

	setParent(p Node)
}

// splitPath trims leading and trailing empty segments of a "/" split.
func splitPath(path string) []string {
	segs := strings.Split(path, "/")
	start, end := 0, len(segs)
	for start < end && segs[start] == "" {
		start++
	}
	for end > start && segs[end-1] == "" {
		end--
	}
	return segs[start:end]
}

// NormalizePath returns path in the form used as log store key:
// no leading or trailing slashes.
func NormalizePath(path string) string {
	return strings.Join(splitPath(path), "/")
}

func lookupSegments(n Node, segs []string) Node {
	cur := n
	for _, seg := range segs {
		cur = cur.Child(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func nodePath(n Node) string {
	var segs []string
	for cur := n; cur != nil && cur.Parent() != nil; cur = cur.Parent() {
		segs = append(segs, cur.Name())
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}

// Table is an interior node whose children are uniquely named.
type Table struct {
	name     string
	parent   *Table
	children map[string]Node
}

func NewTable(name string) *Table {
	return &Table{name: name, children: make(map[string]Node)}
}

func (t *Table) Name() string { return t.name }

func (t *Table) Parent() Node {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

func (t *Table) setParent(p Node) {
	t.parent, _ = p.(*Table)
}

func (t *Table) Path() string { return nodePath(t) }

func (t *Table) Child(name string) Node {
	return t.children[name]
}

// Children returns the children sorted by name.
func (t *Table) Children() []Node {
	names := make([]string, 0, len(t.children))
	for name := range t.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Node, len(names))
	for i, name := range names {
		out[i] = t.children[name]
	}
	return out
}

func (t *Table) Len() int { return len(t.children) }

func (t *Table) Lookup(path string) Node {
	return lookupSegments(t, splitPath(path))
}

// Add attaches n, replacing any child that already has its name.
func (t *Table) Add(n Node) {
	if old, ok := t.children[n.Name()]; ok && old != n {
		old.setParent(nil)
	}
	n.setParent(t)
	t.children[n.Name()] = n
}

// Remove detaches and returns the named child.
func (t *Table) Remove(name string) Node {
	n, ok := t.children[name]
	if !ok {
		return nil
	}
	delete(t.children, name)
	n.setParent(nil)
	return n
}

// Topic is a typed leaf. Array topics expose one synthetic child topic per
// element, named by index.
type Topic struct {
	name   string
	parent Node
	typ    TopicType
	value  any
	elems  []*Topic
}

func NewTopic(name string, typ TopicType) *Topic {
	t := &Topic{name: name, typ: typ}
	t.SetValue(nil)
	return t
}

func (t *Topic) Name() string { return t.name }

func (t *Topic) Parent() Node { return t.parent }

func (t *Topic) setParent(p Node) { t.parent = p }

func (t *Topic) Path() string { return nodePath(t) }

func (t *Topic) Type() TopicType { return t.typ }

func (t *Topic) Value() any { return t.value }

// SetValue coerces v to the topic type and, for arrays, refreshes the
// element children.
func (t *Topic) SetValue(v any) {
	t.value = ensureType(t.typ, v)
	if !t.typ.IsArray() {
		return
	}
	els := elements(t.value)
	if len(els) != len(t.elems) {
		t.elems = make([]*Topic, len(els))
		for i := range t.elems {
			child := &Topic{name: strconv.Itoa(i), typ: t.typ.Elem(), parent: t}
			t.elems[i] = child
		}
	}
	for i, el := range els {
		t.elems[i].value = ensureType(t.typ.Elem(), el)
	}
}

func (t *Topic) Child(name string) Node {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || i >= len(t.elems) || strconv.Itoa(i) != name {
		return nil
	}
	return t.elems[i]
}

func (t *Topic) Children() []Node {
	out := make([]Node, len(t.elems))
	for i, el := range t.elems {
		out[i] = el
	}
	return out
}

func (t *Topic) Lookup(path string) Node {
	return lookupSegments(t, splitPath(path))
}

// synthetic reports whether t is an element child of an array topic.
func (t *Topic) synthetic() bool {
	_, ok := t.parent.(*Topic)
	return ok
}
