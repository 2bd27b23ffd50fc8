// Package skiplist implements an ordered map from byte-string keys to values.
package skiplist

import (
	"bytes"
	"math/rand/v2"
	"slices"
)

const maxHeight = 24

// Node is a skiplist node.
type Node[V any] struct {
	key       []byte
	value     V
	nextNodes []*Node[V]
}

// Key returns the key of the node.
func (n *Node[V]) Key() []byte {
	return n.key
}

// Value returns the value stored in the node.
func (n *Node[V]) Value() V {
	return n.value
}

// Next returns the node with the next key, or nil if n is the last node.
func (n *Node[V]) Next() *Node[V] {
	return n.nextNodes[0]
}

func (n *Node[V]) height() int {
	return len(n.nextNodes)
}

// SkipList is a probabilistic ordered structure with O(log n) insertion and
// lookup. It is not safe for concurrent use.
type SkipList[V any] struct {
	head Node[V]
	len  int
}

// New creates an empty SkipList.
func New[V any]() *SkipList[V] {
	return &SkipList[V]{
		head: Node[V]{nextNodes: make([]*Node[V], maxHeight)},
	}
}

// Len returns the number of keys in the list.
func (sl *SkipList[V]) Len() int {
	return sl.len
}

// First returns the node with the smallest key, or nil if the list is empty.
func (sl *SkipList[V]) First() *Node[V] {
	return sl.head.nextNodes[0]
}

// Last returns the node with the greatest key, or nil if the list is empty.
func (sl *SkipList[V]) Last() *Node[V] {
	x := &sl.head
	for l := maxHeight - 1; l >= 0; l-- {
		for x.nextNodes[l] != nil {
			x = x.nextNodes[l]
		}
	}
	if x == &sl.head {
		return nil
	}
	return x
}

func (sl *SkipList[V]) findGTE(key []byte, prevs *[maxHeight]*Node[V]) *Node[V] {
	x := &sl.head
	for l := maxHeight - 1; l >= 0; l-- {
		for next := x.nextNodes[l]; next != nil && bytes.Compare(next.key, key) < 0; next = x.nextNodes[l] {
			x = next
		}
		if prevs != nil {
			prevs[l] = x
		}
	}
	return x.nextNodes[0]
}

// FindGTENode returns the node with the smallest key that is greater than or
// equal to the specified key, or nil if there's no such node.
func (sl *SkipList[V]) FindGTENode(key []byte) *Node[V] {
	return sl.findGTE(key, nil)
}

// Add adds a key with the associated value to the list. If the key is already
// present, the existing node is returned and the second return value is false.
func (sl *SkipList[V]) Add(key []byte, value V) (*Node[V], bool) {
	var prevs [maxHeight]*Node[V]
	if n := sl.findGTE(key, &prevs); n != nil && bytes.Equal(n.key, key) {
		return n, false
	}
	node := &Node[V]{
		key:       slices.Clone(key),
		value:     value,
		nextNodes: make([]*Node[V], randomHeight()),
	}
	for l := range node.nextNodes {
		node.nextNodes[l] = prevs[l].nextNodes[l]
		prevs[l].nextNodes[l] = node
	}
	sl.len++
	return node, true
}

func randomHeight() int {
	h := 1
	for h < maxHeight && rand.Uint32()&3 == 0 {
		h++
	}
	return h
}
