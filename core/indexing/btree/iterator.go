package btree

import (
	"fmt"

	flushmanager "github.com/vajradb/vajradb/core/write_engine/flush_manager"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// Iterator walks leaf entries in ascending key order. It owns a pin on the
// current leaf, released when advancing to the next leaf and on Close; the
// page itself is only latched while the leaf is decoded, so the iterator sees
// each leaf as it was at the moment it arrived there.
type Iterator[K any, V any] struct {
	bt    *BTree[K, V]
	node  *Node[K, V] // nil means end
	index int
}

// Begin positions an iterator at the smallest key.
func (bt *BTree[K, V]) Begin() (*Iterator[K, V], error) {
	var zero K
	page, node, err := bt.findLeafRead(zero, descendLeftmost)
	if err != nil {
		return nil, err
	}
	it := &Iterator[K, V]{bt: bt, node: node}
	if page == nil {
		return it, nil
	}
	return it, it.normalize()
}

// BeginAt positions an iterator at the first key >= key.
func (bt *BTree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	page, node, err := bt.findLeafRead(key, descendByKey)
	if err != nil {
		return nil, err
	}
	it := &Iterator[K, V]{bt: bt, node: node}
	if page == nil {
		return it, nil
	}
	i := node.upperBound(key) - 1
	if i >= 0 && bt.keyOrder(node.keys[i], key) == 0 {
		it.index = i
	} else {
		it.index = i + 1
	}
	return it, it.normalize()
}

// End returns the past-the-last sentinel.
func (bt *BTree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{bt: bt}
}

// IsEnd reports whether the iterator is exhausted.
func (it *Iterator[K, V]) IsEnd() bool { return it.node == nil }

// Key returns the key at the current position.
func (it *Iterator[K, V]) Key() K {
	if it.IsEnd() {
		panic("btree iterator: Key called past the end")
	}
	return it.node.keys[it.index]
}

// Value returns the value at the current position.
func (it *Iterator[K, V]) Value() V {
	if it.IsEnd() {
		panic("btree iterator: Value called past the end")
	}
	return it.node.values[it.index]
}

// Next advances one entry, hopping to the next leaf through the sibling
// pointer when the current one is spent.
func (it *Iterator[K, V]) Next() error {
	if it.IsEnd() {
		return flushmanager.ErrIteratorInvalid
	}
	it.index++
	return it.normalize()
}

// normalize skips past exhausted leaves until the position is valid or the
// chain ends. The current leaf's pin is dropped before the next leaf is
// pinned, so a lateral hop never holds two leaves at once.
func (it *Iterator[K, V]) normalize() error {
	for it.node != nil && it.index >= it.node.size() {
		next := it.node.nextPageID
		cur := it.node.pageID
		if err := it.bt.bpm.UnpinPage(cur, false); err != nil {
			it.node = nil
			return fmt.Errorf("failed to unpin leaf %d: %w", cur, err)
		}
		if next == pagemanager.InvalidPageID {
			it.node = nil
			return nil
		}
		page, node, err := it.bt.fetchNodeRead(next)
		if err != nil {
			it.node = nil
			return err
		}
		page.RUnlatch()
		it.node = node
		it.index = 0
	}
	return nil
}

// Close releases the pin on the current leaf. Safe to call on an exhausted
// iterator.
func (it *Iterator[K, V]) Close() error {
	if it.node == nil {
		return nil
	}
	err := it.bt.bpm.UnpinPage(it.node.pageID, false)
	it.node = nil
	return err
}
