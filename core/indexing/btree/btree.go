// Package btree implements a disk-resident B+tree index on top of the buffer
// pool. Keys are unique and kept in sorted order; leaves chain to the right
// sibling so forward range scans never climb back through the tree.
package btree

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vajradb/vajradb/core/write_engine/bufferpool"
	flushmanager "github.com/vajradb/vajradb/core/write_engine/flush_manager"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// Order compares two keys: negative if a < b, zero if equal, positive if a > b.
type Order[K any] func(a, b K) int

// KeyValueSerializer bundles the codecs for keys and values.
type KeyValueSerializer[K any, V any] struct {
	SerializeKey     func(K) ([]byte, error)
	DeserializeKey   func([]byte) (K, error)
	SerializeValue   func(V) ([]byte, error)
	DeserializeValue func([]byte) (V, error)
}

// BTree is a persistent ordered map. Concurrency follows latch crabbing: a
// tree-level latch guards the root page id, per-page latches guard node
// contents, and writers release ancestor latches once the current node is
// known safe for the operation.
type BTree[K any, V any] struct {
	name            string
	bpm             *bufferpool.BufferPoolManager
	keyOrder        Order[K]
	kvSerializer    KeyValueSerializer[K, V]
	leafMaxSize     int
	internalMaxSize int
	pageSize        int
	rootLatch       sync.RWMutex
	rootPageID      pagemanager.PageID
	logger          *zap.Logger
}

// NewBTree opens (or registers) the named index. The root page id, if any, is
// recovered from the header page.
func NewBTree[K any, V any](
	name string,
	bpm *bufferpool.BufferPoolManager,
	keyOrder Order[K],
	kvSerializer KeyValueSerializer[K, V],
	leafMaxSize int,
	internalMaxSize int,
	logger *zap.Logger,
) (*BTree[K, V], error) {
	if keyOrder == nil {
		return nil, flushmanager.ErrNilKeyOrder
	}
	if leafMaxSize < 2 {
		return nil, fmt.Errorf("leaf max size %d too small", leafMaxSize)
	}
	if internalMaxSize < 3 {
		return nil, fmt.Errorf("internal max size %d too small", internalMaxSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bt := &BTree[K, V]{
		name:            name,
		bpm:             bpm,
		keyOrder:        keyOrder,
		kvSerializer:    kvSerializer,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		pageSize:        bpm.GetPageSize(),
		rootPageID:      pagemanager.InvalidPageID,
		logger:          logger.Named("btree").With(zap.String("index", name)),
	}
	root, found, err := readRootPageID(bpm, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read root record for index %q: %w", name, err)
	}
	if found {
		bt.rootPageID = root
	}
	return bt, nil
}

// GetRootPageID exposes the current root for debugging and tests.
func (bt *BTree[K, V]) GetRootPageID() pagemanager.PageID {
	bt.rootLatch.RLock()
	defer bt.rootLatch.RUnlock()
	return bt.rootPageID
}

// IsEmpty reports whether the tree has no root.
func (bt *BTree[K, V]) IsEmpty() bool {
	return bt.GetRootPageID() == pagemanager.InvalidPageID
}

type opType int

const (
	opInsert opType = iota
	opRemove
)

// safe reports whether a structural modification at this node cannot
// propagate to its ancestors: inserts must leave room for one more entry
// (leaves split one entry earlier than internals), removals must stay above
// the underflow threshold.
func (n *Node[K, V]) safe(op opType) bool {
	if op == opInsert {
		limit := n.maxSize()
		if n.isLeaf() {
			limit--
		}
		return n.size() < limit
	}
	return n.size() > n.minSize()
}

// --- write path -------------------------------------------------------------

type nodeGuard[K any, V any] struct {
	page    *pagemanager.Page
	node    *Node[K, V]
	latched bool
	dirty   bool
}

// writeContext tracks the exclusively latched path from the shallowest unsafe
// ancestor down to the current node, plus pages created along the way.
type writeContext[K any, V any] struct {
	bt         *BTree[K, V]
	rootLocked bool
	guards     []*nodeGuard[K, V]
	extras     []*nodeGuard[K, V]
	byPage     map[pagemanager.PageID]*nodeGuard[K, V]
}

func (ctx *writeContext[K, V]) track(g *nodeGuard[K, V]) {
	ctx.byPage[g.node.pageID] = g
}

// releaseGuards unlatches and unpins every guard on the path. Dirty nodes are
// serialized back into their pages first.
func (ctx *writeContext[K, V]) releaseGuards() error {
	var firstErr error
	for i := len(ctx.guards) - 1; i >= 0; i-- {
		if err := ctx.releaseOne(ctx.guards[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ctx.guards = ctx.guards[:0]
	return firstErr
}

func (ctx *writeContext[K, V]) releaseOne(g *nodeGuard[K, V]) error {
	var err error
	if g.dirty {
		err = g.node.serialize(g.page)
	}
	if g.latched {
		g.page.WUnlatch()
	}
	delete(ctx.byPage, g.node.pageID)
	if unpinErr := ctx.bt.bpm.UnpinPage(g.node.pageID, g.dirty); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}

// release finishes the operation: flush and drop every held node, then let
// go of the root latch.
func (ctx *writeContext[K, V]) release() error {
	firstErr := ctx.releaseGuards()
	for _, g := range ctx.extras {
		if err := ctx.releaseOne(g); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ctx.extras = ctx.extras[:0]
	if ctx.rootLocked {
		ctx.bt.rootLatch.Unlock()
		ctx.rootLocked = false
	}
	return firstErr
}

// fetchNodeWrite pins pageID, takes its exclusive latch and decodes it.
func (bt *BTree[K, V]) fetchNodeWrite(pageID pagemanager.PageID) (*nodeGuard[K, V], error) {
	page, err := bt.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.WLatch()
	node := &Node[K, V]{tree: bt}
	if err := node.deserialize(page); err != nil {
		page.WUnlatch()
		bt.bpm.UnpinPage(pageID, false)
		return nil, err
	}
	return &nodeGuard[K, V]{page: page, node: node, latched: true}, nil
}

// newNode allocates a fresh page for a node. Failure to obtain a page in the
// middle of a structural modification cannot be unwound safely.
func (ctx *writeContext[K, V]) newNode(pageType PageType, parent pagemanager.PageID) *nodeGuard[K, V] {
	page, err := ctx.bt.bpm.NewPage()
	if err != nil {
		panic(fmt.Sprintf("btree %q: buffer pool exhausted during structural modification: %v", ctx.bt.name, err))
	}
	node := &Node[K, V]{
		tree:         ctx.bt,
		pageID:       page.GetPageID(),
		pageType:     pageType,
		parentPageID: parent,
		nextPageID:   pagemanager.InvalidPageID,
	}
	g := &nodeGuard[K, V]{page: page, node: node, dirty: true}
	ctx.extras = append(ctx.extras, g)
	ctx.track(g)
	return g
}

// reparent points a child's parent pointer at a new owner. Children on the
// latched path (or created this operation) are updated in place; anything
// else is fetched, rewritten and released immediately.
func (ctx *writeContext[K, V]) reparent(child, newParent pagemanager.PageID) {
	if g, ok := ctx.byPage[child]; ok {
		g.node.parentPageID = newParent
		g.dirty = true
		return
	}
	g, err := ctx.bt.fetchNodeWrite(child)
	if err != nil {
		panic(fmt.Sprintf("btree %q: failed to fetch child %d to rewrite parent pointer: %v", ctx.bt.name, child, err))
	}
	g.node.parentPageID = newParent
	g.dirty = true
	if err := ctx.releaseOne(g); err != nil {
		panic(fmt.Sprintf("btree %q: failed to write back child %d: %v", ctx.bt.name, child, err))
	}
}

// descendWrite walks from the root to the leaf responsible for key, taking
// exclusive latches and releasing all ancestors (and the root latch) each
// time the newly latched child turns out safe for op. On return the guard
// chain is a contiguous parent/child path ending at the leaf.
func (bt *BTree[K, V]) descendWrite(key K, op opType) (*writeContext[K, V], error) {
	ctx := &writeContext[K, V]{
		bt:     bt,
		byPage: make(map[pagemanager.PageID]*nodeGuard[K, V]),
	}
	bt.rootLatch.Lock()
	ctx.rootLocked = true

	if bt.rootPageID == pagemanager.InvalidPageID {
		if op != opInsert {
			return ctx, nil
		}
		// Start a new tree: a root leaf registered on the header page.
		root := ctx.newNode(PageTypeLeaf, pagemanager.InvalidPageID)
		bt.rootPageID = root.node.pageID
		if err := writeRootPageID(bt.bpm, bt.name, bt.rootPageID); err != nil {
			ctx.release()
			return nil, err
		}
		// Promote the fresh page into the latched chain.
		ctx.extras = ctx.extras[:0]
		root.page.WLatch()
		root.latched = true
		ctx.guards = append(ctx.guards, root)
		bt.logger.Debug("created root leaf", zap.Uint64("page_id", uint64(root.node.pageID)))
		return ctx, nil
	}

	g, err := bt.fetchNodeWrite(bt.rootPageID)
	if err != nil {
		ctx.release()
		return nil, err
	}
	ctx.guards = append(ctx.guards, g)
	ctx.track(g)
	if g.node.safe(op) {
		// The root cannot change; other writers may enter above us.
		bt.rootLatch.Unlock()
		ctx.rootLocked = false
	}

	for !ctx.guards[len(ctx.guards)-1].node.isLeaf() {
		cur := ctx.guards[len(ctx.guards)-1].node
		idx := cur.upperBound(key) - 1
		if idx < 0 {
			idx = 0
		}
		child, err := bt.fetchNodeWrite(cur.children[idx])
		if err != nil {
			ctx.release()
			return nil, err
		}
		if child.node.safe(op) {
			if err := ctx.releaseGuards(); err != nil {
				child.page.WUnlatch()
				bt.bpm.UnpinPage(child.node.pageID, false)
				ctx.release()
				return nil, err
			}
			if ctx.rootLocked {
				bt.rootLatch.Unlock()
				ctx.rootLocked = false
			}
		}
		ctx.guards = append(ctx.guards, child)
		ctx.track(child)
	}
	return ctx, nil
}

// Insert adds a unique key. It returns false (with no error) when the key is
// already present.
func (bt *BTree[K, V]) Insert(key K, value V) (bool, error) {
	ctx, err := bt.descendWrite(key, opInsert)
	if err != nil {
		return false, err
	}
	leaf := ctx.guards[len(ctx.guards)-1]
	inserted := leaf.node.leafInsert(key, value)
	if !inserted {
		return false, ctx.release()
	}
	leaf.dirty = true
	if leaf.node.size() == leaf.node.maxSize() {
		bt.splitLeaf(ctx, len(ctx.guards)-1)
	}
	return true, ctx.release()
}

// splitLeaf splits the overfull leaf at guard index i and pushes the new
// separator into the parent chain.
func (bt *BTree[K, V]) splitLeaf(ctx *writeContext[K, V], i int) {
	leaf := ctx.guards[i]
	sibling := ctx.newNode(PageTypeLeaf, leaf.node.parentPageID)
	leaf.node.moveHalfTo(sibling.node, true, nil)
	sibling.node.nextPageID = leaf.node.nextPageID
	leaf.node.nextPageID = sibling.node.pageID
	bt.insertToParent(ctx, i, sibling.node.keys[0], sibling)
}

// insertToParent links (separator, sibling) into the parent of guards[i],
// splitting ancestors as needed. A root split installs a fresh internal root
// and bumps the root page id.
func (bt *BTree[K, V]) insertToParent(ctx *writeContext[K, V], i int, separator K, sibling *nodeGuard[K, V]) {
	node := ctx.guards[i]
	if node.node.isRoot() {
		if i != 0 || !ctx.rootLocked {
			panic(fmt.Sprintf("btree %q: root split without the root latch held", bt.name))
		}
		var zeroK K
		newRoot := ctx.newNode(PageTypeInternal, pagemanager.InvalidPageID)
		newRoot.node.keys = []K{zeroK, separator}
		newRoot.node.children = []pagemanager.PageID{node.node.pageID, sibling.node.pageID}
		node.node.parentPageID = newRoot.node.pageID
		node.dirty = true
		sibling.node.parentPageID = newRoot.node.pageID
		bt.rootPageID = newRoot.node.pageID
		if err := writeRootPageID(bt.bpm, bt.name, bt.rootPageID); err != nil {
			panic(fmt.Sprintf("btree %q: failed to persist new root %d: %v", bt.name, bt.rootPageID, err))
		}
		bt.logger.Debug("root split", zap.Uint64("new_root", uint64(bt.rootPageID)))
		return
	}

	if i == 0 {
		panic(fmt.Sprintf("btree %q: split propagated past a node that was judged safe", bt.name))
	}
	parent := ctx.guards[i-1]
	target := parent
	if parent.node.size() == parent.node.maxSize() {
		// Split the parent first, then pick the half the separator lands in.
		parentSibling := ctx.newNode(PageTypeInternal, parent.node.parentPageID)
		parent.node.moveHalfTo(parentSibling.node, true, ctx.reparent)
		parent.dirty = true
		parentSeparator := parentSibling.node.keys[0]
		bt.insertToParent(ctx, i-1, parentSeparator, parentSibling)
		if bt.keyOrder(separator, parentSeparator) >= 0 {
			target = parentSibling
		}
	}
	pos := target.node.upperBound(separator)
	target.node.internalInsertAt(pos, separator, sibling.node.pageID)
	target.dirty = true
	sibling.node.parentPageID = target.node.pageID
}

// Remove deletes key if present; missing keys and an empty tree are no-ops.
func (bt *BTree[K, V]) Remove(key K) error {
	ctx, err := bt.descendWrite(key, opRemove)
	if err != nil {
		return err
	}
	if len(ctx.guards) == 0 {
		return ctx.release()
	}
	leaf := ctx.guards[len(ctx.guards)-1]
	if !leaf.node.leafRemove(key) {
		return ctx.release()
	}
	leaf.dirty = true
	if leaf.node.size() < leaf.node.minSize() {
		bt.fixUnderflow(ctx, len(ctx.guards)-1)
	}
	return ctx.release()
}

// latchSibling pins and exclusively latches a sibling page for a
// redistribute/merge. The parent is already latched, so nothing else can race
// us to it through the tree.
func (bt *BTree[K, V]) latchSibling(ctx *writeContext[K, V], pageID pagemanager.PageID) *nodeGuard[K, V] {
	g, err := bt.fetchNodeWrite(pageID)
	if err != nil {
		panic(fmt.Sprintf("btree %q: failed to fetch sibling %d during underflow repair: %v", bt.name, pageID, err))
	}
	ctx.track(g)
	return g
}

// fixUnderflow restores the occupancy invariant for the underflowed node at
// guard index i, borrowing from a sibling when the combined population allows
// it and merging otherwise. Merges remove a separator from the parent and may
// recurse.
func (bt *BTree[K, V]) fixUnderflow(ctx *writeContext[K, V], i int) {
	g := ctx.guards[i]
	node := g.node

	if node.isRoot() {
		if node.isLeaf() {
			if node.size() == 0 {
				// The last entry is gone; the tree is empty again. The page
				// itself is left behind as an empty leaf: disk page ids are
				// never reused.
				bt.rootPageID = pagemanager.InvalidPageID
				if err := writeRootPageID(bt.bpm, bt.name, bt.rootPageID); err != nil {
					panic(fmt.Sprintf("btree %q: failed to persist empty root: %v", bt.name, err))
				}
			}
			return
		}
		if node.size() == 1 {
			// A single-child internal root collapses onto its child.
			child := node.children[0]
			ctx.reparent(child, pagemanager.InvalidPageID)
			bt.rootPageID = child
			if err := writeRootPageID(bt.bpm, bt.name, bt.rootPageID); err != nil {
				panic(fmt.Sprintf("btree %q: failed to persist collapsed root %d: %v", bt.name, child, err))
			}
			bt.logger.Debug("root collapsed", zap.Uint64("new_root", uint64(child)))
		}
		return
	}

	if i == 0 {
		panic(fmt.Sprintf("btree %q: underflow propagated past a node that was judged safe", bt.name))
	}
	parent := ctx.guards[i-1]
	pos := parent.node.childIndex(node.pageID)
	if pos < 0 {
		panic(fmt.Sprintf("btree %q: page %d missing from its parent %d", bt.name, node.pageID, parent.node.pageID))
	}

	if pos > 0 {
		left := bt.latchSibling(ctx, parent.node.children[pos-1])
		if left.node.size()+node.size() >= 2*node.minSize() {
			// Borrow the left sibling's upper entries.
			left.node.moveHalfTo(node, true, ctx.reparent)
			parent.node.keys[pos] = node.keys[0]
			parent.dirty = true
			left.dirty = true
			g.dirty = true
			ctx.releaseOneTracked(left)
			return
		}
		// Merge node into the left sibling. The emptied page stays behind
		// with its sibling pointer intact so an in-flight scan can still hop
		// through it; its id is simply never reused.
		parent.node.internalRemoveAt(pos)
		parent.dirty = true
		node.moveAllToLeft(left.node, ctx.reparent)
		left.dirty = true
		g.dirty = true
		ctx.releaseOneTracked(left)
		if parent.node.size() < parent.node.minSize() {
			bt.fixUnderflow(ctx, i-1)
		}
		return
	}

	right := bt.latchSibling(ctx, parent.node.children[pos+1])
	if right.node.size()+node.size() >= 2*node.minSize() {
		// Borrow the right sibling's lower entries.
		right.node.moveHalfTo(node, false, ctx.reparent)
		parent.node.keys[pos+1] = right.node.keys[0]
		parent.dirty = true
		right.dirty = true
		g.dirty = true
		ctx.releaseOneTracked(right)
		return
	}
	// Merge the right sibling into node, leaving the emptied page behind
	// with its sibling pointer intact.
	parent.node.internalRemoveAt(pos + 1)
	parent.dirty = true
	right.node.moveAllToLeft(node, ctx.reparent)
	g.dirty = true
	right.dirty = true
	ctx.releaseOneTracked(right)
	if parent.node.size() < parent.node.minSize() {
		bt.fixUnderflow(ctx, i-1)
	}
}

// releaseOneTracked flushes and drops a sibling guard acquired outside the
// descent chain.
func (ctx *writeContext[K, V]) releaseOneTracked(g *nodeGuard[K, V]) {
	if err := ctx.releaseOne(g); err != nil {
		panic(fmt.Sprintf("btree %q: failed to release sibling page %d: %v", ctx.bt.name, g.node.pageID, err))
	}
}

// --- read path --------------------------------------------------------------

// fetchNodeRead pins a page, decodes it under a shared latch and returns the
// still-latched page together with the decoded snapshot.
func (bt *BTree[K, V]) fetchNodeRead(pageID pagemanager.PageID) (*pagemanager.Page, *Node[K, V], error) {
	page, err := bt.bpm.FetchPage(pageID)
	if err != nil {
		return nil, nil, err
	}
	page.RLatch()
	node := &Node[K, V]{tree: bt}
	if err := node.deserialize(page); err != nil {
		page.RUnlatch()
		bt.bpm.UnpinPage(pageID, false)
		return nil, nil, err
	}
	return page, node, nil
}

type descentMode int

const (
	descendByKey descentMode = iota
	descendLeftmost
)

// findLeafRead descends with shared latches, hand over hand: the child latch
// is taken before the parent latch is dropped. The leaf is returned pinned
// but unlatched, as a decoded snapshot.
func (bt *BTree[K, V]) findLeafRead(key K, mode descentMode) (*pagemanager.Page, *Node[K, V], error) {
	bt.rootLatch.RLock()
	if bt.rootPageID == pagemanager.InvalidPageID {
		bt.rootLatch.RUnlock()
		return nil, nil, nil
	}
	page, node, err := bt.fetchNodeRead(bt.rootPageID)
	bt.rootLatch.RUnlock()
	if err != nil {
		return nil, nil, err
	}
	for !node.isLeaf() {
		idx := 0
		if mode == descendByKey {
			idx = node.upperBound(key) - 1
			if idx < 0 {
				idx = 0
			}
		}
		childPage, childNode, err := bt.fetchNodeRead(node.children[idx])
		page.RUnlatch()
		bt.bpm.UnpinPage(node.pageID, false)
		if err != nil {
			return nil, nil, err
		}
		page, node = childPage, childNode
	}
	page.RUnlatch()
	return page, node, nil
}

// GetValue returns the value stored under key.
func (bt *BTree[K, V]) GetValue(key K) (V, bool, error) {
	var zero V
	page, node, err := bt.findLeafRead(key, descendByKey)
	if err != nil || page == nil {
		return zero, false, err
	}
	defer bt.bpm.UnpinPage(page.GetPageID(), false)
	i := node.upperBound(key) - 1
	if i >= 0 && bt.keyOrder(node.keys[i], key) == 0 {
		return node.values[i], true, nil
	}
	return zero, false, nil
}
