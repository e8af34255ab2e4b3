package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	flushmanager "github.com/vajradb/vajradb/core/write_engine/flush_manager"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// PageType discriminates node pages.
type PageType byte

const (
	PageTypeLeaf     PageType = 1
	PageTypeInternal PageType = 2
)

const checksumSize = 4

// Node is the in-memory form of a B+tree page. Leaves pair keys with values
// and chain to the right sibling; internal nodes pair keys with child page
// ids, where the key in slot 0 is a lower bound that is never compared
// against (conceptually negative infinity). For internal nodes len(keys) ==
// len(children) and the node size is the child count.
type Node[K any, V any] struct {
	tree         *BTree[K, V]
	pageID       pagemanager.PageID
	pageType     PageType
	parentPageID pagemanager.PageID
	nextPageID   pagemanager.PageID // leaf only
	keys         []K
	values       []V                  // leaf only
	children     []pagemanager.PageID // internal only
}

func (n *Node[K, V]) isLeaf() bool { return n.pageType == PageTypeLeaf }
func (n *Node[K, V]) isRoot() bool { return n.parentPageID == pagemanager.InvalidPageID }

// size is the number of values a node holds: entries for a leaf, children for
// an internal node.
func (n *Node[K, V]) size() int {
	if n.isLeaf() {
		return len(n.keys)
	}
	return len(n.children)
}

func (n *Node[K, V]) maxSize() int {
	if n.isLeaf() {
		return n.tree.leafMaxSize
	}
	return n.tree.internalMaxSize
}

// minSize is the underflow threshold. Roots are exempt from the half-full
// rule: a root leaf may hold a single entry, a root internal needs two
// children to be worth keeping.
func (n *Node[K, V]) minSize() int {
	if n.isLeaf() {
		if n.isRoot() {
			return 1
		}
		return n.tree.leafMaxSize >> 1
	}
	if n.isRoot() {
		return 2
	}
	return (n.tree.internalMaxSize + 1) >> 1
}

// upperBound returns the index of the first slot whose key is strictly
// greater than key. Internal nodes only search slots [1, size) because slot 0
// holds the -inf key.
func (n *Node[K, V]) upperBound(key K) int {
	lo := 0
	if !n.isLeaf() {
		lo = 1
	}
	hi := n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.tree.keyOrder(n.keys[mid], key) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// childIndex locates a child page within an internal node.
func (n *Node[K, V]) childIndex(child pagemanager.PageID) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// leafInsert places (key, value) keeping sorted order; false on duplicate.
func (n *Node[K, V]) leafInsert(key K, value V) bool {
	i := n.upperBound(key)
	if i != 0 && n.tree.keyOrder(n.keys[i-1], key) == 0 {
		return false
	}
	var zeroK K
	var zeroV V
	n.keys = append(n.keys, zeroK)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.values = append(n.values, zeroV)
	copy(n.values[i+1:], n.values[i:])
	n.values[i] = value
	return true
}

// leafRemove drops key from the leaf; false when absent.
func (n *Node[K, V]) leafRemove(key K) bool {
	i := n.upperBound(key) - 1
	if i < 0 || n.tree.keyOrder(n.keys[i], key) != 0 {
		return false
	}
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.values = append(n.values[:i], n.values[i+1:]...)
	return true
}

// internalInsertAt splices (key, child) into slot i.
func (n *Node[K, V]) internalInsertAt(i int, key K, child pagemanager.PageID) {
	var zeroK K
	n.keys = append(n.keys, zeroK)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.children = append(n.children, pagemanager.InvalidPageID)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child
}

// internalRemoveAt drops the (key, child) pair at slot i.
func (n *Node[K, V]) internalRemoveAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i], n.children[i+1:]...)
}

// reparentFunc rewrites a child's parent pointer; internal-node moves call it
// for every reseated child.
type reparentFunc func(child, newParent pagemanager.PageID)

// moveHalfTo rebalances entries between n and dst. With right=true the upper
// entries beyond the half-full point move to the front of dst (split, or
// borrowing from a left sibling); with right=false the lower entries move to
// the end of dst (borrowing from a right sibling). n retains exactly its
// half-full complement. Keys travel with their values/children, so an
// internal node's slot-0 key always equals the separator its subtree is
// filed under.
func (n *Node[K, V]) moveHalfTo(dst *Node[K, V], right bool, reparent reparentFunc) {
	var newSize int
	if n.isLeaf() {
		newSize = n.maxSize() >> 1
	} else {
		newSize = (n.maxSize() + 1) >> 1
	}
	moved := n.size() - newSize
	if moved <= 0 {
		return
	}
	if right {
		n.moveEntries(dst, newSize, n.size(), true, reparent)
	} else {
		n.moveEntries(dst, 0, moved, false, reparent)
	}
}

// moveAllToLeft appends every entry to dst (the left sibling) and empties n.
// Leaves also hand their sibling pointer over so the chain stays intact.
func (n *Node[K, V]) moveAllToLeft(dst *Node[K, V], reparent reparentFunc) {
	n.moveEntries(dst, 0, n.size(), false, reparent)
	if n.isLeaf() {
		dst.nextPageID = n.nextPageID
	}
}

// moveEntries reseats n's entries in [lo, hi) onto dst: prepended when
// toFront, appended otherwise. Moved children of an internal node are
// reparented onto dst.
func (n *Node[K, V]) moveEntries(dst *Node[K, V], lo, hi int, toFront bool, reparent reparentFunc) {
	movedKeys := append([]K(nil), n.keys[lo:hi]...)
	if toFront {
		dst.keys = append(movedKeys, dst.keys...)
	} else {
		dst.keys = append(dst.keys, movedKeys...)
	}
	if n.isLeaf() {
		movedValues := append([]V(nil), n.values[lo:hi]...)
		if toFront {
			dst.values = append(movedValues, dst.values...)
		} else {
			dst.values = append(dst.values, movedValues...)
		}
		n.values = append(n.values[:lo], n.values[hi:]...)
	} else {
		movedChildren := append([]pagemanager.PageID(nil), n.children[lo:hi]...)
		if toFront {
			dst.children = append(movedChildren, dst.children...)
		} else {
			dst.children = append(dst.children, movedChildren...)
		}
		n.children = append(n.children[:lo], n.children[hi:]...)
		for _, child := range movedChildren {
			reparent(child, dst.pageID)
		}
	}
	n.keys = append(n.keys[:lo], n.keys[hi:]...)
}

// serialize encodes the node into the page buffer and writes the CRC32
// trailer. The caller marks the page dirty by unpinning with isDirty=true.
func (n *Node[K, V]) serialize(page *pagemanager.Page) error {
	pageSize := n.tree.pageSize
	buffer := new(bytes.Buffer)

	if err := buffer.WriteByte(byte(n.pageType)); err != nil {
		return fmt.Errorf("%w: writing page type: %v", flushmanager.ErrSerialization, err)
	}
	if err := binary.Write(buffer, binary.LittleEndian, uint16(n.size())); err != nil {
		return fmt.Errorf("%w: writing size: %v", flushmanager.ErrSerialization, err)
	}
	if err := binary.Write(buffer, binary.LittleEndian, uint64(n.parentPageID)); err != nil {
		return fmt.Errorf("%w: writing parent page id: %v", flushmanager.ErrSerialization, err)
	}
	if err := binary.Write(buffer, binary.LittleEndian, uint64(n.nextPageID)); err != nil {
		return fmt.Errorf("%w: writing next page id: %v", flushmanager.ErrSerialization, err)
	}

	for i := range n.keys {
		keyData, err := n.tree.kvSerializer.SerializeKey(n.keys[i])
		if err != nil {
			return fmt.Errorf("%w: serializing key: %v", flushmanager.ErrSerialization, err)
		}
		if err := binary.Write(buffer, binary.LittleEndian, uint16(len(keyData))); err != nil {
			return err
		}
		if _, err := buffer.Write(keyData); err != nil {
			return err
		}
		if n.isLeaf() {
			valData, err := n.tree.kvSerializer.SerializeValue(n.values[i])
			if err != nil {
				return fmt.Errorf("%w: serializing value: %v", flushmanager.ErrSerialization, err)
			}
			if err := binary.Write(buffer, binary.LittleEndian, uint16(len(valData))); err != nil {
				return err
			}
			if _, err := buffer.Write(valData); err != nil {
				return err
			}
		} else {
			if err := binary.Write(buffer, binary.LittleEndian, uint64(n.children[i])); err != nil {
				return err
			}
		}
	}

	serialized := buffer.Bytes()
	if len(serialized)+checksumSize > pageSize {
		return fmt.Errorf("%w: node data (%d bytes) exceeds page size %d for page %d",
			flushmanager.ErrNodeTooLarge, len(serialized), pageSize, n.pageID)
	}

	pageData := page.GetData()
	copy(pageData, serialized)
	for i := len(serialized); i < pageSize-checksumSize; i++ {
		pageData[i] = 0
	}
	checksum := crc32.ChecksumIEEE(pageData[:pageSize-checksumSize])
	binary.LittleEndian.PutUint32(pageData[pageSize-checksumSize:], checksum)
	return nil
}

// deserialize decodes the page buffer into the node, verifying the checksum
// first.
func (n *Node[K, V]) deserialize(page *pagemanager.Page) error {
	pageSize := n.tree.pageSize
	pageData := page.GetData()

	stored := binary.LittleEndian.Uint32(pageData[pageSize-checksumSize:])
	calculated := crc32.ChecksumIEEE(pageData[:pageSize-checksumSize])
	if stored != calculated {
		return fmt.Errorf("%w: stored=0x%x, calculated=0x%x for page %d",
			flushmanager.ErrChecksumMismatch, stored, calculated, page.GetPageID())
	}

	buffer := bytes.NewReader(pageData[:pageSize-checksumSize])
	pt, err := buffer.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: reading page type: %v", flushmanager.ErrDeserialization, err)
	}
	n.pageType = PageType(pt)
	if n.pageType != PageTypeLeaf && n.pageType != PageTypeInternal {
		return fmt.Errorf("%w: unknown page type %d on page %d", flushmanager.ErrInvalidPageData, pt, page.GetPageID())
	}

	var size uint16
	if err := binary.Read(buffer, binary.LittleEndian, &size); err != nil {
		return fmt.Errorf("%w: reading size: %v", flushmanager.ErrDeserialization, err)
	}
	var parent, next uint64
	if err := binary.Read(buffer, binary.LittleEndian, &parent); err != nil {
		return fmt.Errorf("%w: reading parent page id: %v", flushmanager.ErrDeserialization, err)
	}
	if err := binary.Read(buffer, binary.LittleEndian, &next); err != nil {
		return fmt.Errorf("%w: reading next page id: %v", flushmanager.ErrDeserialization, err)
	}
	n.parentPageID = pagemanager.PageID(parent)
	n.nextPageID = pagemanager.PageID(next)

	n.keys = make([]K, size)
	if n.isLeaf() {
		n.values = make([]V, size)
		n.children = nil
	} else {
		n.values = nil
		n.children = make([]pagemanager.PageID, size)
	}
	for i := 0; i < int(size); i++ {
		var keyLen uint16
		if err := binary.Read(buffer, binary.LittleEndian, &keyLen); err != nil {
			return fmt.Errorf("%w: reading key length %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		keyData := make([]byte, keyLen)
		if _, err := buffer.Read(keyData); err != nil {
			return fmt.Errorf("%w: reading key data %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		key, err := n.tree.kvSerializer.DeserializeKey(keyData)
		if err != nil {
			return fmt.Errorf("%w: deserializing key %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		n.keys[i] = key
		if n.isLeaf() {
			var valLen uint16
			if err := binary.Read(buffer, binary.LittleEndian, &valLen); err != nil {
				return fmt.Errorf("%w: reading value length %d: %v", flushmanager.ErrDeserialization, i, err)
			}
			valData := make([]byte, valLen)
			if _, err := buffer.Read(valData); err != nil {
				return fmt.Errorf("%w: reading value data %d: %v", flushmanager.ErrDeserialization, i, err)
			}
			val, err := n.tree.kvSerializer.DeserializeValue(valData)
			if err != nil {
				return fmt.Errorf("%w: deserializing value %d: %v", flushmanager.ErrDeserialization, i, err)
			}
			n.values[i] = val
		} else {
			var child uint64
			if err := binary.Read(buffer, binary.LittleEndian, &child); err != nil {
				return fmt.Errorf("%w: reading child page id %d: %v", flushmanager.ErrDeserialization, i, err)
			}
			n.children[i] = pagemanager.PageID(child)
		}
	}
	n.pageID = page.GetPageID()
	return nil
}
