package pagemanager

import "fmt"

// TableOID identifies a table in the catalog. The lock manager keys its table
// queues by it.
type TableOID uint32

// RID is a record identifier: the page a tuple lives on plus its slot number.
// It is comparable so it can key maps directly.
type RID struct {
	PageID  PageID
	SlotNum uint32
}

// NewRID builds a record identifier.
func NewRID(pageID PageID, slotNum uint32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

func (r RID) String() string {
	return fmt.Sprintf("%d:%d", r.PageID, r.SlotNum)
}
