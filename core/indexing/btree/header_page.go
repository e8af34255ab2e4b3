package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vajradb/vajradb/core/write_engine/bufferpool"
	flushmanager "github.com/vajradb/vajradb/core/write_engine/flush_manager"
	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// The header page (page 0) stores ordered (index name, root page id) records
// so index roots survive restarts. A zeroed page decodes as zero records,
// which is exactly the fresh-file state.
//
// Layout: record count (uint16), then per record: name length (uint16), name
// bytes, root page id (uint64).

const maxIndexNameLength = 255

type headerRecord struct {
	name       string
	rootPageID pagemanager.PageID
}

func decodeHeaderRecords(data []byte) ([]headerRecord, error) {
	buffer := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(buffer, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: reading header record count: %v", flushmanager.ErrDeserialization, err)
	}
	records := make([]headerRecord, 0, count)
	for i := 0; i < int(count); i++ {
		var nameLen uint16
		if err := binary.Read(buffer, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("%w: reading header record %d name length: %v", flushmanager.ErrDeserialization, i, err)
		}
		name := make([]byte, nameLen)
		if _, err := buffer.Read(name); err != nil {
			return nil, fmt.Errorf("%w: reading header record %d name: %v", flushmanager.ErrDeserialization, i, err)
		}
		var root uint64
		if err := binary.Read(buffer, binary.LittleEndian, &root); err != nil {
			return nil, fmt.Errorf("%w: reading header record %d root page id: %v", flushmanager.ErrDeserialization, i, err)
		}
		records = append(records, headerRecord{name: string(name), rootPageID: pagemanager.PageID(root)})
	}
	return records, nil
}

func encodeHeaderRecords(data []byte, records []headerRecord) error {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.LittleEndian, uint16(len(records))); err != nil {
		return fmt.Errorf("%w: writing header record count: %v", flushmanager.ErrSerialization, err)
	}
	for _, rec := range records {
		if err := binary.Write(buffer, binary.LittleEndian, uint16(len(rec.name))); err != nil {
			return err
		}
		if _, err := buffer.WriteString(rec.name); err != nil {
			return err
		}
		if err := binary.Write(buffer, binary.LittleEndian, uint64(rec.rootPageID)); err != nil {
			return err
		}
	}
	if buffer.Len() > len(data) {
		return fmt.Errorf("%w: header records (%d bytes) exceed page size %d", flushmanager.ErrSerialization, buffer.Len(), len(data))
	}
	encoded := buffer.Bytes()
	copy(data, encoded)
	for i := len(encoded); i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// readRootPageID looks up the root record for an index name on the header page.
func readRootPageID(bpm *bufferpool.BufferPoolManager, name string) (pagemanager.PageID, bool, error) {
	page, err := bpm.FetchPage(pagemanager.HeaderPageID)
	if err != nil {
		return pagemanager.InvalidPageID, false, err
	}
	page.RLatch()
	records, err := decodeHeaderRecords(page.GetData())
	page.RUnlatch()
	if unpinErr := bpm.UnpinPage(pagemanager.HeaderPageID, false); unpinErr != nil && err == nil {
		err = unpinErr
	}
	if err != nil {
		return pagemanager.InvalidPageID, false, err
	}
	for _, rec := range records {
		if rec.name == name {
			return rec.rootPageID, true, nil
		}
	}
	return pagemanager.InvalidPageID, false, nil
}

// writeRootPageID inserts or updates the root record for an index name.
func writeRootPageID(bpm *bufferpool.BufferPoolManager, name string, rootPageID pagemanager.PageID) error {
	if len(name) > maxIndexNameLength {
		return fmt.Errorf("index name too long: %q", name)
	}
	page, err := bpm.FetchPage(pagemanager.HeaderPageID)
	if err != nil {
		return err
	}
	page.WLatch()
	records, err := decodeHeaderRecords(page.GetData())
	if err == nil {
		found := false
		for i := range records {
			if records[i].name == name {
				records[i].rootPageID = rootPageID
				found = true
				break
			}
		}
		if !found {
			records = append(records, headerRecord{name: name, rootPageID: rootPageID})
		}
		err = encodeHeaderRecords(page.GetData(), records)
	}
	page.WUnlatch()
	if unpinErr := bpm.UnpinPage(pagemanager.HeaderPageID, err == nil); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}
