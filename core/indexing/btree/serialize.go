package btree

import (
	"cmp"
	"encoding/binary"
	"fmt"

	pagemanager "github.com/vajradb/vajradb/core/write_engine/page_manager"
)

// DefaultKeyOrder compares any ordered key type.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// SerializeUint64 encodes an unsigned 64-bit key.
func SerializeUint64(k uint64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, k)
	return buf, nil
}

// DeserializeUint64 decodes an unsigned 64-bit key.
func DeserializeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("expected 8 bytes for uint64, got %d", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// SerializeInt64 encodes a signed 64-bit key.
func SerializeInt64(k int64) ([]byte, error) {
	return SerializeUint64(uint64(k))
}

// DeserializeInt64 decodes a signed 64-bit key.
func DeserializeInt64(data []byte) (int64, error) {
	v, err := DeserializeUint64(data)
	return int64(v), err
}

// SerializeString encodes a string key or value.
func SerializeString(s string) ([]byte, error) {
	return []byte(s), nil
}

// DeserializeString decodes a string key or value.
func DeserializeString(data []byte) (string, error) {
	return string(data), nil
}

// SerializeRID encodes a record identifier value.
func SerializeRID(rid pagemanager.RID) ([]byte, error) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rid.PageID))
	binary.LittleEndian.PutUint32(buf[8:12], rid.SlotNum)
	return buf, nil
}

// DeserializeRID decodes a record identifier value.
func DeserializeRID(data []byte) (pagemanager.RID, error) {
	if len(data) != 12 {
		return pagemanager.RID{}, fmt.Errorf("expected 12 bytes for rid, got %d", len(data))
	}
	return pagemanager.RID{
		PageID:  pagemanager.PageID(binary.LittleEndian.Uint64(data[0:8])),
		SlotNum: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// Uint64RIDSerializer is the codec for the common uint64 -> RID index shape.
func Uint64RIDSerializer() KeyValueSerializer[uint64, pagemanager.RID] {
	return KeyValueSerializer[uint64, pagemanager.RID]{
		SerializeKey:     SerializeUint64,
		DeserializeKey:   DeserializeUint64,
		SerializeValue:   SerializeRID,
		DeserializeValue: DeserializeRID,
	}
}
