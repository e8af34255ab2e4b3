package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound     = errors.New("page not found in buffer pool")
	ErrBufferPoolFull   = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned       = errors.New("page is pinned and cannot be evicted")
	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrIO               = errors.New("i/o error")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrNilKeyOrder      = errors.New("keyOrder function must be provided")
	ErrNodeTooLarge     = errors.New("node does not fit in a page with metadata and checksum")
	ErrIteratorInvalid  = errors.New("iterator is invalid or exhausted")
)
