package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound    = errors.New("page not found in buffer pool")
	ErrBufferPoolFull  = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned      = errors.New("page is pinned and cannot be deleted")
	ErrPageNotPinned   = errors.New("page pin count is already zero")
	ErrInvalidPoolSize = errors.New("buffer pool size must be at least 1")
	ErrIO              = errors.New("i/o error")
)
