package pagemanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageFull       = errors.New("not enough free space in page")
	ErrRecordTooLarge = errors.New("record too large for remaining page space")
	ErrRecordNotFound = errors.New("no record exists for the given slot")
)
