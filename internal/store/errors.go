package store

import "errors"

var (
	ErrNotFound          = errors.New("store: not found")
	ErrClaimConflict     = errors.New("store: claim lost to another worker")
	ErrStoreClosed       = errors.New("store: closed")
	ErrInvalidTransition = errors.New("store: invalid status transition")
	ErrUnknownDriver     = errors.New("store: unknown driver")
)
