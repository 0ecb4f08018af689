package shared

import "errors"

var (
	ErrDuplicate       = errors.New("duplicate operation")
	ErrNotFound        = errors.New("entity not found")
	ErrConflict        = errors.New("entity conflict")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRejected marks a write the store will never accept, so retrying is pointless.
	ErrRejected        = errors.New("write rejected by store")
)
