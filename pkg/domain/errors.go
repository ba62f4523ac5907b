package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the unit of work and its components.
var (
	ErrUntrackedEntity    = errors.New("untracked entity")
	ErrEntityDeleted      = errors.New("entity is deleted")
	ErrDuplicateIdentity  = errors.New("duplicate identity")
	ErrMalformedQuery     = errors.New("malformed query")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrInvalidKey         = errors.New("invalid primary key")
	ErrUnknownTable       = errors.New("unknown table")
)

// CheckpointBound names the ordering bound a checkpoint collided with.
type CheckpointBound string

// Checkpoint ordering bounds.
const (
	BoundLastPersisted CheckpointBound = "last persisted"
	BoundLastReverted  CheckpointBound = "last reverted"
)

// CheckpointOrderError reports a persist or revert outside the legal window.
type CheckpointOrderError struct {
	Op    string // "persist" or "revert to"
	ID    int
	Bound CheckpointBound
	Limit int
}

func (e CheckpointOrderError) Error() string {
	rel := "before"
	if e.Bound == BoundLastReverted {
		rel = "after"
	}
	return fmt.Sprintf("cannot %s checkpoint %d: it is %s the %s checkpoint %d", e.Op, e.ID, rel, e.Bound, e.Limit)
}

// StorageError wraps a failure raised by a storage adapter while saving.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the adapter error.
func (e StorageError) Unwrap() error { return e.Err }
