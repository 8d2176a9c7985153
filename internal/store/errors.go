package store

import "errors"

var (
	// ErrNotFound is returned for missing rows and for cross-tenant lookups,
	// which are indistinguishable by design.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a uniqueness constraint rejects an
	// insert, e.g. an execution already materialized for
	// (task_id, scheduled_for).
	ErrDuplicate = errors.New("duplicate")

	// ErrRowGone is returned when a terminal update targets an execution
	// that is no longer in the running state. Workers swallow this and move
	// to the next claim.
	ErrRowGone = errors.New("execution row gone")
)
