package cbtree

import "errors"

// Sentinel errors returned by Tree operations. Callers should compare with
// errors.Is rather than switching on a result-code type.
var (
	// ErrKeyExists is returned by Insert when the key is already present.
	// The existing payload and its observed version are returned alongside it.
	ErrKeyExists = errors.New("cbtree: key already exists")

	// ErrKeyNotExist is returned by Update and Delete when the key is absent.
	ErrKeyNotExist = errors.New("cbtree: key does not exist")

	// ErrInvalidConfig is returned by New when a Config fails Validate.
	ErrInvalidConfig = errors.New("cbtree: invalid configuration")

	// ErrBulkloadNotSorted is returned by Bulkload when the input entries are
	// not strictly increasing by key.
	ErrBulkloadNotSorted = errors.New("cbtree: bulkload entries must be sorted and unique by key")

	// ErrBulkloadEmpty is returned by Bulkload when given zero entries.
	ErrBulkloadEmpty = errors.New("cbtree: bulkload requires at least one entry")
)
