package cbtree

import "cmp"

// KeyOrder compares two keys, returning a negative number if a < b, zero if
// a == b, and a positive number if a > b. Trees are agnostic to key type;
// callers supply the order.
type KeyOrder[K any] func(a, b K) int

// DefaultKeyOrder builds a KeyOrder for any cmp.Ordered key type, delegating
// to the standard library's three-way comparison.
func DefaultKeyOrder[K cmp.Ordered]() KeyOrder[K] {
	return func(a, b K) int { return cmp.Compare(a, b) }
}
