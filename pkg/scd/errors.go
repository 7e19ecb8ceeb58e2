package scd

import "fmt"

// InvariantViolationError reports a corrupted dimension state: more than one
// open row for a single natural key. It aborts the run; the loader never
// repairs this silently.
type InvariantViolationError struct {
	Dimension string
	Key       string
	OpenRows  int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("dimension %s: natural key %q has %d open rows, want at most 1", e.Dimension, e.Key, e.OpenRows)
}

// KeyError reports a natural-key resolution failure caused by a missing
// immutable attribute. Hashing a degenerate key would silently merge
// distinct entities, so resolution fails loudly instead.
type KeyError struct {
	Entity string
	Field  string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("cannot resolve %s key: %s is empty", e.Entity, e.Field)
}
