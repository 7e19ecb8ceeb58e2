// Package scd implements the slowly-changing-dimension (Type 2) history
// machinery: natural-key resolution, validity-interval allocation, and the
// reconciliation of new change events against persisted open rows.
//
// The package is storage-agnostic. Callers fetch the currently open rows for
// the affected keys, run Reconcile, and apply the resulting Plan in a single
// transaction per dimension.
package scd

import "time"

// Infinity is the sentinel end timestamp of the currently active row for a
// natural key. Half-open intervals: a row is valid over [Start, End).
var Infinity = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// CloseGap is subtracted from a new row's start to produce the previous
// row's end, keeping adjacent intervals contiguous at one-second resolution.
const CloseGap = time.Second

// TimeFormat is the canonical text form for timestamps used as change
// discriminators (e.g. a car's revision timestamp).
const TimeFormat = "2006-01-02 15:04:05"

// Event is one observed change for a natural key.
type Event struct {
	// Key is the natural key the event belongs to.
	Key string
	// Start is the moment the new version becomes valid.
	Start time.Time
	// Discriminator is the change-detection token for the dimension: a new
	// version is opened only when it differs from the open row's value.
	Discriminator string
	// Payload holds the versioned attribute values, positional per the
	// dimension schema's payload columns.
	Payload []any
}

// Row is a versioned dimension row with an allocated validity interval.
// End == Infinity marks the open row.
type Row struct {
	Key           string
	Start         time.Time
	End           time.Time
	Discriminator string
	Payload       []any
}

// Open reports whether the row is the currently active version.
func (r Row) Open() bool {
	return r.End.Equal(Infinity)
}

// ActiveRow is the open row currently persisted for a natural key, as much
// of it as reconciliation needs.
type ActiveRow struct {
	Key           string
	Start         time.Time
	Discriminator string
}

// Closure instructs the store to set the persisted open row's end for Key.
type Closure struct {
	Key string
	End time.Time
}

// Plan is the outcome of reconciling a batch of events: rows to close and
// rows to append. Both must be applied atomically per dimension.
type Plan struct {
	Close  []Closure
	Insert []Row
	// Discarded counts events whose discriminator matched the open row and
	// therefore produced no new version.
	Discarded int
}

// Empty reports whether the plan mutates nothing.
func (p Plan) Empty() bool {
	return len(p.Close) == 0 && len(p.Insert) == 0
}
