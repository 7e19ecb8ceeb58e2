package scd

import (
	"sort"
	"time"
)

// Reconcile folds a batch of change events into the dimension's history.
//
// For each affected natural key it applies the dimension's closing
// predicate: a new version is opened only when the event's discriminator
// differs from the one currently open (persisted, or opened earlier in the
// same batch). Matching events are discarded, and so are events that do not
// start after the current open version: extraction lookback re-reads
// windows that were already reconciled, and replaying a past chain against
// the row it produced must be a no-op. Surviving events form the key's new
// chain; AllocateIntervals assigns their validity intervals, and the
// persisted open row is closed to one CloseGap before the chain's first
// start.
//
// active must contain at most one row per key; more than one is a corrupted
// store and returns an InvariantViolationError.
func Reconcile(dimension string, active []ActiveRow, events []Event) (Plan, error) {
	open := make(map[string]ActiveRow, len(active))
	for _, a := range active {
		if _, dup := open[a.Key]; dup {
			n := 0
			for _, b := range active {
				if b.Key == a.Key {
					n++
				}
			}
			return Plan{}, &InvariantViolationError{Dimension: dimension, Key: a.Key, OpenRows: n}
		}
		open[a.Key] = a
	}

	byKey := make(map[string][]Event)
	keyOrder := make([]string, 0)
	for _, ev := range events {
		if _, seen := byKey[ev.Key]; !seen {
			keyOrder = append(keyOrder, ev.Key)
		}
		byKey[ev.Key] = append(byKey[ev.Key], ev)
	}

	var plan Plan
	for _, key := range keyOrder {
		chain := byKey[key]
		sort.SliceStable(chain, func(i, j int) bool {
			return chain[i].Start.Before(chain[j].Start)
		})

		cur, curKnown := "", false
		var curStart time.Time
		if a, ok := open[key]; ok {
			cur, curKnown = a.Discriminator, true
			curStart = a.Start
		}

		var accepted []Event
		for _, ev := range chain {
			if curKnown && ev.Discriminator == cur {
				plan.Discarded++
				continue
			}
			if curKnown && !ev.Start.After(curStart) {
				// A change that predates the open version was already
				// folded into the history a previous run produced.
				plan.Discarded++
				continue
			}
			accepted = append(accepted, ev)
			cur, curKnown, curStart = ev.Discriminator, true, ev.Start
		}
		if len(accepted) == 0 {
			continue
		}

		rows := AllocateIntervals(accepted)
		if _, ok := open[key]; ok {
			plan.Close = append(plan.Close, Closure{Key: key, End: rows[0].Start.Add(-CloseGap)})
		}
		plan.Insert = append(plan.Insert, rows...)
	}

	return plan, nil
}
