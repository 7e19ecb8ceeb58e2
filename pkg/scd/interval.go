package scd

import "sort"

// AllocateIntervals assigns each event a validity interval. Events are
// grouped by natural key and ordered by start time; each row ends one
// CloseGap before the next row's start, and the newest row per key stays
// open at Infinity.
//
// Events sharing a key and an identical start keep their input order, so
// allocation is deterministic for any input.
func AllocateIntervals(events []Event) []Row {
	byKey := make(map[string][]Event)
	keyOrder := make([]string, 0)
	for _, ev := range events {
		if _, seen := byKey[ev.Key]; !seen {
			keyOrder = append(keyOrder, ev.Key)
		}
		byKey[ev.Key] = append(byKey[ev.Key], ev)
	}

	rows := make([]Row, 0, len(events))
	for _, key := range keyOrder {
		chain := byKey[key]
		sort.SliceStable(chain, func(i, j int) bool {
			return chain[i].Start.Before(chain[j].Start)
		})
		for i, ev := range chain {
			end := Infinity
			if i+1 < len(chain) {
				end = chain[i+1].Start.Add(-CloseGap)
			}
			rows = append(rows, Row{
				Key:           ev.Key,
				Start:         ev.Start,
				End:           end,
				Discriminator: ev.Discriminator,
				Payload:       ev.Payload,
			})
		}
	}
	return rows
}
