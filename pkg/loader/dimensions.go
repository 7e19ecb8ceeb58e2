package loader

import (
	"fmt"
	"sort"
	"time"

	"github.com/kazantaxi/dwh/pkg/scd"
	"github.com/kazantaxi/dwh/pkg/source"
)

// carEvents turns car pool updates into dimension change events. The
// change token is the revision timestamp.
func carEvents(deltas []source.CarRecord) ([]scd.Event, error) {
	events := make([]scd.Event, 0, len(deltas))
	for _, c := range deltas {
		key, err := scd.CarKey(c.PlateNum)
		if err != nil {
			return nil, fmt.Errorf("car updated at %s: %w", c.UpdateDT.Format(scd.TimeFormat), err)
		}
		events = append(events, scd.Event{
			Key:           key,
			Start:         c.UpdateDT,
			Discriminator: c.RevisionDT.Format(scd.TimeFormat),
			Payload:       []any{c.Model},
		})
	}
	return events, nil
}

// driverEvents turns driver roster updates into dimension change events.
// The change token is the payment card.
func driverEvents(deltas []source.DriverRecord) ([]scd.Event, error) {
	events := make([]scd.Event, 0, len(deltas))
	for _, d := range deltas {
		key, err := scd.DriverKey(d.LastName, d.FirstName, d.MiddleName, d.BirthDT)
		if err != nil {
			return nil, fmt.Errorf("driver updated at %s: %w", d.UpdateDT.Format(scd.TimeFormat), err)
		}
		events = append(events, scd.Event{
			Key:           key,
			Start:         d.UpdateDT,
			Discriminator: d.CardNum,
			Payload: []any{
				d.LastName, d.FirstName, d.MiddleName, d.BirthDT,
				d.DriverLicense, d.LicenseValidTo,
			},
		})
	}
	return events, nil
}

// clientEvents derives client dimension events from ride orders: the first
// time a (phone, card) pair appears is that card's change event for the
// client. Rides land with a lookback behind the watermark; orders at or
// before since were observed by an earlier run and are skipped, so only
// genuinely new card observations reach the reconciler. Events are emitted
// in chronological order per client so in-batch card switches chain
// correctly.
func clientEvents(rides []source.RideRecord, since time.Time) ([]scd.Event, error) {
	type pair struct{ phone, card string }
	firstSeen := make(map[pair]time.Time)
	for _, r := range rides {
		if !r.OrderDT.After(since) {
			continue
		}
		phone, err := scd.ClientKey(r.ClientPhone)
		if err != nil {
			return nil, fmt.Errorf("ride %d: %w", r.RideID, err)
		}
		p := pair{phone: phone, card: r.CardNum}
		if seen, ok := firstSeen[p]; !ok || r.OrderDT.Before(seen) {
			firstSeen[p] = r.OrderDT
		}
	}

	events := make([]scd.Event, 0, len(firstSeen))
	for p, at := range firstSeen {
		events = append(events, scd.Event{
			Key:           p.phone,
			Start:         at,
			Discriminator: p.card,
		})
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		if events[i].Key != events[j].Key {
			return events[i].Key < events[j].Key
		}
		return events[i].Discriminator < events[j].Discriminator
	})
	return events, nil
}

// eventKeys returns the distinct natural keys of a batch, in first
// appearance order.
func eventKeys(events []scd.Event) []string {
	seen := make(map[string]struct{}, len(events))
	var keys []string
	for _, e := range events {
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		keys = append(keys, e.Key)
	}
	return keys
}
