package facts

import (
	"fmt"
	"time"

	"github.com/kazantaxi/dwh/pkg/scd"
	"github.com/kazantaxi/dwh/pkg/source"
	"github.com/kazantaxi/dwh/pkg/warehouse"
)

// RideStats counts rides dropped during assembly.
type RideStats struct {
	// MissingInfo counts finished rides whose order record was outside the
	// extraction window. They complete on a later run once lookback picks
	// the order up.
	MissingInfo int
	// Unmatched counts rides no waybill shift covers. They are skipped, not
	// failed: a single bad upload must not block the batch.
	Unmatched int
}

type rideTimeline struct {
	plate   string
	arrival *time.Time
	start   *time.Time
	end     *time.Time
	cancel  *time.Time
}

func (tl rideTimeline) endOrCancel() (time.Time, bool) {
	if tl.end != nil {
		return *tl.end, true
	}
	if tl.cancel != nil {
		return *tl.cancel, true
	}
	return time.Time{}, false
}

// AssembleRides pivots movement events into per-ride timelines and joins
// them with ride orders and waybill shifts. Only rides that reached END or
// CANCEL are emitted; cancelled rides keep a null start and use the cancel
// time as their end.
func AssembleRides(rides []source.RideRecord, movement []source.MovementRecord, idx *WaybillIndex) ([]warehouse.Ride, RideStats, error) {
	var stats RideStats

	timelines := make(map[int64]*rideTimeline)
	var finished []int64
	for _, m := range movement {
		tl := timelines[m.Ride]
		if tl == nil {
			tl = &rideTimeline{}
			timelines[m.Ride] = tl
		}
		dt := m.DT
		tl.plate = m.CarPlateNum
		switch m.Event {
		case source.EventReady:
			tl.arrival = &dt
		case source.EventBegin:
			tl.start = &dt
		case source.EventEnd:
			if tl.end == nil {
				finished = append(finished, m.Ride)
			}
			tl.end = &dt
		case source.EventCancel:
			if tl.cancel == nil && tl.end == nil {
				finished = append(finished, m.Ride)
			}
			tl.cancel = &dt
		default:
			return nil, stats, fmt.Errorf("unknown movement event %q for ride %d", m.Event, m.Ride)
		}
	}

	orders := make(map[int64]source.RideRecord, len(rides))
	for _, r := range rides {
		orders[r.RideID] = r
	}

	var assembled []warehouse.Ride
	for _, rideID := range finished {
		tl := timelines[rideID]
		end, ok := tl.endOrCancel()
		if !ok {
			continue
		}

		order, ok := orders[rideID]
		if !ok {
			stats.MissingInfo++
			continue
		}

		phone, err := scd.ClientKey(order.ClientPhone)
		if err != nil {
			return nil, stats, fmt.Errorf("ride %d: %w", rideID, err)
		}
		plate, err := scd.CarKey(tl.plate)
		if err != nil {
			return nil, stats, fmt.Errorf("ride %d: %w", rideID, err)
		}

		// The order time falls inside the driver's shift even for rides
		// that span a shift boundary.
		persNum, ok := idx.Match(plate, order.OrderDT)
		if !ok {
			stats.Unmatched++
			continue
		}

		assembled = append(assembled, warehouse.Ride{
			RideID:        rideID,
			PointFrom:     order.PointFrom,
			PointTo:       order.PointTo,
			Distance:      order.Distance,
			Price:         order.Price,
			ClientPhone:   phone,
			DriverPersNum: persNum,
			CarPlateNum:   plate,
			ArrivalDT:     tl.arrival,
			StartDT:       tl.start,
			EndDT:         end,
		})
	}
	return assembled, stats, nil
}

// AssembleWaybills resolves waybill driver licenses to personnel numbers
// against the full roster. Waybills naming an unknown license are skipped
// and counted.
func AssembleWaybills(files []source.WaybillFile, roster []source.DriverRecord) ([]warehouse.Waybill, int, error) {
	byLicense := make(map[string]string, len(roster))
	for _, d := range roster {
		persNum, err := scd.DriverKey(d.LastName, d.FirstName, d.MiddleName, d.BirthDT)
		if err != nil {
			return nil, 0, fmt.Errorf("driver with license %q: %w", d.DriverLicense, err)
		}
		byLicense[d.DriverLicense] = persNum
	}

	var waybills []warehouse.Waybill
	unknown := 0
	for _, f := range files {
		persNum, ok := byLicense[f.License]
		if !ok {
			unknown++
			continue
		}
		plate, err := scd.CarKey(f.CarPlate)
		if err != nil {
			return nil, unknown, fmt.Errorf("waybill %s: %w", f.Number, err)
		}
		waybills = append(waybills, warehouse.Waybill{
			Number:        f.Number,
			DriverPersNum: persNum,
			CarPlateNum:   plate,
			WorkStart:     f.WorkStart,
			WorkEnd:       f.WorkEnd,
			IssueDT:       f.IssueDT,
		})
	}
	return waybills, unknown, nil
}
