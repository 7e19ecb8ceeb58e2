// Package facts assembles warehouse fact rows from raw operational records:
// pivoting movement events into ride timelines, attributing drivers to
// rides through waybills, and resolving waybill licenses to personnel
// numbers.
package facts

import (
	"sort"
	"time"

	"github.com/kazantaxi/dwh/pkg/warehouse"
)

// WaybillIndex answers "who was driving this car at this time". Waybills
// are grouped by plate and kept sorted by shift start; when shifts overlap,
// the earliest-starting one wins, so attribution does not depend on input
// order.
type WaybillIndex struct {
	byPlate map[string][]warehouse.Waybill
}

func NewWaybillIndex(waybills []warehouse.Waybill) *WaybillIndex {
	byPlate := make(map[string][]warehouse.Waybill)
	for _, w := range waybills {
		byPlate[w.CarPlateNum] = append(byPlate[w.CarPlateNum], w)
	}
	for plate := range byPlate {
		shifts := byPlate[plate]
		sort.SliceStable(shifts, func(i, j int) bool {
			return shifts[i].WorkStart.Before(shifts[j].WorkStart)
		})
	}
	return &WaybillIndex{byPlate: byPlate}
}

// Match returns the personnel number of the driver whose shift on the given
// plate covers at (bounds inclusive), or false when no shift does.
func (idx *WaybillIndex) Match(plate string, at time.Time) (string, bool) {
	shifts := idx.byPlate[plate]

	// Shifts starting after at can never cover it.
	n := sort.Search(len(shifts), func(i int) bool {
		return shifts[i].WorkStart.After(at)
	})
	for _, shift := range shifts[:n] {
		if !at.After(shift.WorkEnd) {
			return shift.DriverPersNum, true
		}
	}
	return "", false
}

// Len returns the number of indexed waybills.
func (idx *WaybillIndex) Len() int {
	n := 0
	for _, shifts := range idx.byPlate {
		n += len(shifts)
	}
	return n
}
