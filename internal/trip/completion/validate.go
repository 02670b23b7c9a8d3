package completion

import (
	"fmt"

	"tripmate/internal/trip/model"
)

// ValidateArrival decides whether an incoming arrived trigger for stopID is
// legitimate under the trip's topology rules. The stop list must already be
// filtered to the active dispatch; deleted stops never participate.
func ValidateArrival(stops []model.Stop, stopID int) (bool, string) {
	idx := -1
	for i, s := range stops {
		if !s.Active() {
			continue
		}
		if s.StopID == stopID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, fmt.Sprintf("stop %d not found or deleted", stopID)
	}
	stop := stops[idx]
	if _, ok := stop.ActionOfType(model.ActionArrived); !ok {
		return false, fmt.Sprintf("stop %d has no arrive action configured", stopID)
	}

	switch model.ClassifyTopology(stops) {
	case model.TopologyFreeFloating:
		return true, ""
	case model.TopologySequential:
		prev, ok := precedingStop(stops, idx, false)
		if !ok {
			return true, ""
		}
		if !prev.AllActionsResponded() {
			return false, fmt.Sprintf("previous stop %d has incomplete actions", prev.StopID)
		}
		return true, ""
	default: // mixed
		if stop.Sequenced != 1 {
			// unsequenced stops carry no ordering constraint
			return true, ""
		}
		prev, ok := precedingStop(stops, idx, true)
		if !ok {
			return true, ""
		}
		if !prev.AllActionsResponded() {
			return false, fmt.Sprintf("previous sequenced stop %d has incomplete actions", prev.StopID)
		}
		return true, ""
	}
}

// precedingStop walks backwards from idx over active stops. With
// sequencedOnly set, unsequenced stops are skipped, which is the mixed-trip
// ordering rule.
func precedingStop(stops []model.Stop, idx int, sequencedOnly bool) (model.Stop, bool) {
	for i := idx - 1; i >= 0; i-- {
		s := stops[i]
		if !s.Active() {
			continue
		}
		if sequencedOnly && s.Sequenced != 1 {
			continue
		}
		return s, true
	}
	return model.Stop{}, false
}
