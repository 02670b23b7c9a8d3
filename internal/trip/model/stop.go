package model

import (
	"math"
	"time"
)

// ActionType enumerates the lifecycle actions a stop can carry.
type ActionType int

const (
	ActionApproach ActionType = 0
	ActionArrived  ActionType = 1
	ActionDeparted ActionType = 2
)

// String returns a readable name for logs.
func (a ActionType) String() string {
	switch a {
	case ActionApproach:
		return "approach"
	case ActionArrived:
		return "arrived"
	case ActionDeparted:
		return "departed"
	}
	return "unknown"
}

// ReasonType describes why an action completion was recorded.
type ReasonType string

const (
	ReasonManual  ReasonType = "MANUAL"
	ReasonAuto    ReasonType = "AUTO"
	ReasonTimeout ReasonType = "TIMEOUT"
)

// TripTopology classifies ordering rules for the active stop list.
type TripTopology int

const (
	TopologySequential TripTopology = iota
	TopologyFreeFloating
	TopologyMixed
)

func (t TripTopology) String() string {
	switch t {
	case TopologySequential:
		return "sequential"
	case TopologyFreeFloating:
		return "free_floating"
	case TopologyMixed:
		return "mixed"
	}
	return "unknown"
}

// GeoPoint describes geographic coordinates (WGS84).
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// DistanceTo returns distance in meters using a haversine approximation.
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	const earthRadius = 6371000.0
	lat1 := toRadians(p.Lat)
	lat2 := toRadians(other.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(other.Lon - p.Lon)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

func toRadians(v float64) float64 {
	return v * math.Pi / 180
}

// Action is one approach/arrived/departed step configured for a stop.
type Action struct {
	ActionType          ActionType
	Radius              float64
	ResponseSent        bool
	TriggerReceived     bool
	TriggerReceivedTime time.Time
	FormID              string
	FormClass           string
	GufType             int
}

// NegativeGufEligible reports whether a missed arrival prompt should be
// treated as an automatic negative acknowledgment.
func (a Action) NegativeGufEligible() bool {
	return a.GufType > 0
}

// Stop is a single delivery stop within a trip.
type Stop struct {
	StopID        int
	DispatchID    string
	Seq           int
	Sequenced     int
	CompletedTime string
	Deleted       int
	Name          string
	Center        GeoPoint
	Polygon       []GeoPoint
	Actions       []Action
}

// Active reports whether the stop participates in ordering and validation.
func (s Stop) Active() bool {
	return s.Deleted == 0
}

// Completed reports terminal stop completion.
func (s Stop) Completed() bool {
	return s.CompletedTime != ""
}

// ActionOfType returns the stop's action with the given type, if configured.
func (s Stop) ActionOfType(t ActionType) (Action, bool) {
	for _, a := range s.Actions {
		if a.ActionType == t {
			return a, true
		}
	}
	return Action{}, false
}

// AllActionsResponded reports whether every configured action has its
// terminal response recorded.
func (s Stop) AllActionsResponded() bool {
	for _, a := range s.Actions {
		if !a.ResponseSent {
			return false
		}
	}
	return true
}

// ClassifyTopology inspects the active stop list and returns its ordering
// class. Deleted stops are skipped.
func ClassifyTopology(stops []Stop) TripTopology {
	sequenced := 0
	total := 0
	for _, s := range stops {
		if !s.Active() {
			continue
		}
		total++
		if s.Sequenced == 1 {
			sequenced++
		}
	}
	switch {
	case total == 0 || sequenced == total:
		return TopologySequential
	case sequenced == 0:
		return TopologyFreeFloating
	}
	return TopologyMixed
}

// ActionEvent is the immutable record submitted to the external event sink
// when an action completes.
type ActionEvent struct {
	EventID       string     `json:"event_id"`
	DispatchID    string     `json:"dispatch_id"`
	StopID        int        `json:"stop_id"`
	ActionType    ActionType `json:"action_type"`
	Reason        ReasonType `json:"reason"`
	OccurredAt    time.Time  `json:"occurred_at"`
	TriggeredAt   time.Time  `json:"triggered_at"`
	Location      GeoPoint   `json:"location"`
	OdometerKM    float64    `json:"odometer_km"`
	FuelLevel     float64    `json:"fuel_level"`
	ArrivalReason string     `json:"arrival_reason,omitempty"`
}
