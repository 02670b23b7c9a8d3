package model

import "time"

// Telemetry is the vehicle snapshot captured into action event records.
type Telemetry struct {
	Location   GeoPoint
	OdometerKM float64
	FuelLevel  float64
	At         time.Time
}
