package core

import "time"

// AmbulanceStatus is the availability of a vehicle
type AmbulanceStatus string

const (
	AmbulanceActive      AmbulanceStatus = "active"
	AmbulanceAvailable   AmbulanceStatus = "available"
	AmbulanceBusy        AmbulanceStatus = "busy"
	AmbulanceMaintenance AmbulanceStatus = "maintenance"
)

// Valid reports whether s is a known status
func (s AmbulanceStatus) Valid() bool {
	switch s {
	case AmbulanceActive, AmbulanceAvailable, AmbulanceBusy, AmbulanceMaintenance:
		return true
	}
	return false
}

// ServiceInterval between scheduled maintenance visits
const ServiceInterval = 30 * 24 * time.Hour

// MaintenanceRecord is one completed service
type MaintenanceRecord struct {
	At    time.Time `json:"at"`
	Notes string    `json:"notes,omitempty"`
}

// Maintenance schedule of a vehicle
type Maintenance struct {
	LastMaintenance time.Time           `json:"lastMaintenance"`
	NextMaintenance time.Time           `json:"nextMaintenance"`
	History         []MaintenanceRecord `json:"history"`
}

// AmbulanceMetrics are running totals
type AmbulanceMetrics struct {
	TotalDistance  float64 `json:"totalDistance"`
	FuelEfficiency float64 `json:"fuelEfficiency"`
	TripCount      int     `json:"tripCount"`
}

// LocationFix is a timestamped position
type LocationFix struct {
	LatLng
	At time.Time `json:"timestamp"`
}

// AmbulanceLocation is the current position and trail
type AmbulanceLocation struct {
	Current *LatLng       `json:"current"`
	History []LocationFix `json:"history"`
}

// Ambulance is one vehicle of the fleet
type Ambulance struct {
	ID          string            `json:"id"`
	Status      AmbulanceStatus   `json:"status"`
	Maintenance Maintenance       `json:"maintenance"`
	Metrics     AmbulanceMetrics  `json:"metrics"`
	Location    AmbulanceLocation `json:"location"`
}

// DefaultFleet returns the roster a fresh console starts with.
func DefaultFleet() []Ambulance {
	return defaultFleetAt(time.Now().UTC())
}

func defaultFleetAt(now time.Time) []Ambulance {
	return []Ambulance{{
		ID:     "AMB-001",
		Status: AmbulanceActive,
		Maintenance: Maintenance{
			LastMaintenance: now,
			NextMaintenance: now.Add(ServiceInterval),
			History:         []MaintenanceRecord{},
		},
		Location: AmbulanceLocation{History: []LocationFix{}},
	}}
}

// RecordFix sets the current position and appends it to the trail.
func (a *Ambulance) RecordFix(pos LatLng, at time.Time) {
	p := pos
	a.Location.Current = &p
	a.Location.History = append(a.Location.History, LocationFix{LatLng: pos, At: at})
}

// RecordService logs a completed maintenance visit and schedules the next.
func (a *Ambulance) RecordService(at time.Time, notes string) {
	a.Maintenance.History = append(a.Maintenance.History, MaintenanceRecord{At: at, Notes: notes})
	a.Maintenance.LastMaintenance = at
	a.Maintenance.NextMaintenance = at.Add(ServiceInterval)
}

// ServiceDue reports whether the next maintenance date has passed
func (a Ambulance) ServiceDue(now time.Time) bool {
	return !a.Maintenance.NextMaintenance.IsZero() && !now.Before(a.Maintenance.NextMaintenance)
}

// PruneHistory drops location fixes older than retain.
func (a *Ambulance) PruneHistory(now time.Time, retain time.Duration) int {
	cutoff := now.Add(-retain)
	kept := a.Location.History[:0]
	for _, fix := range a.Location.History {
		if !fix.At.Before(cutoff) {
			kept = append(kept, fix)
		}
	}
	dropped := len(a.Location.History) - len(kept)
	a.Location.History = kept
	return dropped
}
