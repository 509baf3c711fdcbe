package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TripStatus is the lifecycle state of a trip
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in-progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// PaymentStatus of a trip's charges
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// LatLng is a geographic coordinate
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Timestamp records creation and last update of a record
type Timestamp struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Patient carried on a trip
type Patient struct {
	Name         string `json:"name"`
	Contact      string `json:"contact"`
	Status       string `json:"status,omitempty"`
	CustomStatus string `json:"customStatus,omitempty"`
}

// Place is one end of a trip
type Place struct {
	Hospital    string  `json:"hospital"`
	City        string  `json:"city,omitempty"`
	Coordinates *LatLng `json:"coordinates,omitempty"`
}

// Locations of a trip
type Locations struct {
	Origin      Place `json:"origin"`
	Destination Place `json:"destination"`
}

// Staff assigned to a trip
type Staff struct {
	Driver          string   `json:"driver"`
	Nursing         string   `json:"nursing"`
	AdditionalStaff []string `json:"additionalStaff,omitempty"`
}

// TripDetails holds distance and timing
type TripDetails struct {
	Distance  float64    `json:"distance"`
	Duration  float64    `json:"duration,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Status    TripStatus `json:"status"`
}

// PaymentEntry is one recorded payment
type PaymentEntry struct {
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
	Method string    `json:"method,omitempty"`
}

// Payment state of a trip
type Payment struct {
	Type    string         `json:"type,omitempty"`
	Status  PaymentStatus  `json:"status"`
	History []PaymentEntry `json:"history"`
}

// Expenses incurred by a trip
type Expenses struct {
	Driver        float64 `json:"driver"`
	Fuel          float64 `json:"fuel"`
	Maintenance   float64 `json:"maintenance"`
	NursingStaff  float64 `json:"nursingStaff"`
	Miscellaneous float64 `json:"miscellaneous"`
}

// Total returns the sum of all expense lines
func (e Expenses) Total() float64 {
	return e.Driver + e.Fuel + e.Maintenance + e.NursingStaff + e.Miscellaneous
}

// Allocation of trip profit
type Allocation struct {
	Savings        float64 `json:"savings"`
	FutureProjects float64 `json:"futureProjects"`
}

// Financial summary of a trip
type Financial struct {
	Charges    float64    `json:"charges"`
	Payment    Payment    `json:"payment"`
	Expenses   Expenses   `json:"expenses"`
	Allocation Allocation `json:"allocation"`
}

// TripMetrics are derived figures
type TripMetrics struct {
	ProfitMargin         float64 `json:"profitMargin"`
	Efficiency           float64 `json:"efficiency,omitempty"`
	CustomerSatisfaction float64 `json:"customerSatisfaction,omitempty"`
}

// Trip is a single ambulance run
type Trip struct {
	ID          string      `json:"id"`
	Timestamp   Timestamp   `json:"timestamp"`
	Patient     Patient     `json:"patient"`
	Locations   Locations   `json:"locations"`
	Staff       Staff       `json:"staff"`
	TripDetails TripDetails `json:"tripDetails"`
	Financial   Financial   `json:"financial"`
	Metrics     TripMetrics `json:"metrics"`
}

// NewTrip stamps a trip with a fresh id and timestamps, sets the initial
// trip and payment status, and computes its margin.
func NewTrip(t Trip, now time.Time) Trip {
	t.ID = newIDAt(PrefixTrip, now)
	t.Timestamp = Timestamp{Created: now, Updated: now}
	t.TripDetails.Status = TripScheduled
	t.Financial.Payment.Status = PaymentPending
	if t.Financial.Payment.History == nil {
		t.Financial.Payment.History = []PaymentEntry{}
	}
	t.Metrics.ProfitMargin = t.ProfitMargin()
	return t
}

// ProfitMargin returns (charges - expenses) / charges as a percentage.
func (t Trip) ProfitMargin() float64 {
	charges := t.Financial.Charges
	if charges <= 0 {
		return 0
	}
	return (charges - t.Financial.Expenses.Total()) / charges * 100
}

// Validate checks the fields a trip cannot be dispatched without.
func (t Trip) Validate() error {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("patient.name", t.Patient.Name)
	check("patient.contact", t.Patient.Contact)
	check("locations.origin.hospital", t.Locations.Origin.Hospital)
	check("locations.destination.hospital", t.Locations.Destination.Hospital)
	check("staff.driver", t.Staff.Driver)
	check("staff.nursing", t.Staff.Nursing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	if t.Financial.Charges < 0 || t.TripDetails.Distance < 0 {
		return fmt.Errorf("%w: negative charges or distance", ErrInvalidInput)
	}
	return nil
}

const (
	ratePerKM     = 50.0
	minimumCharge = 500.0
	peakSurcharge = 1.2
)

// SuggestedCharge prices a trip by distance with a peak-hour surcharge.
func SuggestedCharge(distanceKM float64, at time.Time) float64 {
	charge := math.Max(distanceKM*ratePerKM, minimumCharge)
	if IsPeakHour(at) {
		charge *= peakSurcharge
	}
	return charge
}

// IsPeakHour reports whether at falls in 07:00-10:00 or 17:00-20:00.
func IsPeakHour(at time.Time) bool {
	h := at.Hour()
	return (h >= 7 && h <= 10) || (h >= 17 && h <= 20)
}
