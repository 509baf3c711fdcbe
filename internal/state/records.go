package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ambulink/ambulink/internal/core"
)

// Trips decodes the trips slice
func Trips(s *Store) ([]core.Trip, error) {
	var out []core.Trip
	err := s.GetInto(core.SliceTrips, &out)
	return out, err
}

// Leads decodes the leads slice
func Leads(s *Store) ([]core.Lead, error) {
	var out []core.Lead
	err := s.GetInto(core.SliceLeads, &out)
	return out, err
}

// Ambulances decodes the ambulances slice
func Ambulances(s *Store) ([]core.Ambulance, error) {
	var out []core.Ambulance
	err := s.GetInto(core.SliceAmbulances, &out)
	return out, err
}

// Settings decodes the settings slice
func Settings(s *Store) (core.Settings, error) {
	var out core.Settings
	err := s.GetInto(core.SliceSettings, &out)
	return out, err
}

// AppendItem appends item to a collection slice. When item carries an "id"
// already present in the slice, nothing is written and Unchanged is returned.
func (s *Store) AppendItem(ctx context.Context, slice core.SliceName, item any, opts ...Option) (Outcome, error) {
	if !slice.IsCollection() {
		if !slice.Known() {
			return Unchanged, fmt.Errorf("append: %w: %q", core.ErrUnknownSlice, slice)
		}
		return Unchanged, &ValidationError{Slice: slice, Reason: "append needs a collection slice"}
	}
	encoded, err := encode(item)
	if err != nil {
		return Unchanged, fmt.Errorf("append %s: %w", slice, err)
	}
	id := itemID(encoded)

	return s.Modify(ctx, slice, func(current json.RawMessage) (any, error) {
		var items []json.RawMessage
		if err := json.Unmarshal(current, &items); err != nil {
			return nil, fmt.Errorf("append %s: %w", slice, core.ErrCorruptData)
		}
		if id != "" {
			for _, existing := range items {
				if itemID(existing) == id {
					return nil, ErrNoChange
				}
			}
		}
		return append(items, encoded), nil
	}, opts...)
}

// ContainsItem reports whether a collection slice holds an item with id
func (s *Store) ContainsItem(slice core.SliceName, id string) bool {
	var items []json.RawMessage
	if err := json.Unmarshal(s.Get(slice), &items); err != nil {
		return false
	}
	for _, item := range items {
		if itemID(item) == id {
			return true
		}
	}
	return false
}

func itemID(item json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(item, &probe) != nil {
		return ""
	}
	return probe.ID
}

// AppendTrip validates trip and appends it to the trips slice
func (s *Store) AppendTrip(ctx context.Context, trip core.Trip, opts ...Option) error {
	if err := trip.Validate(); err != nil {
		return err
	}
	if trip.ID == "" {
		trip = core.NewTrip(trip, s.now())
	}
	_, err := s.AppendItem(ctx, core.SliceTrips, trip, opts...)
	return err
}

// AppendLead validates lead and appends it to the leads slice
func (s *Store) AppendLead(ctx context.Context, lead core.Lead, opts ...Option) error {
	if err := lead.Details.Validate(); err != nil {
		return err
	}
	if lead.ID == "" {
		lead = core.NewLead(lead.Details, s.now())
	}
	_, err := s.AppendItem(ctx, core.SliceLeads, lead, opts...)
	return err
}

// UpdateAmbulanceLocation records a position fix for one vehicle
func (s *Store) UpdateAmbulanceLocation(ctx context.Context, id string, pos core.LatLng) error {
	return s.modifyAmbulance(ctx, id, func(a *core.Ambulance) error {
		a.RecordFix(pos, s.now().UTC())
		return nil
	})
}

// SetAmbulanceStatus changes the status of one vehicle
func (s *Store) SetAmbulanceStatus(ctx context.Context, id string, status core.AmbulanceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: ambulance status %q", core.ErrInvalidInput, status)
	}
	return s.modifyAmbulance(ctx, id, func(a *core.Ambulance) error {
		a.Status = status
		return nil
	})
}

func (s *Store) modifyAmbulance(ctx context.Context, id string, fn func(*core.Ambulance) error) error {
	_, err := s.Modify(ctx, core.SliceAmbulances, func(current json.RawMessage) (any, error) {
		var fleet []core.Ambulance
		if err := json.Unmarshal(current, &fleet); err != nil {
			return nil, fmt.Errorf("decode ambulances: %w", core.ErrCorruptData)
		}
		for i := range fleet {
			if fleet[i].ID == id {
				if err := fn(&fleet[i]); err != nil {
					return nil, err
				}
				return fleet, nil
			}
		}
		return nil, fmt.Errorf("ambulance %s: %w", id, core.ErrRecordNotFound)
	})
	return err
}
