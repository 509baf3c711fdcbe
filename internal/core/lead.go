package core

import (
	"fmt"
	"strings"
	"time"
)

// Urgency of a lead
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Valid reports whether u is one of the known urgency levels
func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// LeadStatus is the sales pipeline state of a lead
type LeadStatus string

const (
	LeadNew           LeadStatus = "new"
	LeadContacted     LeadStatus = "contacted"
	LeadQualified     LeadStatus = "qualified"
	LeadConverted     LeadStatus = "converted"
	LeadLost          LeadStatus = "lost"
	LeadNotInterested LeadStatus = "not-interested"
)

// Terminal reports whether no further follow-up is expected
func (s LeadStatus) Terminal() bool {
	return s == LeadConverted || s == LeadLost
}

// LeadDetails describes the enquiry
type LeadDetails struct {
	Name    string  `json:"name"`
	Service string  `json:"service"`
	Urgency Urgency `json:"urgency"`
	Source  string  `json:"source"`
}

// FollowUp is a scheduled or completed contact with a lead
type FollowUp struct {
	ID            string    `json:"id"`
	LeadID        string    `json:"leadId"`
	ScheduledDate time.Time `json:"scheduledDate"`
	Status        string    `json:"status"`
	Type          string    `json:"type"`
	Notes         string    `json:"notes"`
}

// LeadMetrics tracks pipeline figures
type LeadMetrics struct {
	ConversionProbability int      `json:"conversionProbability"`
	ResponseTime          *float64 `json:"responseTime"`
	Interactions          int      `json:"interactions"`
}

// Assignments tracks who owns a lead
type Assignments struct {
	AssignedTo        *string  `json:"assignedTo"`
	AssignmentHistory []string `json:"assignmentHistory"`
}

// Lead is a prospective customer enquiry
type Lead struct {
	ID          string      `json:"id"`
	Timestamp   Timestamp   `json:"timestamp"`
	Details     LeadDetails `json:"details"`
	Status      LeadStatus  `json:"status"`
	FollowUps   []FollowUp  `json:"followUps"`
	Notes       []string    `json:"notes"`
	Metrics     LeadMetrics `json:"metrics"`
	Assignments Assignments `json:"assignments"`
}

var (
	urgencyScores = map[Urgency]int{UrgencyHigh: 20, UrgencyMedium: 10, UrgencyLow: 0}
	sourceScores  = map[string]int{"referral": 15, "website": 10, "social": 5, "direct": 0}
	followUpDelay = map[Urgency]time.Duration{
		UrgencyHigh:   30 * time.Minute,
		UrgencyMedium: 2 * time.Hour,
		UrgencyLow:    24 * time.Hour,
	}
)

// ConversionProbability scores a lead from its urgency and source, in [0,100].
func ConversionProbability(urgency Urgency, source string) int {
	p := 50 + urgencyScores[urgency] + sourceScores[source]
	return min(max(p, 0), 100)
}

// NewLead stamps a lead with id, timestamps and initial metrics, and
// schedules its first follow-up.
func NewLead(details LeadDetails, now time.Time) Lead {
	if details.Source == "" {
		details.Source = "direct"
	}
	l := Lead{
		ID:        newIDAt(PrefixLead, now),
		Timestamp: Timestamp{Created: now, Updated: now},
		Details:   details,
		Status:    LeadNew,
		FollowUps: []FollowUp{},
		Notes:     []string{},
		Metrics: LeadMetrics{
			ConversionProbability: ConversionProbability(details.Urgency, details.Source),
		},
		Assignments: Assignments{AssignmentHistory: []string{}},
	}
	l.ScheduleFollowUp(now)
	return l
}

// ScheduleFollowUp appends a pending follow-up at the urgency's delay.
// Unknown urgencies use the medium delay.
func (l *Lead) ScheduleFollowUp(now time.Time) FollowUp {
	delay, ok := followUpDelay[l.Details.Urgency]
	if !ok {
		delay = followUpDelay[UrgencyMedium]
	}
	f := FollowUp{
		ID:            newIDAt("FOLLOWUP-", now),
		LeadID:        l.ID,
		ScheduledDate: now.Add(delay),
		Status:        "pending",
		Type:          "initial",
	}
	l.FollowUps = append(l.FollowUps, f)
	return f
}

// Validate checks the lead form rules
func (d LeadDetails) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(d.Service) == "" {
		problems = append(problems, "service is required")
	}
	if !d.Urgency.Valid() {
		problems = append(problems, "invalid urgency level")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
