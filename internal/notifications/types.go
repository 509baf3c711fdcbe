// Package notifications implements the transient user-facing notices of the console.
package notifications

import (
	"time"
)

// Category represents the kind of notification
type Category string

const (
	CategoryError   Category = "error"
	CategoryWarning Category = "warning"
	CategorySuccess Category = "success"
	CategoryInfo    Category = "info"
)

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	switch c {
	case CategoryError, CategoryWarning, CategorySuccess, CategoryInfo:
		return true
	}
	return false
}

// DefaultTTL is how long a notification stays visible.
const DefaultTTL = 5 * time.Second

// Notification is one transient notice
type Notification struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Dismissed bool      `json:"dismissed"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the notification is still visible at now
func (n Notification) Active(now time.Time) bool {
	return !n.Dismissed && now.Before(n.ExpiresAt)
}

// Filter for querying notifications
type Filter struct {
	Category Category
	// IncludeExpired also returns dismissed and expired notices still in history.
	IncludeExpired bool
	Limit          int
}

// Stats represents notification statistics
type Stats struct {
	Total       int              `json:"total"`
	Active      int              `json:"active"`
	ByCategory  map[Category]int `json:"by_category"`
	LastCreated *time.Time       `json:"last_created,omitempty"`
}

// Message is the envelope used for real-time delivery
type Message struct {
	Type    string       `json:"type"`
	Payload Notification `json:"payload"`
}
