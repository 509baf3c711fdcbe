package core

import "time"

// Condition is a metric threshold
type Condition struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
}

// Schedule of a recurring alert or report
type Schedule struct {
	Frequency string     `json:"frequency"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
}

// Alert is a stored alert definition. Alerts are not evaluated by the core.
type Alert struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Condition Condition `json:"condition"`
	Schedule  Schedule  `json:"schedule"`
}

// Report is a stored report definition.
type Report struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Format   string   `json:"format,omitempty"`
	Metrics  []string `json:"metrics,omitempty"`
	Schedule Schedule `json:"schedule"`
}
