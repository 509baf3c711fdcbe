package core

// Settings holds console preferences
type Settings struct {
	Alerts        AlertSettings    `json:"alerts"`
	Tracking      TrackingSettings `json:"tracking"`
	Reports       ReportSettings   `json:"reports"`
	Display       DisplaySettings  `json:"display"`
	Notifications bool             `json:"notifications"`
	Theme         string           `json:"theme"`
	Language      string           `json:"language"`
}

// AlertSettings controls alert checks, frequency in milliseconds
type AlertSettings struct {
	Frequency     int64           `json:"frequency"`
	Notifications ChannelSettings `json:"notifications"`
}

// ChannelSettings toggles notification channels
type ChannelSettings struct {
	Email   bool `json:"email"`
	Browser bool `json:"browser"`
	Mobile  bool `json:"mobile"`
}

// TrackingSettings controls location tracking
type TrackingSettings struct {
	UpdateFrequency   int64 `json:"updateFrequency"`
	RetainHistoryDays int   `json:"retainHistoryDays"`
}

// ReportSettings controls report generation
type ReportSettings struct {
	DefaultFormat string         `json:"defaultFormat"`
	AutoGenerate  AutoGeneration `json:"autoGenerate"`
}

// AutoGeneration toggles periodic reports
type AutoGeneration struct {
	Daily   bool `json:"daily"`
	Weekly  bool `json:"weekly"`
	Monthly bool `json:"monthly"`
}

// DisplaySettings controls formatting
type DisplaySettings struct {
	Currency   string `json:"currency"`
	DateFormat string `json:"dateFormat"`
	TimeFormat string `json:"timeFormat"`
}

// DefaultSettings returns the settings of a fresh console
func DefaultSettings() Settings {
	return Settings{
		Alerts: AlertSettings{
			Frequency:     300000,
			Notifications: ChannelSettings{Email: true, Browser: true},
		},
		Tracking: TrackingSettings{
			UpdateFrequency:   60000,
			RetainHistoryDays: 30,
		},
		Reports: ReportSettings{
			DefaultFormat: "pdf",
			AutoGenerate:  AutoGeneration{Daily: true, Weekly: true, Monthly: true},
		},
		Display: DisplaySettings{
			Currency:   "INR",
			DateFormat: "DD/MM/YYYY",
			TimeFormat: "24h",
		},
		Notifications: true,
		Theme:         "light",
		Language:      "en",
	}
}
