package store

import "time"

// Account is one synced editor account. Token and machine-fingerprint
// columns hold ciphertext at rest; Manager methods accept and return
// plaintext, doing the field encryption at the database boundary.
type Account struct {
	ID    string `gorm:"primaryKey" json:"id"` // UUID
	Email string `gorm:"uniqueIndex" json:"email"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Password     string `json:"password,omitempty"`

	// MachineIDs carries the telemetry fingerprint keys, JSON-encoded
	// with each value encrypted independently.
	MachineIDs     map[string]string `gorm:"-" json:"machine_ids,omitempty"`
	MachineIDsJSON string            `gorm:"column:machine_ids" json:"-"`

	StorePath string `json:"store_path,omitempty"`

	MembershipType     string  `json:"membership_type"`
	SubscriptionStatus string  `json:"subscription_status,omitempty"`
	DaysRemaining      int     `json:"days_remaining"`
	Used               int64   `json:"used"`
	Quota              int64   `json:"quota"`
	UsagePercent       float64 `json:"usage_percent"`

	TotalCost       float64 `json:"total_cost"`
	AccumulatedCost float64 `json:"accumulated_cost"`
	UnpaidAmount    float64 `json:"unpaid_amount"`
	TotalTokens     int64   `json:"total_tokens"`
	EventCount      int     `json:"event_count"`

	ModelUsageJSON string `gorm:"column:model_usage" json:"-"`

	LastRefreshTime *time.Time `json:"last_refresh_time,omitempty"`
	LastUsed        *time.Time `json:"last_used,omitempty"`

	IsInvalid bool   `json:"is_invalid"`
	Notes     string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
