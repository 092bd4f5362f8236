package push

import "time"

// Status is a point-in-time view of the registration pipeline for diagnostics.
type Status struct {
	State            string    `json:"state"`
	Permission       string    `json:"permission"`
	DeviceToken      string    `json:"deviceToken,omitempty"`
	BoundToken       string    `json:"boundToken,omitempty"`
	BackendToken     string    `json:"backendToken,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	RegisterAttempts int       `json:"registerAttempts"`
	Binds            int       `json:"binds"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
