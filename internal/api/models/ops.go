package models

// Health is the liveness and readiness payload.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Time    Timestamp      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
	Checks  []Check        `json:"checks,omitempty"`
}

// Check is the result of probing one dependency.
type Check struct {
	Name     string       `json:"name"`
	Status   HealthStatus `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Duration string       `json:"duration"`
}
