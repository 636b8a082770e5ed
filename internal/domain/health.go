package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but checkouts still run.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency did not answer in time.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status         string
	Checks         map[string]SystemHealthCheck
	Version        string
	CommitSHA      string
	Environment    string
	Uptime         time.Duration
	ActiveSessions int
	GeneratedAt    time.Time
}
