package services

import (
	"fmt"
	"os"
	"time"

	"fleetdeck.control/internal/core/ports"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health reports on the server's own dependencies: the shared state
// directory and the daemon writing into it. An absent daemon degrades
// the report but never fails it; the server can still observe.
type Health struct {
	stateDir string
	reader   ports.StateReader
	version  string
}

func NewHealth(stateDir string, reader ports.StateReader, version string) *Health {
	if version == "" {
		version = "0.0.1"
	}
	return &Health{stateDir: stateDir, reader: reader, version: version}
}

func (h *Health) Check() *HealthReport {
	now := time.Now().UTC()
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    h.version,
		CheckedAt:  now,
		Components: make(map[string]ComponentHealth),
	}

	stateDir := ComponentHealth{Status: HealthStatusHealthy, CheckedAt: now}
	if info, err := os.Stat(h.stateDir); err != nil || !info.IsDir() {
		stateDir.Status = HealthStatusUnhealthy
		stateDir.Message = fmt.Sprintf("state directory unreadable: %v", err)
		report.Status = HealthStatusUnhealthy
	}
	report.Components["state_dir"] = stateDir

	daemon := ComponentHealth{Status: HealthStatusHealthy, CheckedAt: now}
	snap := h.reader.DaemonSnapshot()
	switch {
	case snap == nil:
		daemon.Status = HealthStatusDegraded
		daemon.Message = "no daemon snapshot"
	case len(h.reader.Heartbeats()) == 0:
		daemon.Status = HealthStatusDegraded
		daemon.Message = "daemon present but no agent heartbeats"
	}
	if daemon.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
		report.Status = HealthStatusDegraded
	}
	report.Components["daemon"] = daemon

	return report
}

// Simple returns a terse status string and matching HTTP status code.
func (h *Health) Simple() (string, int) {
	report := h.Check()
	if report.Status == HealthStatusUnhealthy {
		return string(report.Status), 503
	}
	return string(report.Status), 200
}
