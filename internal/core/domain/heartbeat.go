package domain

import "time"

type Staleness string

const (
	StaleActive Staleness = "active"
	StaleIdle   Staleness = "idle"
	StaleStale  Staleness = "stale"
)

const (
	heartbeatIdleAfter  = 30 * time.Second
	heartbeatStaleAfter = 120 * time.Second
)

// Heartbeat is a per-agent liveness record, overwritten in place by its
// producer. Staleness is derived from age at read time, never stored.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Item      string    `json:"item,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	CPUPct    float64   `json:"cpu_pct,omitempty"`
	MemMB     float64   `json:"mem_mb,omitempty"`

	// Derived on read, not persisted.
	Staleness Staleness `json:"staleness,omitempty"`
}

// StalenessAt classifies the heartbeat's age at the given instant.
func (h Heartbeat) StalenessAt(now time.Time) Staleness {
	age := now.Sub(h.UpdatedAt)
	switch {
	case age > heartbeatStaleAfter:
		return StaleStale
	case age >= heartbeatIdleAfter:
		return StaleIdle
	default:
		return StaleActive
	}
}
