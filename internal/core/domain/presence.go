package domain

import "time"

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceIdle    PresenceState = "idle"
	PresenceOffline PresenceState = "offline"
)

const (
	presenceIdleAfter    = 30 * time.Second
	presenceOfflineAfter = 120 * time.Second

	// PresenceRetention is how long a silent developer/machine pair stays
	// listed (as offline) before being excluded from reads entirely.
	PresenceRetention = 24 * time.Hour
)

// DeveloperPresence tracks one connected developer/machine pair. The
// presence state is derived from heartbeat age at read time, never stored.
type DeveloperPresence struct {
	DeveloperID   string            `json:"developer_id"`
	MachineID     string            `json:"machine_id"`
	Status        map[string]string `json:"status,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`

	// Derived on read.
	State PresenceState `json:"state,omitempty"`
}

// StateAt classifies the pair's presence at the given instant. A zeroed
// LastHeartbeat (explicit disconnect) resolves to offline immediately.
func (p DeveloperPresence) StateAt(now time.Time) PresenceState {
	if p.LastHeartbeat.IsZero() {
		return PresenceOffline
	}
	age := now.Sub(p.LastHeartbeat)
	switch {
	case age >= presenceOfflineAfter:
		return PresenceOffline
	case age >= presenceIdleAfter:
		return PresenceIdle
	default:
		return PresenceOnline
	}
}
