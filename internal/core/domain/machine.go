package domain

import "time"

type MachineRole string

const (
	RoleLocal  MachineRole = "local"
	RoleRemote MachineRole = "remote"
)

type MachineHealth string

const (
	MachineOnline  MachineHealth = "online"
	MachineOffline MachineHealth = "offline"
	MachineUnknown MachineHealth = "unknown"
)

// Machine is a registered worker host. Health is never trusted from the
// registry file alone; it is refreshed by an explicit health check and
// cached with a timestamp.
type Machine struct {
	Name           string      `json:"name"`
	Host           string      `json:"host"`
	Role           MachineRole `json:"role"`
	MaxWorkers     int         `json:"max_workers"`
	CredentialsRef string      `json:"credentials_ref,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`

	Health          MachineHealth `json:"health,omitempty"`
	HealthCheckedAt time.Time     `json:"health_checked_at,omitempty"`
}

// HealthCache is the server-written cache of the last explicit health
// check per machine.
type HealthCache struct {
	Checks map[string]HealthCheck `json:"checks"`
}

type HealthCheck struct {
	Health    MachineHealth `json:"health"`
	CheckedAt time.Time     `json:"checked_at"`
	Detail    string        `json:"detail,omitempty"`
}
