package ports

import (
	"context"
	"time"

	"fleetdeck.control/internal/core/domain"
)

// StateReader exposes the on-disk state artifacts to the aggregator.
// Every method is best effort: absent or malformed data comes back as a
// zero value, never as an error, so callers compose reads without
// error-handling boilerplate at each site.
type StateReader interface {
	Events(ctx context.Context, since time.Time) []domain.Event
	DaemonSnapshot() *domain.DaemonSnapshot
	Heartbeats() []domain.Heartbeat
	Machines() []domain.Machine
	HealthCache() domain.HealthCache
	Costs() domain.CostLedger
	Budget() domain.Budget
	JobProgress(item string) (done, total int)
	Paused() bool
	Developers() map[string]domain.DeveloperPresence
}

// MachineStore persists the machine registry, the health-check cache,
// and the join-token file. Writers replace whole files atomically.
type MachineStore interface {
	Machines() []domain.Machine
	WriteMachines(machines []domain.Machine) error
	HealthCache() domain.HealthCache
	WriteHealthCache(cache domain.HealthCache) error
	JoinTokens() []domain.JoinToken
	WriteJoinTokens(tokens []domain.JoinToken) error
	DaemonSnapshot() *domain.DaemonSnapshot
}

// SessionStore persists observer sessions across restarts.
type SessionStore interface {
	Sessions() map[string]domain.Session
	WriteSessions(sessions map[string]domain.Session) error
}

// TeamStore persists the developer registry, invites, and the
// append-only team activity log.
type TeamStore interface {
	Developers() map[string]domain.DeveloperPresence
	WriteDevelopers(developers map[string]domain.DeveloperPresence) error
	Invites() []domain.InviteToken
	WriteInvites(invites []domain.InviteToken) error
	AppendActivity(entry any) error
}

// LabelService is the external label API used as the shared ground truth
// for claim coordination. It offers no compare-and-swap; the claim
// protocol built on top is optimistic by necessity.
type LabelService interface {
	Labels(ctx context.Context, item string) ([]string, error)
	AddLabel(ctx context.Context, item, label string) error
	RemoveLabel(ctx context.Context, item, label string) error
	// FindLabeled returns the work items currently carrying the label.
	FindLabeled(ctx context.Context, label string) ([]string, error)
}

// IdentityProvider is the external identity and permission API.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string) (token string, err error)
	Identity(ctx context.Context, token string) (domain.Identity, error)
	PermissionLevel(ctx context.Context, subject string) (string, error)
}

// RemoteRunner is the secure remote-command channel to registered
// machines. Only two operations exist: a reachability probe and a
// worker-count change. Both must be bounded by the context deadline.
type RemoteRunner interface {
	Probe(ctx context.Context, host string) error
	SetWorkerCount(ctx context.Context, host string, workers int) error
}
