package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetdeck.control/internal/core/domain"
	"fleetdeck.control/internal/core/logger"
	"fleetdeck.control/internal/core/ports"
)

var (
	ErrNameConflict    = errors.New("machine name already registered")
	ErrMachineNotFound = errors.New("machine not found")
	ErrTokenNotFound   = errors.New("join token not found")
	ErrTokenUsed       = errors.New("join token already used")
	ErrTokenExpired    = errors.New("join token expired")
)

const (
	joinTokenTTL       = time.Hour
	remoteProbeTimeout = 10 * time.Second
)

// Machines manages the worker machine pool: registry CRUD, explicit
// health checks, remote scaling, and token-based onboarding.
type Machines struct {
	store    ports.MachineStore
	remote   ports.RemoteRunner
	endpoint string
	now      func() time.Time

	mu sync.Mutex // serializes registry and token read-modify-write cycles
}

func NewMachines(store ports.MachineStore, remote ports.RemoteRunner, endpoint string) *Machines {
	return &Machines{store: store, remote: remote, endpoint: endpoint, now: time.Now}
}

// List returns the registry with cached health merged in. The health
// field of the registry file itself is never trusted.
func (m *Machines) List() []domain.Machine {
	machines := m.store.Machines()
	cache := m.store.HealthCache()
	for i := range machines {
		machines[i].Health = domain.MachineUnknown
		if check, ok := cache.Checks[machines[i].Name]; ok {
			machines[i].Health = check.Health
			machines[i].HealthCheckedAt = check.CheckedAt
		}
	}
	return machines
}

func (m *Machines) Get(name string) (domain.Machine, error) {
	for _, machine := range m.List() {
		if machine.Name == name {
			return machine, nil
		}
	}
	return domain.Machine{}, ErrMachineNotFound
}

func (m *Machines) Create(machine domain.Machine) (domain.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	machines := m.store.Machines()
	for _, existing := range machines {
		if existing.Name == machine.Name {
			return domain.Machine{}, ErrNameConflict
		}
	}
	machine.CreatedAt = m.now().UTC()
	machine.Health = ""
	machine.HealthCheckedAt = time.Time{}
	if machine.Role == "" {
		machine.Role = domain.RoleRemote
	}
	machines = append(machines, machine)
	if err := m.store.WriteMachines(machines); err != nil {
		return domain.Machine{}, err
	}
	return machine, nil
}

func (m *Machines) Update(name string, update domain.Machine) (domain.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	machines := m.store.Machines()
	for i := range machines {
		if machines[i].Name != name {
			continue
		}
		if update.Host != "" {
			machines[i].Host = update.Host
		}
		if update.Role != "" {
			machines[i].Role = update.Role
		}
		if update.MaxWorkers > 0 {
			machines[i].MaxWorkers = update.MaxWorkers
		}
		if update.CredentialsRef != "" {
			machines[i].CredentialsRef = update.CredentialsRef
		}
		if err := m.store.WriteMachines(machines); err != nil {
			return domain.Machine{}, err
		}
		return machines[i], nil
	}
	return domain.Machine{}, ErrMachineNotFound
}

func (m *Machines) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	machines := m.store.Machines()
	kept := machines[:0]
	for _, machine := range machines {
		if machine.Name != name {
			kept = append(kept, machine)
		}
	}
	if len(kept) == len(machines) {
		return ErrMachineNotFound
	}
	return m.store.WriteMachines(kept)
}

// HealthCheck refreshes and caches a machine's health. A local machine
// is checked by inspecting the daemon snapshot directly; a remote one
// by a bounded probe. An unreachable remote records offline, it is not
// an error to the caller.
func (m *Machines) HealthCheck(ctx context.Context, name string) (domain.Machine, error) {
	machine, err := m.Get(name)
	if err != nil {
		return domain.Machine{}, err
	}

	check := domain.HealthCheck{Health: domain.MachineOffline, CheckedAt: m.now().UTC()}
	if machine.Role == domain.RoleLocal {
		if snap := m.store.DaemonSnapshot(); snap != nil && snap.PID > 0 {
			check.Health = domain.MachineOnline
			check.Detail = fmt.Sprintf("daemon pid %d", snap.PID)
		} else {
			check.Detail = "no daemon snapshot"
		}
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, remoteProbeTimeout)
		defer cancel()
		if err := m.remote.Probe(probeCtx, machine.Host); err != nil {
			check.Detail = err.Error()
		} else {
			check.Health = domain.MachineOnline
		}
	}

	m.mu.Lock()
	cache := m.store.HealthCache()
	cache.Checks[machine.Name] = check
	if err := m.store.WriteHealthCache(cache); err != nil {
		logger.Warn("health cache write failed", "machine", machine.Name, "error", err)
	}
	m.mu.Unlock()

	machine.Health = check.Health
	machine.HealthCheckedAt = check.CheckedAt
	return machine, nil
}

// Scale changes a remote machine's worker count.
func (m *Machines) Scale(ctx context.Context, name string, workers int) error {
	machine, err := m.Get(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, remoteProbeTimeout)
	defer cancel()
	return m.remote.SetWorkerCount(ctx, machine.Host, workers)
}

// IssueJoinToken mints a single-use onboarding capability and returns
// the ready-to-run script embedding it.
func (m *Machines) IssueJoinToken(maxWorkers int) (domain.JoinToken, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	token := domain.JoinToken{
		Token:      uuid.New().String(),
		MaxWorkers: maxWorkers,
		CreatedAt:  now,
		ExpiresAt:  now.Add(joinTokenTTL),
	}

	tokens := m.store.JoinTokens()
	kept := tokens[:0]
	for _, t := range tokens {
		if !t.Used && !t.Expired(now) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, token)
	if err := m.store.WriteJoinTokens(kept); err != nil {
		return domain.JoinToken{}, "", err
	}
	return token, joinScript(m.endpoint, token), nil
}

// Redeem consumes a join token. The caller is a headless shell pipe, so
// the result is always a script: on success the onboarding commands, on
// any failure a script that prints the error and exits non-zero. The
// returned error carries the reason for logging and tests. The used
// flag is set through a whole-file rewrite, never an in-place patch.
func (m *Machines) Redeem(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	tokens := m.store.JoinTokens()
	for i := range tokens {
		if tokens[i].Token != token {
			continue
		}
		switch {
		case tokens[i].Used:
			return failScript("join token already used"), ErrTokenUsed
		case tokens[i].Expired(now):
			return failScript("join token expired"), ErrTokenExpired
		}
		tokens[i].Used = true
		if err := m.store.WriteJoinTokens(tokens); err != nil {
			return failScript("token store unavailable"), err
		}
		return onboardScript(m.endpoint, tokens[i]), nil
	}
	return failScript("unknown join token"), ErrTokenNotFound
}

// CleanupJoinTokens drops used and expired tokens. Best effort.
func (m *Machines) CleanupJoinTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	tokens := m.store.JoinTokens()
	kept := tokens[:0]
	for _, t := range tokens {
		if !t.Used && !t.Expired(now) {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(tokens) {
		return
	}
	if err := m.store.WriteJoinTokens(kept); err != nil {
		logger.Warn("join token cleanup failed", "error", err)
	}
}

func joinScript(endpoint string, token domain.JoinToken) string {
	return fmt.Sprintf(`#!/bin/sh
# Run this on the new worker machine to join the fleet.
set -eu
curl -fsSL %s/api/machines/join/%s | sh
`, endpoint, token.Token)
}

func onboardScript(endpoint string, token domain.JoinToken) string {
	return fmt.Sprintf(`#!/bin/sh
set -eu
echo "joining fleet via %s"
FLEET_ENDPOINT=%q
FLEET_MAX_WORKERS=%d
export FLEET_ENDPOINT FLEET_MAX_WORKERS
mkdir -p "$HOME/.fleetdeck"
printf 'endpoint=%%s\nmax_workers=%%s\n' "$FLEET_ENDPOINT" "$FLEET_MAX_WORKERS" > "$HOME/.fleetdeck/worker.conf"
echo "worker configured for $FLEET_ENDPOINT ($FLEET_MAX_WORKERS workers)"
`, endpoint, endpoint, token.MaxWorkers)
}

func failScript(reason string) string {
	return fmt.Sprintf(`#!/bin/sh
echo "error: %s" >&2
exit 1
`, reason)
}
