package services

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetdeck.control/internal/core/domain"
	"fleetdeck.control/internal/core/logger"
	"fleetdeck.control/internal/core/ports"
)

var (
	ErrInviteNotFound = errors.New("invite token not found")
	ErrInviteUsed     = errors.New("invite token already used")
	ErrInviteExpired  = errors.New("invite token expired")
)

const inviteTTL = 24 * time.Hour

// Presence tracks connected developer/machine pairs by heartbeat push.
// The in-memory registry is the working copy, mirrored to disk on every
// mutation so it survives restarts. Presence itself is derived from
// heartbeat age at read time and never stored.
type Presence struct {
	store ports.TeamStore
	now   func() time.Time

	mu         sync.Mutex
	developers map[string]domain.DeveloperPresence
}

func NewPresence(store ports.TeamStore) *Presence {
	return &Presence{
		store:      store,
		now:        time.Now,
		developers: store.Developers(),
	}
}

func presenceKey(developerID, machineID string) string {
	return developerID + "@" + machineID
}

// Heartbeat upserts the pair's record and appends the push to the
// activity log for later replay.
func (p *Presence) Heartbeat(developerID, machineID string, status map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	p.developers[presenceKey(developerID, machineID)] = domain.DeveloperPresence{
		DeveloperID:   developerID,
		MachineID:     machineID,
		Status:        status,
		LastHeartbeat: now,
	}
	if err := p.store.WriteDevelopers(p.developers); err != nil {
		return err
	}
	p.appendActivity("heartbeat", developerID, machineID, now)
	return nil
}

// Disconnect zeroes the pair's last heartbeat so presence resolves to
// offline immediately instead of waiting out the timeout.
func (p *Presence) Disconnect(developerID, machineID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := presenceKey(developerID, machineID)
	dev, ok := p.developers[key]
	if !ok {
		return nil
	}
	now := p.now().UTC()
	dev.LastHeartbeat = time.Time{}
	p.developers[key] = dev
	if err := p.store.WriteDevelopers(p.developers); err != nil {
		return err
	}
	p.appendActivity("disconnect", developerID, machineID, now)
	return nil
}

// Snapshot derives each pair's presence state. Pairs silent beyond the
// retention window are excluded entirely.
func (p *Presence) Snapshot() []domain.DeveloperPresence {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	keys := make([]string, 0, len(p.developers))
	for key := range p.developers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []domain.DeveloperPresence
	for _, key := range keys {
		dev := p.developers[key]
		if !dev.LastHeartbeat.IsZero() && now.Sub(dev.LastHeartbeat) > domain.PresenceRetention {
			continue
		}
		dev.State = dev.StateAt(now)
		out = append(out, dev)
	}
	return out
}

func (p *Presence) appendActivity(kind, developerID, machineID string, at time.Time) {
	entry := map[string]any{
		"kind":         kind,
		"developer_id": developerID,
		"machine_id":   machineID,
		"at":           at,
	}
	if err := p.store.AppendActivity(entry); err != nil {
		logger.Warn("activity log append failed", "error", err)
	}
}

// IssueInvite mints a single-use developer invite.
func (p *Presence) IssueInvite(inviter string) (domain.InviteToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	invite := domain.InviteToken{
		Token:     uuid.New().String(),
		Inviter:   inviter,
		CreatedAt: now,
		ExpiresAt: now.Add(inviteTTL),
	}
	invites := append(p.store.Invites(), invite)
	if err := p.store.WriteInvites(invites); err != nil {
		return domain.InviteToken{}, err
	}
	return invite, nil
}

// VerifyInvite consumes an invite exactly once; the used flag is
// persisted through a whole-file rewrite before success is reported.
func (p *Presence) VerifyInvite(token string) (domain.InviteToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	invites := p.store.Invites()
	for i := range invites {
		if invites[i].Token != token {
			continue
		}
		switch {
		case invites[i].Used:
			return domain.InviteToken{}, ErrInviteUsed
		case invites[i].Expired(now):
			return domain.InviteToken{}, ErrInviteExpired
		}
		invites[i].Used = true
		if err := p.store.WriteInvites(invites); err != nil {
			return domain.InviteToken{}, err
		}
		return invites[i], nil
	}
	return domain.InviteToken{}, ErrInviteNotFound
}

// CleanupInvites drops expired invites. Runs on an interval; best
// effort, log-and-continue.
func (p *Presence) CleanupInvites() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	invites := p.store.Invites()
	kept := invites[:0]
	for _, invite := range invites {
		if !invite.Expired(now) {
			kept = append(kept, invite)
		}
	}
	if len(kept) == len(invites) {
		return
	}
	if err := p.store.WriteInvites(kept); err != nil {
		logger.Warn("invite cleanup failed", "error", err)
	}
}
