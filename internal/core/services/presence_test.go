package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"fleetdeck.control/internal/core/domain"
)

type fakeTeamStore struct {
	mu         sync.Mutex
	developers map[string]domain.DeveloperPresence
	invites    []domain.InviteToken
	activity   []any
}

func newFakeTeamStore() *fakeTeamStore {
	return &fakeTeamStore{developers: map[string]domain.DeveloperPresence{}}
}

func (f *fakeTeamStore) Developers() map[string]domain.DeveloperPresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.DeveloperPresence, len(f.developers))
	for k, v := range f.developers {
		out[k] = v
	}
	return out
}

func (f *fakeTeamStore) WriteDevelopers(developers map[string]domain.DeveloperPresence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.developers = make(map[string]domain.DeveloperPresence, len(developers))
	for k, v := range developers {
		f.developers[k] = v
	}
	return nil
}

func (f *fakeTeamStore) Invites() []domain.InviteToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.InviteToken(nil), f.invites...)
}

func (f *fakeTeamStore) WriteInvites(invites []domain.InviteToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append([]domain.InviteToken(nil), invites...)
	return nil
}

func (f *fakeTeamStore) AppendActivity(entry any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, entry)
	return nil
}

func TestPresenceStateBands(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		age  time.Duration
		want domain.PresenceState
	}{
		{"fresh heartbeat is online", 5 * time.Second, domain.PresenceOnline},
		{"75s silence is idle", 75 * time.Second, domain.PresenceIdle},
		{"150s silence is offline", 150 * time.Second, domain.PresenceOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPresence(newFakeTeamStore())
			p.now = func() time.Time { return now.Add(-tt.age) }
			if err := p.Heartbeat("dev-1", "laptop", nil); err != nil {
				t.Fatal(err)
			}

			p.now = func() time.Time { return now }
			snap := p.Snapshot()
			if len(snap) != 1 {
				t.Fatalf("expected one record, got %d", len(snap))
			}
			if snap[0].State != tt.want {
				t.Errorf("expected %s, got %s", tt.want, snap[0].State)
			}
		})
	}
}

func TestPresenceDisconnectIsImmediatelyOffline(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := NewPresence(newFakeTeamStore())
	p.now = func() time.Time { return now }

	if err := p.Heartbeat("dev-1", "laptop", nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Disconnect("dev-1", "laptop"); err != nil {
		t.Fatal(err)
	}

	snap := p.Snapshot()
	if len(snap) != 1 || snap[0].State != domain.PresenceOffline {
		t.Errorf("disconnected developer should read offline without waiting out the timeout: %+v", snap)
	}
}

func TestPresenceRetentionDropsLongSilent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := NewPresence(newFakeTeamStore())
	p.now = func() time.Time { return now.Add(-25 * time.Hour) }
	if err := p.Heartbeat("dev-1", "laptop", nil); err != nil {
		t.Fatal(err)
	}

	p.now = func() time.Time { return now }
	if snap := p.Snapshot(); len(snap) != 0 {
		t.Errorf("record past retention should be excluded, got %+v", snap)
	}
}

func TestPresenceSamePairOnTwoMachines(t *testing.T) {
	p := NewPresence(newFakeTeamStore())
	if err := p.Heartbeat("dev-1", "laptop", nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Heartbeat("dev-1", "desktop", nil); err != nil {
		t.Fatal(err)
	}
	if snap := p.Snapshot(); len(snap) != 2 {
		t.Errorf("each developer/machine pair is its own record, got %d", len(snap))
	}
}

func TestPresenceSurvivesRestart(t *testing.T) {
	store := newFakeTeamStore()
	p := NewPresence(store)
	if err := p.Heartbeat("dev-1", "laptop", map[string]string{"branch": "main"}); err != nil {
		t.Fatal(err)
	}

	reloaded := NewPresence(store)
	snap := reloaded.Snapshot()
	if len(snap) != 1 || snap[0].Status["branch"] != "main" {
		t.Errorf("registry must be rebuilt from disk, got %+v", snap)
	}
}

func TestInviteSingleUse(t *testing.T) {
	p := NewPresence(newFakeTeamStore())
	invite, err := p.IssueInvite("dev-admin")
	if err != nil {
		t.Fatal(err)
	}

	verified, err := p.VerifyInvite(invite.Token)
	if err != nil {
		t.Fatalf("first verification failed: %v", err)
	}
	if verified.Inviter != "dev-admin" {
		t.Errorf("expected inviter dev-admin, got %q", verified.Inviter)
	}

	if _, err := p.VerifyInvite(invite.Token); !errors.Is(err, ErrInviteUsed) {
		t.Errorf("second verification should fail closed, got %v", err)
	}
	if _, err := p.VerifyInvite("no-such-token"); !errors.Is(err, ErrInviteNotFound) {
		t.Errorf("expected ErrInviteNotFound, got %v", err)
	}
}

func TestInviteExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := NewPresence(newFakeTeamStore())
	p.now = func() time.Time { return now }

	invite, err := p.IssueInvite("")
	if err != nil {
		t.Fatal(err)
	}

	p.now = func() time.Time { return now.Add(25 * time.Hour) }
	if _, err := p.VerifyInvite(invite.Token); !errors.Is(err, ErrInviteExpired) {
		t.Errorf("expected ErrInviteExpired, got %v", err)
	}

	p.CleanupInvites()
	if invites := p.store.Invites(); len(invites) != 0 {
		t.Errorf("expired invites should be cleaned up, got %+v", invites)
	}
}
