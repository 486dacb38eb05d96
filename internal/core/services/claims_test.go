package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetdeck.control/internal/core/domain"
)

type fakeLabels struct {
	mu     sync.Mutex
	labels map[string][]string
	err    error
	onAdd  func(item, label string)
}

func newFakeLabels() *fakeLabels {
	return &fakeLabels{labels: map[string][]string{}}
}

func (f *fakeLabels) Labels(ctx context.Context, item string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.labels[item]...), nil
}

func (f *fakeLabels) AddLabel(ctx context.Context, item, label string) error {
	f.mu.Lock()
	f.labels[item] = append(f.labels[item], label)
	hook := f.onAdd
	f.mu.Unlock()
	if hook != nil {
		hook(item, label)
	}
	return nil
}

func (f *fakeLabels) RemoveLabel(ctx context.Context, item, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.labels[item][:0]
	for _, l := range f.labels[item] {
		if l != label {
			kept = append(kept, l)
		}
	}
	f.labels[item] = kept
	return nil
}

func (f *fakeLabels) FindLabeled(ctx context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []string
	for item, labels := range f.labels {
		for _, l := range labels {
			if l == label {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

func TestClaimUnclaimedItem(t *testing.T) {
	labels := newFakeLabels()
	claims := NewClaims(labels, nil)

	if err := claims.Claim(context.Background(), "item-1", "agent-a"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	owner, err := claims.Owner(context.Background(), "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "agent-a" {
		t.Errorf("expected owner agent-a, got %q", owner)
	}
}

func TestClaimClaimedItemReportsOwner(t *testing.T) {
	labels := newFakeLabels()
	labels.labels["item-1"] = []string{"bug", "claimed:agent-b"}
	claims := NewClaims(labels, nil)

	err := claims.Claim(context.Background(), "item-1", "agent-a")
	var already *AlreadyClaimedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyClaimedError, got %v", err)
	}
	if already.Owner != "agent-b" {
		t.Errorf("expected owner agent-b in error, got %q", already.Owner)
	}
}

func TestClaimReleaseReclaim(t *testing.T) {
	labels := newFakeLabels()
	claims := NewClaims(labels, nil)
	ctx := context.Background()

	if err := claims.Claim(ctx, "item-1", "agent-a"); err != nil {
		t.Fatal(err)
	}
	if err := claims.Release(ctx, "item-1", "agent-a"); err != nil {
		t.Fatal(err)
	}
	if err := claims.Claim(ctx, "item-1", "agent-b"); err != nil {
		t.Fatalf("reclaim after release failed: %v", err)
	}
}

func TestReleaseWithoutOwnerRemovesAnyClaim(t *testing.T) {
	labels := newFakeLabels()
	labels.labels["item-1"] = []string{"claimed:whoever", "enhancement"}
	claims := NewClaims(labels, nil)

	if err := claims.Release(context.Background(), "item-1", ""); err != nil {
		t.Fatal(err)
	}
	owner, _ := claims.Owner(context.Background(), "item-1")
	if owner != "" {
		t.Errorf("expected no owner after release, got %q", owner)
	}
	if len(labels.labels["item-1"]) != 1 || labels.labels["item-1"][0] != "enhancement" {
		t.Errorf("non-claim labels must survive, got %v", labels.labels["item-1"])
	}
}

func TestReleaseWrongOwnerLeavesClaim(t *testing.T) {
	labels := newFakeLabels()
	labels.labels["item-1"] = []string{"claimed:agent-a"}
	claims := NewClaims(labels, nil)

	if err := claims.Release(context.Background(), "item-1", "agent-b"); err != nil {
		t.Fatal(err)
	}
	owner, _ := claims.Owner(context.Background(), "item-1")
	if owner != "agent-a" {
		t.Errorf("claim by another owner must not be released, got owner %q", owner)
	}
}

func TestClaimRaceIsDetectedNotRepaired(t *testing.T) {
	labels := newFakeLabels()
	// Simulate a competitor landing its label inside our read-then-write
	// window: by the time the post-write check runs, both are present.
	labels.onAdd = func(item, label string) {
		if label == "claimed:agent-a" {
			labels.mu.Lock()
			labels.labels[item] = append(labels.labels[item], "claimed:agent-b")
			labels.mu.Unlock()
		}
	}
	claims := NewClaims(labels, nil)

	if err := claims.Claim(context.Background(), "item-1", "agent-a"); err != nil {
		t.Fatalf("the race loser still gets a success; got %v", err)
	}
	conflicts := claims.Conflicts()
	if len(conflicts) != 1 || conflicts[0] != "item-1" {
		t.Errorf("expected item-1 in conflicts, got %v", conflicts)
	}
	if got := len(labels.labels["item-1"]); got != 2 {
		t.Errorf("both labels must remain on the item, got %d", got)
	}
}

func TestReapStaleReleasesOnlyStaleOwners(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	labels := newFakeLabels()
	labels.labels["item-1"] = []string{"claimed:dead-agent"}
	labels.labels["item-2"] = []string{"claimed:live-agent"}
	reader := &fakeState{heartbeats: []domain.Heartbeat{
		{AgentID: "dead-agent", UpdatedAt: now.Add(-3 * time.Hour)},
		{AgentID: "live-agent", UpdatedAt: now.Add(-time.Minute)},
	}}
	claims := NewClaims(labels, reader)
	claims.now = func() time.Time { return now }

	claims.ReapStale(context.Background())

	if owner, _ := claims.Owner(context.Background(), "item-1"); owner != "" {
		t.Errorf("stale owner's claim should be released, got %q", owner)
	}
	if owner, _ := claims.Owner(context.Background(), "item-2"); owner != "live-agent" {
		t.Errorf("live owner's claim must survive, got %q", owner)
	}
}
