package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetdeck.control/internal/core/logger"
	"fleetdeck.control/internal/core/ports"
)

const (
	claimPrefix     = "claimed:"
	staleClaimAfter = 2 * time.Hour
)

// AlreadyClaimedError reports the owner currently holding the claim.
type AlreadyClaimedError struct {
	Item  string
	Owner string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("work item %s already claimed by %s", e.Item, e.Owner)
}

// Claims arbitrates exclusive ownership of work items. The external
// label API is the only shared ground truth; there is no local lock
// server. The protocol is optimistic check-then-act: two concurrent
// claimants can both pass the read before either write lands. That
// double-claim is an accepted, rare failure mode, surfaced via
// Conflicts() to the alert engine rather than silently repaired.
type Claims struct {
	labels ports.LabelService
	reader ports.StateReader
	now    func() time.Time

	mu        sync.Mutex
	conflicts map[string]struct{}
}

func NewClaims(labels ports.LabelService, reader ports.StateReader) *Claims {
	return &Claims{
		labels:    labels,
		reader:    reader,
		now:       time.Now,
		conflicts: make(map[string]struct{}),
	}
}

// Claim attaches claimed:<owner> to the item unless a claim label is
// already present.
func (c *Claims) Claim(ctx context.Context, item, owner string) error {
	labels, err := c.labels.Labels(ctx, item)
	if err != nil {
		return fmt.Errorf("read labels for %s: %w", item, err)
	}
	for _, label := range labels {
		if strings.HasPrefix(label, claimPrefix) {
			return &AlreadyClaimedError{Item: item, Owner: strings.TrimPrefix(label, claimPrefix)}
		}
	}
	if err := c.labels.AddLabel(ctx, item, claimPrefix+owner); err != nil {
		return fmt.Errorf("add claim label on %s: %w", item, err)
	}

	// Post-write check: if another claimant raced us through the read
	// window, both labels are now present. Record it so the next alert
	// pass makes the collision operationally visible.
	if after, err := c.labels.Labels(ctx, item); err == nil {
		var claimed int
		for _, label := range after {
			if strings.HasPrefix(label, claimPrefix) {
				claimed++
			}
		}
		if claimed > 1 {
			logger.Warn("double claim detected", "item", item, "owner", owner)
			c.mu.Lock()
			c.conflicts[item] = struct{}{}
			c.mu.Unlock()
		}
	}
	return nil
}

// Release removes the claim label. When owner is empty, any claim label
// on the item is removed.
func (c *Claims) Release(ctx context.Context, item, owner string) error {
	labels, err := c.labels.Labels(ctx, item)
	if err != nil {
		return fmt.Errorf("read labels for %s: %w", item, err)
	}
	var released bool
	for _, label := range labels {
		if !strings.HasPrefix(label, claimPrefix) {
			continue
		}
		if owner != "" && label != claimPrefix+owner {
			continue
		}
		if err := c.labels.RemoveLabel(ctx, item, label); err != nil {
			return fmt.Errorf("remove label %s from %s: %w", label, item, err)
		}
		released = true
	}
	if released {
		c.mu.Lock()
		delete(c.conflicts, item)
		c.mu.Unlock()
	}
	return nil
}

// Owner returns the current claim holder, empty when unclaimed.
func (c *Claims) Owner(ctx context.Context, item string) (string, error) {
	labels, err := c.labels.Labels(ctx, item)
	if err != nil {
		return "", err
	}
	for _, label := range labels {
		if strings.HasPrefix(label, claimPrefix) {
			return strings.TrimPrefix(label, claimPrefix), nil
		}
	}
	return "", nil
}

// Conflicts lists the items on which a double claim has been observed
// and not yet released.
func (c *Claims) Conflicts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]string, 0, len(c.conflicts))
	for item := range c.conflicts {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// ReapStale releases every claim held by an owner whose last agent
// heartbeat is older than the stale threshold. Individual failures are
// logged and skipped; one bad item never halts the pass.
func (c *Claims) ReapStale(ctx context.Context) {
	now := c.now().UTC()
	for _, hb := range c.reader.Heartbeats() {
		if now.Sub(hb.UpdatedAt) <= staleClaimAfter {
			continue
		}
		items, err := c.labels.FindLabeled(ctx, claimPrefix+hb.AgentID)
		if err != nil {
			logger.Warn("stale claim enumeration failed", "owner", hb.AgentID, "error", err)
			continue
		}
		for _, item := range items {
			if err := c.Release(ctx, item, hb.AgentID); err != nil {
				logger.Warn("stale claim release failed", "owner", hb.AgentID, "item", item, "error", err)
				continue
			}
			logger.Info("released stale claim", "owner", hb.AgentID, "item", item)
		}
	}
}
