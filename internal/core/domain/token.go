package domain

import "time"

// JoinToken is a single-use, time-bounded capability for onboarding a
// worker machine. A second redemption fails closed.
type JoinToken struct {
	Token      string    `json:"token"`
	MaxWorkers int       `json:"max_workers"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
}

func (t JoinToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// InviteToken is a single-use invitation for a developer to join the
// team registry.
type InviteToken struct {
	Token     string    `json:"token"`
	Inviter   string    `json:"inviter,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

func (t InviteToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
