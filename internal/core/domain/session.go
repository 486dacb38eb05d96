package domain

import "time"

// Session is an authenticated observer session. Created only after the
// external permission check passed; persisted so it survives restarts;
// purged lazily when an expiry check sees it has lapsed.
type Session struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Credential string    `json:"credential,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	Authorized bool      `json:"authorized"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
