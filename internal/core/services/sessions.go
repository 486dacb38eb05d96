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
	ErrAuthDisabled  = errors.New("authentication is not configured")
	ErrNotAuthorized = errors.New("identity lacks a permitted access level")
)

const sessionTTL = 24 * time.Hour

// AuthMode is the closed set of gateway variants, selected once at
// startup from configuration. Every variant converges on the same
// authorize(identity) check against the permission allow-list, which
// keeps branching auth logic out of the request path.
type AuthMode string

const (
	AuthDelegated AuthMode = "delegated"
	AuthDirect    AuthMode = "direct"
	AuthDisabled  AuthMode = "disabled"
)

// Sessions authenticates dashboard observers against the external
// identity provider and manages their cookie-bound sessions. Sessions
// persist to disk on every mutation and are re-validated, not just
// trusted, against expiry on every request.
type Sessions struct {
	store    ports.SessionStore
	provider ports.IdentityProvider
	mode     AuthMode
	allowed  map[string]struct{}
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]domain.Session
}

func NewSessions(store ports.SessionStore, provider ports.IdentityProvider, mode AuthMode, allowedLevels []string) *Sessions {
	allowed := make(map[string]struct{}, len(allowedLevels))
	for _, level := range allowedLevels {
		allowed[level] = struct{}{}
	}
	return &Sessions{
		store:    store,
		provider: provider,
		mode:     mode,
		allowed:  allowed,
		now:      time.Now,
		sessions: store.Sessions(),
	}
}

func (s *Sessions) Mode() AuthMode { return s.mode }

// authorize is the single permission check all variants converge on.
func (s *Sessions) authorize(ctx context.Context, subject string) (bool, error) {
	level, err := s.provider.PermissionLevel(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("permission lookup for %s: %w", subject, err)
	}
	_, ok := s.allowed[level]
	return ok, nil
}

// LoginWithCode runs the delegated-authorization flow: exchange the
// one-time code for a token, fetch the identity behind it, and check
// repository permission before minting a session.
func (s *Sessions) LoginWithCode(ctx context.Context, code string) (domain.Session, error) {
	if s.mode != AuthDelegated {
		return domain.Session{}, ErrAuthDisabled
	}
	token, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		return domain.Session{}, fmt.Errorf("code exchange: %w", err)
	}
	identity, err := s.provider.Identity(ctx, token)
	if err != nil {
		return domain.Session{}, fmt.Errorf("identity lookup: %w", err)
	}
	allowed, err := s.authorize(ctx, identity.Login)
	if err != nil {
		return domain.Session{}, err
	}
	if !allowed {
		return domain.Session{}, ErrNotAuthorized
	}
	return s.create(identity, token), nil
}

// VerifyDirect runs the direct-verification flow: the caller claims an
// identity and the server checks its permission with its own held
// credential. No per-user token exists in this mode.
func (s *Sessions) VerifyDirect(ctx context.Context, claimedLogin string) (domain.Session, error) {
	if s.mode != AuthDirect {
		return domain.Session{}, ErrAuthDisabled
	}
	allowed, err := s.authorize(ctx, claimedLogin)
	if err != nil {
		return domain.Session{}, err
	}
	if !allowed {
		return domain.Session{}, ErrNotAuthorized
	}
	return s.create(domain.Identity{Login: claimedLogin}, ""), nil
}

func (s *Sessions) create(identity domain.Identity, credential string) domain.Session {
	now := s.now().UTC()
	session := domain.Session{
		ID:         uuid.New().String(),
		Subject:    identity.Login,
		Credential: credential,
		Avatar:     identity.Avatar,
		Authorized: true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(sessionTTL),
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.persistLocked()
	s.mu.Unlock()
	return session
}

// Validate re-checks a session against expiry. Expired sessions are
// purged lazily here; there is no background sweep.
func (s *Sessions) Validate(id string) (domain.Session, bool) {
	if s.mode == AuthDisabled {
		return domain.Session{Subject: "anonymous", Authorized: true}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	if session.Expired(s.now().UTC()) {
		delete(s.sessions, id)
		s.persistLocked()
		return domain.Session{}, false
	}
	return session, true
}

func (s *Sessions) Logout(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		s.persistLocked()
	}
}

func (s *Sessions) persistLocked() {
	// Mirror-to-disk on every mutation; restart survival beats write
	// volume here, session churn is low.
	if err := s.store.WriteSessions(s.sessions); err != nil {
		logger.Warn("session store write failed", "error", err)
	}
}
