package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fleetdeck.control/internal/adapters/store"
	"fleetdeck.control/internal/core/domain"
	"fleetdeck.control/internal/core/services"
)

const sessionCookie = "fleet_session"

type Server struct {
	router *chi.Mux

	aggregator *services.Aggregator
	dora       *services.Dora
	alerts     *services.Alerts
	claims     *services.Claims
	machines   *services.Machines
	presence   *services.Presence
	sessions   *services.Sessions
	health     *services.Health
	store      *store.Store
	hub        *Hub
	lookback   time.Duration
}

type Deps struct {
	Aggregator *services.Aggregator
	Dora       *services.Dora
	Alerts     *services.Alerts
	Claims     *services.Claims
	Machines   *services.Machines
	Presence   *services.Presence
	Sessions   *services.Sessions
	Health     *services.Health
	Store      *store.Store
	Hub        *Hub
	Lookback   time.Duration
}

func NewServer(deps Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		aggregator: deps.Aggregator,
		dora:       deps.Dora,
		alerts:     deps.Alerts,
		claims:     deps.Claims,
		machines:   deps.Machines,
		presence:   deps.Presence,
		sessions:   deps.Sessions,
		health:     deps.Health,
		store:      deps.Store,
		hub:        deps.Hub,
		lookback:   deps.Lookback,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	s.router.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.router.Get("/health/ready", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)

	s.router.Get("/api/ws", s.handleWS)
	s.router.Get("/api/state", s.handleState)

	// Auth endpoints stay outside the session gate.
	s.router.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
		r.Post("/verify", s.handleVerify)
		r.Post("/logout", s.handleLogout)
		r.Get("/session", s.handleSession)
	})

	// Join-token redemption is consumed by a headless shell pipe.
	s.router.Get("/api/machines/join/{token}", s.handleRedeemJoinToken)

	// Worker- and developer-facing pushes.
	s.router.Post("/api/team/heartbeat", s.handleTeamHeartbeat)
	s.router.Post("/api/team/disconnect", s.handleTeamDisconnect)
	s.router.Post("/api/team/invites/{token}/verify", s.handleVerifyInvite)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/metrics/dora", s.handleDora)
		r.Get("/api/alerts", s.handleAlerts)

		r.Route("/api/items/{item}", func(r chi.Router) {
			r.Get("/", s.handleItemDetail)
			r.Get("/logs", s.handleItemLogs)
			r.Get("/artifacts", s.handleItemArtifacts)
			r.Post("/control", s.handleItemControl)
			r.Get("/claim", s.handleClaimOwner)
			r.Post("/claim", s.handleClaim)
			r.Post("/release", s.handleRelease)
		})
		r.Post("/api/control", s.handleBulkControl)
		r.Post("/api/pause", s.handlePause)
		r.Post("/api/resume", s.handleResume)
		r.Post("/api/emergency-brake", s.handleEmergencyBrake)

		r.Route("/api/machines", func(r chi.Router) {
			r.Get("/", s.handleListMachines)
			r.Post("/", s.handleCreateMachine)
			r.Put("/{name}", s.handleUpdateMachine)
			r.Delete("/{name}", s.handleDeleteMachine)
			r.Post("/{name}/health-check", s.handleHealthCheck)
			r.Post("/{name}/scale", s.handleScale)
			r.Post("/join-token", s.handleIssueJoinToken)
		})

		r.Post("/api/team/invites", s.handleIssueInvite)
	})
}

// requireSession re-validates the cookie-bound session against expiry
// on every request. With auth disabled everything passes through.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sessions.Mode() == services.AuthDisabled {
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			respondError(w, http.StatusUnauthorized, errors.New("no session"))
			return
		}
		if _, ok := s.sessions.Validate(cookie.Value); !ok {
			respondError(w, http.StatusUnauthorized, errors.New("session expired"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.health.Simple()
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check()
	code := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.aggregator.Aggregate(r.Context()))
}

func (s *Server) handleDora(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	events := s.store.Events(r.Context(), now.Add(-time.Duration(s.dora.PeriodDays())*24*time.Hour))
	respondJSON(w, http.StatusOK, s.dora.Report(events, now))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	state := s.aggregator.Aggregate(r.Context())
	events := s.store.Events(r.Context(), now.Add(-s.lookback))
	alerts := s.alerts.Evaluate(state, events, now)
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleItemDetail(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	state := s.aggregator.Aggregate(r.Context())
	for _, p := range state.Pipelines {
		if p.Item == item {
			respondJSON(w, http.StatusOK, p)
			return
		}
	}
	// Not active: return whatever history the event log still holds.
	var history []domain.Event
	for _, ev := range s.store.Events(r.Context(), time.Now().UTC().Add(-s.lookback)) {
		if ev.Item == item {
			history = append(history, ev)
		}
	}
	if len(history) == 0 {
		respondError(w, http.StatusNotFound, errors.New("unknown work item"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"item": item, "events": history})
}

func (s *Server) handleItemLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(s.store.JobLog(chi.URLParam(r, "item"))))
}

func (s *Server) handleItemArtifacts(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	respondJSON(w, http.StatusOK, map[string]any{"item": item, "artifacts": s.store.Artifacts(item)})
}

type controlRequest struct {
	Action string   `json:"action"` // pause, resume, abort, message, skip
	Text   string   `json:"text,omitempty"`
	From   string   `json:"from,omitempty"`
	Stage  string   `json:"stage,omitempty"`
	Items  []string `json:"items,omitempty"` // bulk form only
}

func (s *Server) applyControl(item string, req controlRequest) error {
	switch req.Action {
	case "message":
		return s.store.WriteMessage(item, req.From, req.Text)
	case "skip":
		return s.store.WriteSkipMarker(item, req.Stage)
	case "pause", "resume", "abort":
		// Workers poll their message file for control directives.
		return s.store.WriteMessage(item, req.From, req.Action)
	default:
		return errors.New("unknown action: " + req.Action)
	}
}

func (s *Server) handleItemControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.applyControl(chi.URLParam(r, "item"), req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleBulkControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("items is required"))
		return
	}
	results := map[string]string{}
	for _, item := range req.Items {
		if err := s.applyControl(item, req); err != nil {
			results[item] = err.Error()
		} else {
			results[item] = "accepted"
		}
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(true); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(false); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleEmergencyBrake pauses everything at once: the global flag plus
// a pause directive for every active pipeline.
func (s *Server) handleEmergencyBrake(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(true); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	state := s.aggregator.Aggregate(r.Context())
	for _, p := range state.Pipelines {
		if err := s.store.WriteMessage(p.Item, "emergency-brake", "pause"); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "braked", "paused_items": len(state.Pipelines)})
}

type claimRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		respondError(w, http.StatusBadRequest, errors.New("owner is required"))
		return
	}
	item := chi.URLParam(r, "item")
	err := s.claims.Claim(r.Context(), item, req.Owner)
	var claimed *services.AlreadyClaimedError
	switch {
	case errors.As(err, &claimed):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": claimed.Error(),
			"owner": claimed.Owner,
		})
	case err != nil:
		respondError(w, http.StatusBadGateway, err)
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "claimed", "item": item, "owner": req.Owner})
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	item := chi.URLParam(r, "item")
	if err := s.claims.Release(r.Context(), item, req.Owner); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released", "item": item})
}

func (s *Server) handleClaimOwner(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	owner, err := s.claims.Owner(r.Context(), item)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"item": item, "owner": owner, "claimed": owner != ""})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"machines": s.machines.List()})
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var machine domain.Machine
	if err := decodeJSON(r, &machine); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(machine.Name) == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	created, err := s.machines.Create(machine)
	switch {
	case errors.Is(err, services.ErrNameConflict):
		respondError(w, http.StatusConflict, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusCreated, created)
	}
}

func (s *Server) handleUpdateMachine(w http.ResponseWriter, r *http.Request) {
	var update domain.Machine
	if err := decodeJSON(r, &update); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.machines.Update(chi.URLParam(r, "name"), update)
	switch {
	case errors.Is(err, services.ErrMachineNotFound):
		respondError(w, http.StatusNotFound, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	err := s.machines.Delete(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, services.ErrMachineNotFound):
		respondError(w, http.StatusNotFound, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	machine, err := s.machines.HealthCheck(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, services.ErrMachineNotFound):
		respondError(w, http.StatusNotFound, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, machine)
	}
}

type scaleRequest struct {
	Workers int `json:"workers"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Workers < 0 {
		respondError(w, http.StatusBadRequest, errors.New("workers must be >= 0"))
		return
	}
	err := s.machines.Scale(r.Context(), chi.URLParam(r, "name"), req.Workers)
	switch {
	case errors.Is(err, services.ErrMachineNotFound):
		respondError(w, http.StatusNotFound, err)
	case err != nil:
		respondError(w, http.StatusBadGateway, err)
	default:
		respondJSON(w, http.StatusOK, map[string]any{"status": "scaled", "workers": req.Workers})
	}
}

type joinTokenRequest struct {
	MaxWorkers int `json:"max_workers"`
}

func (s *Server) handleIssueJoinToken(w http.ResponseWriter, r *http.Request) {
	var req joinTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.MaxWorkers <= 0 {
		req.MaxWorkers = 1
	}
	token, script, err := s.machines.IssueJoinToken(req.MaxWorkers)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"token":      token.Token,
		"expires_at": token.ExpiresAt,
		"script":     script,
	})
}

// handleRedeemJoinToken always answers with a shell script, exit status
// encoded in the script itself: the consumer is `curl | sh`, not a
// program that inspects HTTP status codes.
func (s *Server) handleRedeemJoinToken(w http.ResponseWriter, r *http.Request) {
	// The failure script exits non-zero on the caller's side; status
	// stays 200 either way so the pipe always gets a script to run.
	script, _ := s.machines.Redeem(chi.URLParam(r, "token"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(script))
}

type heartbeatRequest struct {
	DeveloperID string            `json:"developer_id"`
	MachineID   string            `json:"machine_id"`
	Status      map[string]string `json:"status,omitempty"`
}

func (s *Server) handleTeamHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.DeveloperID == "" || req.MachineID == "" {
		respondError(w, http.StatusBadRequest, errors.New("developer_id and machine_id are required"))
		return
	}
	if err := s.presence.Heartbeat(req.DeveloperID, req.MachineID, req.Status); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTeamDisconnect(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.presence.Disconnect(req.DeveloperID, req.MachineID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type inviteRequest struct {
	Inviter string `json:"inviter,omitempty"`
}

func (s *Server) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	invite, err := s.presence.IssueInvite(req.Inviter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, invite)
}

func (s *Server) handleVerifyInvite(w http.ResponseWriter, r *http.Request) {
	invite, err := s.presence.VerifyInvite(chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, services.ErrInviteNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInviteUsed), errors.Is(err, services.ErrInviteExpired):
		respondError(w, http.StatusGone, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, invite)
	}
}

type loginRequest struct {
	Code  string `json:"code,omitempty"`
	Login string `json:"login,omitempty"`
}

func (s *Server) setSessionCookie(w http.ResponseWriter, session domain.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.sessions.LoginWithCode(r.Context(), req.Code)
	s.respondAuth(w, session, err)
}

// handleCallback is the redirect target of the delegated flow: the
// provider sends the browser here with a one-time code in the query.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	session, err := s.sessions.LoginWithCode(r.Context(), code)
	if err != nil {
		s.respondAuth(w, session, err)
		return
	}
	s.setSessionCookie(w, session)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.sessions.VerifyDirect(r.Context(), req.Login)
	s.respondAuth(w, session, err)
}

func (s *Server) respondAuth(w http.ResponseWriter, session domain.Session, err error) {
	switch {
	case errors.Is(err, services.ErrAuthDisabled):
		respondError(w, http.StatusNotImplemented, err)
	case errors.Is(err, services.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, err)
	case err != nil:
		respondError(w, http.StatusBadGateway, err)
	default:
		s.setSessionCookie(w, session)
		respondJSON(w, http.StatusOK, map[string]any{
			"subject":    session.Subject,
			"avatar":     session.Avatar,
			"expires_at": session.ExpiresAt,
		})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		respondError(w, http.StatusUnauthorized, errors.New("no session"))
		return
	}
	session, ok := s.sessions.Validate(cookie.Value)
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.New("session expired"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subject":    session.Subject,
		"avatar":     session.Avatar,
		"expires_at": session.ExpiresAt,
	})
}
