package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"fleetdeck.control/internal/core/domain"
)

// Store reads and writes the state artifacts under one well-known root
// directory. Reads are best effort: a missing file, an unreadable file,
// or a malformed record is "no data yet", never an error. All writes go
// through the temp-file-then-rename pattern.
type Store struct {
	root   string
	events *eventDB
}

func NewStore(root string) *Store {
	return &Store{root: root, events: openEventDB(filepath.Join(root, "events.db"))}
}

func (s *Store) Root() string { return s.root }

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *Store) DaemonSnapshot() *domain.DaemonSnapshot {
	var snap domain.DaemonSnapshot
	if !readJSON(s.path("daemon.json"), &snap) {
		return nil
	}
	return &snap
}

func (s *Store) Heartbeats() []domain.Heartbeat {
	entries, err := os.ReadDir(s.path("heartbeats"))
	if err != nil {
		return nil
	}
	var beats []domain.Heartbeat
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var hb domain.Heartbeat
		if readJSON(s.path("heartbeats", entry.Name()), &hb) {
			beats = append(beats, hb)
		}
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].AgentID < beats[j].AgentID })
	return beats
}

func (s *Store) Machines() []domain.Machine {
	var machines []domain.Machine
	readJSON(s.path("machines.json"), &machines)
	return machines
}

func (s *Store) WriteMachines(machines []domain.Machine) error {
	return WriteJSONAtomic(s.path("machines.json"), machines)
}

func (s *Store) Costs() domain.CostLedger {
	var ledger domain.CostLedger
	readJSON(s.path("costs.json"), &ledger)
	return ledger
}

func (s *Store) Budget() domain.Budget {
	var budget domain.Budget
	readJSON(s.path("budget.json"), &budget)
	return budget
}

// JobProgress reads the per-job progress counters the pipeline worker
// maintains alongside its log.
func (s *Store) JobProgress(item string) (done, total int) {
	var progress struct {
		StepsDone  int `json:"steps_done"`
		StepsTotal int `json:"steps_total"`
	}
	readJSON(s.path("jobs", item+".json"), &progress)
	return progress.StepsDone, progress.StepsTotal
}

// JobLog returns the raw per-job log text, empty when absent.
func (s *Store) JobLog(item string) string {
	data, err := os.ReadFile(s.path("logs", item+".log"))
	if err != nil {
		return ""
	}
	return string(data)
}

// Artifacts lists the artifact filenames recorded for a work item.
func (s *Store) Artifacts(item string) []string {
	entries, err := os.ReadDir(s.path("artifacts", item))
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (s *Store) Paused() bool {
	_, err := os.Stat(s.path("paused.flag"))
	return err == nil
}

func (s *Store) SetPaused(paused bool) error {
	path := s.path("paused.flag")
	if !paused {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return WriteFileAtomic(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"))
}

// WriteMessage leaves a human-intervention message for a work item's
// worker to pick up.
func (s *Store) WriteMessage(item, from, text string) error {
	msg := map[string]any{
		"item": item,
		"from": from,
		"text": text,
		"at":   time.Now().UTC(),
	}
	return WriteJSONAtomic(s.path("messages", item+".json"), msg)
}

// WriteSkipMarker flags the current stage of a work item for skipping.
func (s *Store) WriteSkipMarker(item, stage string) error {
	marker := map[string]any{
		"item":  item,
		"stage": stage,
		"at":    time.Now().UTC(),
	}
	return WriteJSONAtomic(s.path("skip", item+".json"), marker)
}

func (s *Store) HealthCache() domain.HealthCache {
	cache := domain.HealthCache{Checks: map[string]domain.HealthCheck{}}
	readJSON(s.path("health_cache.json"), &cache)
	if cache.Checks == nil {
		cache.Checks = map[string]domain.HealthCheck{}
	}
	return cache
}

func (s *Store) WriteHealthCache(cache domain.HealthCache) error {
	return WriteJSONAtomic(s.path("health_cache.json"), cache)
}

func (s *Store) JoinTokens() []domain.JoinToken {
	var tokens []domain.JoinToken
	readJSON(s.path("join_tokens.json"), &tokens)
	return tokens
}

// WriteJoinTokens replaces the whole token file. Redemption marks a
// token used through this full overwrite, never an in-place patch.
func (s *Store) WriteJoinTokens(tokens []domain.JoinToken) error {
	return WriteJSONAtomic(s.path("join_tokens.json"), tokens)
}

func (s *Store) Invites() []domain.InviteToken {
	var invites []domain.InviteToken
	readJSON(s.path("invites.json"), &invites)
	return invites
}

func (s *Store) WriteInvites(invites []domain.InviteToken) error {
	return WriteJSONAtomic(s.path("invites.json"), invites)
}

func (s *Store) Sessions() map[string]domain.Session {
	sessions := map[string]domain.Session{}
	readJSON(s.path("sessions.json"), &sessions)
	return sessions
}

func (s *Store) WriteSessions(sessions map[string]domain.Session) error {
	return WriteJSONAtomic(s.path("sessions.json"), sessions)
}

func (s *Store) Developers() map[string]domain.DeveloperPresence {
	developers := map[string]domain.DeveloperPresence{}
	readJSON(s.path("team", "developers.json"), &developers)
	return developers
}

func (s *Store) WriteDevelopers(developers map[string]domain.DeveloperPresence) error {
	return WriteJSONAtomic(s.path("team", "developers.json"), developers)
}

// AppendActivity records one entry in the append-only team activity log.
// The log is audit data, not shared state: a single O_APPEND write per
// entry, no rename dance.
func (s *Store) AppendActivity(entry any) error {
	path := s.path("team", "activity.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
