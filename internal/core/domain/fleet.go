package domain

import "time"

// DaemonSnapshot is the most-recent-wins record a pipeline daemon
// overwrites wholesale on every poll. Two snapshots are never merged;
// the last write wins.
type DaemonSnapshot struct {
	PID          int         `json:"pid"`
	StartedAt    time.Time   `json:"started_at"`
	MaxParallel  int         `json:"max_parallel"`
	PollInterval int         `json:"poll_interval_secs"`
	Active       []ActiveJob `json:"active"`
	Queued       []QueueItem `json:"queued"`
}

type ActiveJob struct {
	Item      string    `json:"item"`
	Stage     string    `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	Worker    string    `json:"worker,omitempty"`
}

type QueueItem struct {
	Item     string    `json:"item"`
	Priority int       `json:"priority"`
	QueuedAt time.Time `json:"queued_at"`
}

// Pipeline is an active job enriched with per-job log progress and the
// completed-stage history replayed from the event log.
type Pipeline struct {
	Item            string        `json:"item"`
	Stage           string        `json:"stage"`
	Worker          string        `json:"worker,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	StepsDone       int           `json:"steps_done"`
	StepsTotal      int           `json:"steps_total"`
	CompletedStages []StageRecord `json:"completed_stages,omitempty"`
	LastTransition  time.Time     `json:"last_transition"`
}

type StageRecord struct {
	Stage      string    `json:"stage"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   float64   `json:"duration_secs"`
}

type CostLedger struct {
	SpentUSD  float64   `json:"spent_usd"`
	Entries   int       `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Budget struct {
	LimitUSD float64 `json:"limit_usd"`
	Period   string  `json:"period,omitempty"`
}

// FleetState is the complete point-in-time view published to observers.
// It is assembled fresh on every aggregation pass and never mutated in
// place, so a subscriber can never observe a torn read.
type FleetState struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Daemon      *DaemonSnapshot `json:"daemon,omitempty"`
	Paused      bool            `json:"paused"`
	Pipelines   []Pipeline      `json:"pipelines"`
	Queue       []QueueItem     `json:"queue"`
	Completed   int             `json:"completed"`
	Failed      int             `json:"failed"`
	Heartbeats  []Heartbeat     `json:"heartbeats"`
	Machines    []Machine       `json:"machines"`
	Costs       CostLedger      `json:"costs"`
	Budget      Budget          `json:"budget"`
	Autoscale   *Event          `json:"autoscale,omitempty"`
	Team        *TeamState      `json:"team,omitempty"`
}

// TeamState is present only when at least one developer has ever pushed
// a presence heartbeat.
type TeamState struct {
	Developers []DeveloperPresence `json:"developers"`
}
