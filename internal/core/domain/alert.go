package domain

import "time"

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type AlertKind string

const (
	AlertStuckItem      AlertKind = "stuck_item"
	AlertBudgetPressure AlertKind = "budget_pressure"
	AlertQueueDepth     AlertKind = "queue_depth"
	AlertFailureSpike   AlertKind = "failure_spike"
	AlertStaleHeartbeat AlertKind = "stale_heartbeat"
	AlertDoubleClaim    AlertKind = "double_claim"
)

type RemedyAction string

const (
	ActionPause    RemedyAction = "pause"
	ActionResume   RemedyAction = "resume"
	ActionAbort    RemedyAction = "abort"
	ActionEscalate RemedyAction = "escalate"
)

// Alert is a computed operational condition. Alerts are derived fresh on
// every pass and never stored; the engine only recommends actions, it
// never performs them.
type Alert struct {
	Kind     AlertKind      `json:"kind"`
	Severity AlertSeverity  `json:"severity"`
	Item     string         `json:"item,omitempty"`
	Message  string         `json:"message"`
	RaisedAt time.Time      `json:"raised_at"`
	Actions  []RemedyAction `json:"actions"`
}
