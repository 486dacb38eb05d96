package services

import (
	"fmt"
	"time"

	"fleetdeck.control/internal/core/domain"
)

const (
	stuckItemAfter      = 30 * time.Minute
	staleHeartbeatAfter = 5 * time.Minute
	failureSpikeWindow  = time.Hour
	failureSpikeCount   = 3
	queueWarnDepth      = 10
	queueCritDepth      = 20
	budgetWarnRatio     = 0.80
	budgetCritRatio     = 0.95
)

// Alerts derives operational alerts from a snapshot and the recent
// event history. Alerts are computed every pass and never stored; each
// carries a severity and the remediation actions that are valid for it.
// The engine only recommends, it never acts.
type Alerts struct {
	claims *Claims
}

func NewAlerts(claims *Claims) *Alerts {
	return &Alerts{claims: claims}
}

func (a *Alerts) Evaluate(state domain.FleetState, events []domain.Event, now time.Time) []domain.Alert {
	var alerts []domain.Alert

	for _, p := range state.Pipelines {
		if idle := now.Sub(p.LastTransition); idle > stuckItemAfter {
			alerts = append(alerts, domain.Alert{
				Kind:     domain.AlertStuckItem,
				Severity: domain.SeverityWarning,
				Item:     p.Item,
				Message:  fmt.Sprintf("no stage transition on %s for %s (stage %s)", p.Item, idle.Round(time.Minute), p.Stage),
				RaisedAt: now,
				Actions:  []domain.RemedyAction{domain.ActionAbort, domain.ActionEscalate},
			})
		}
	}

	if state.Budget.LimitUSD > 0 {
		ratio := state.Costs.SpentUSD / state.Budget.LimitUSD
		if ratio > budgetCritRatio {
			alerts = append(alerts, budgetAlert(domain.SeverityCritical, ratio, now))
		} else if ratio > budgetWarnRatio {
			alerts = append(alerts, budgetAlert(domain.SeverityWarning, ratio, now))
		}
	}

	if depth := len(state.Queue); depth > queueCritDepth {
		alerts = append(alerts, queueAlert(domain.SeverityCritical, depth, now))
	} else if depth > queueWarnDepth {
		alerts = append(alerts, queueAlert(domain.SeverityWarning, depth, now))
	}

	var recentFailures int
	for _, ev := range events {
		if ev.Failed() && now.Sub(ev.Timestamp) <= failureSpikeWindow {
			recentFailures++
		}
	}
	if recentFailures > failureSpikeCount {
		alerts = append(alerts, domain.Alert{
			Kind:     domain.AlertFailureSpike,
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("%d failures in the trailing hour", recentFailures),
			RaisedAt: now,
			Actions:  []domain.RemedyAction{domain.ActionPause, domain.ActionEscalate},
		})
	}

	for _, hb := range state.Heartbeats {
		if age := now.Sub(hb.UpdatedAt); age > staleHeartbeatAfter {
			alerts = append(alerts, domain.Alert{
				Kind:     domain.AlertStaleHeartbeat,
				Severity: domain.SeverityWarning,
				Item:     hb.Item,
				Message:  fmt.Sprintf("agent %s silent for %s", hb.AgentID, age.Round(time.Second)),
				RaisedAt: now,
				Actions:  []domain.RemedyAction{domain.ActionEscalate},
			})
		}
	}

	// Double-claims observed by the claim coordinator are an accepted
	// race with the CAS-less label API; they surface here instead of
	// being silently repaired.
	if a.claims != nil {
		for _, item := range a.claims.Conflicts() {
			alerts = append(alerts, domain.Alert{
				Kind:     domain.AlertDoubleClaim,
				Severity: domain.SeverityCritical,
				Item:     item,
				Message:  fmt.Sprintf("work item %s carries more than one claim label", item),
				RaisedAt: now,
				Actions:  []domain.RemedyAction{domain.ActionEscalate},
			})
		}
	}

	return alerts
}

func budgetAlert(sev domain.AlertSeverity, ratio float64, now time.Time) domain.Alert {
	actions := []domain.RemedyAction{domain.ActionPause, domain.ActionEscalate}
	if sev == domain.SeverityCritical {
		actions = []domain.RemedyAction{domain.ActionPause, domain.ActionAbort, domain.ActionEscalate}
	}
	return domain.Alert{
		Kind:     domain.AlertBudgetPressure,
		Severity: sev,
		Message:  fmt.Sprintf("spend at %.0f%% of budget", ratio*100),
		RaisedAt: now,
		Actions:  actions,
	}
}

func queueAlert(sev domain.AlertSeverity, depth int, now time.Time) domain.Alert {
	return domain.Alert{
		Kind:     domain.AlertQueueDepth,
		Severity: sev,
		Message:  fmt.Sprintf("%d items queued", depth),
		RaisedAt: now,
		Actions:  []domain.RemedyAction{domain.ActionPause, domain.ActionEscalate},
	}
}
