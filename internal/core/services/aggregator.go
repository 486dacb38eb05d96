package services

import (
	"context"
	"sort"
	"time"

	"fleetdeck.control/internal/core/domain"
	"fleetdeck.control/internal/core/ports"
)

const defaultLookback = 7 * 24 * time.Hour

// Aggregator assembles one consistent FleetState snapshot per call. It
// is a pure function of current disk state: no caching, no side
// effects, bounded by the lookback window rather than all of history.
type Aggregator struct {
	reader   ports.StateReader
	lookback time.Duration
	now      func() time.Time
}

func NewAggregator(reader ports.StateReader, lookback time.Duration) *Aggregator {
	if lookback <= 0 {
		lookback = defaultLookback
	}
	return &Aggregator{reader: reader, lookback: lookback, now: time.Now}
}

// Aggregate builds a fresh snapshot. The returned value is never
// mutated afterwards; observers always see it wholesale.
func (a *Aggregator) Aggregate(ctx context.Context) domain.FleetState {
	now := a.now().UTC()
	state := domain.FleetState{
		GeneratedAt: now,
		Paused:      a.reader.Paused(),
		Costs:       a.reader.Costs(),
		Budget:      a.reader.Budget(),
	}

	state.Daemon = a.reader.DaemonSnapshot()
	if state.Daemon != nil {
		state.Queue = state.Daemon.Queued
		for _, job := range state.Daemon.Active {
			done, total := a.reader.JobProgress(job.Item)
			state.Pipelines = append(state.Pipelines, domain.Pipeline{
				Item:           job.Item,
				Stage:          job.Stage,
				Worker:         job.Worker,
				StartedAt:      job.StartedAt,
				StepsDone:      done,
				StepsTotal:     total,
				LastTransition: job.StartedAt,
			})
		}
	}

	// One replay of the recent event log: attach completed-stage history
	// to each active pipeline, tally completions, and pull the latest
	// autoscale decision. Last event in timestamp order wins; equal
	// timestamps resolve by arrival order in the log.
	events := a.reader.Events(ctx, now.Add(-a.lookback))
	byItem := make(map[string]*domain.Pipeline, len(state.Pipelines))
	for i := range state.Pipelines {
		byItem[state.Pipelines[i].Item] = &state.Pipelines[i]
	}
	for _, ev := range events {
		switch ev.Type {
		case domain.EventStageComplete:
			if p, ok := byItem[ev.Item]; ok {
				p.CompletedStages = append(p.CompletedStages, domain.StageRecord{
					Stage:      ev.Stage,
					FinishedAt: ev.Timestamp,
					Duration:   ev.Duration,
				})
				if ev.Timestamp.After(p.LastTransition) {
					p.LastTransition = ev.Timestamp
				}
			}
		case domain.EventComplete:
			if ev.Succeeded() {
				state.Completed++
			} else if ev.Failed() {
				state.Failed++
			}
		case domain.EventAutoscale:
			ev := ev
			state.Autoscale = &ev
		}
	}

	state.Heartbeats = a.reader.Heartbeats()
	for i := range state.Heartbeats {
		state.Heartbeats[i].Staleness = state.Heartbeats[i].StalenessAt(now)
	}

	cache := a.reader.HealthCache()
	state.Machines = a.reader.Machines()
	for i := range state.Machines {
		state.Machines[i].Health = domain.MachineUnknown
		if check, ok := cache.Checks[state.Machines[i].Name]; ok {
			state.Machines[i].Health = check.Health
			state.Machines[i].HealthCheckedAt = check.CheckedAt
		}
	}

	if developers := a.reader.Developers(); len(developers) > 0 {
		team := &domain.TeamState{}
		keys := make([]string, 0, len(developers))
		for key := range developers {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			dev := developers[key]
			if !dev.LastHeartbeat.IsZero() && now.Sub(dev.LastHeartbeat) > domain.PresenceRetention {
				continue
			}
			dev.State = dev.StateAt(now)
			team.Developers = append(team.Developers, dev)
		}
		state.Team = team
	}

	return state
}
