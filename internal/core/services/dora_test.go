package services

import (
	"math"
	"testing"
	"time"

	"fleetdeck.control/internal/core/domain"
)

func completion(at time.Time, item, result string) domain.Event {
	return domain.Event{Timestamp: at, Type: domain.EventComplete, Item: item, Result: result}
}

func TestDoraDeployFrequencyGrades(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		successes int
		want      domain.Grade
	}{
		{"one per day is elite", 7, domain.GradeElite},
		{"six per week is high", 6, domain.GradeHigh},
		{"one per week is high", 1, domain.GradeHigh},
		{"none is low", 0, domain.GradeLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []domain.Event
			for i := 0; i < tt.successes; i++ {
				events = append(events, completion(now.Add(-time.Duration(i)*time.Hour), "item", domain.ResultSuccess))
			}
			report := NewDora(7).Report(events, now)
			if report.DeployFrequencyGrade != tt.want {
				t.Errorf("expected %s, got %s (%.3f/day)", tt.want, report.DeployFrequencyGrade, report.DeployFrequencyPerDay)
			}
		})
	}
}

func TestDoraLeadTimeFromStartToSuccess(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		{Timestamp: now.Add(-4 * time.Hour), Type: domain.EventStart, Item: "item-1"},
		completion(now.Add(-1*time.Hour), "item-1", domain.ResultSuccess),
	}
	report := NewDora(7).Report(events, now)

	if math.Abs(report.LeadTimeHours-3.0) > 0.001 {
		t.Errorf("expected lead time 3.0h, got %.3f", report.LeadTimeHours)
	}
	if report.LeadTimeGrade != domain.GradeHigh {
		t.Errorf("3h lead time should grade high, got %s", report.LeadTimeGrade)
	}
	if report.ChangeFailurePct != 0 || report.ChangeFailureGrade != domain.GradeElite {
		t.Errorf("one clean success should grade change failure elite, got %.1f%% %s", report.ChangeFailurePct, report.ChangeFailureGrade)
	}
	if report.DeployFrequencyGrade != domain.GradeHigh {
		t.Errorf("one deploy in seven days should grade high, got %s", report.DeployFrequencyGrade)
	}
}

func TestDoraChangeFailureRate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		completion(now.Add(-4*time.Hour), "a", domain.ResultSuccess),
		completion(now.Add(-3*time.Hour), "b", domain.ResultSuccess),
		completion(now.Add(-2*time.Hour), "c", domain.ResultSuccess),
		completion(now.Add(-1*time.Hour), "d", domain.ResultFailure),
	}
	report := NewDora(7).Report(events, now)

	if math.Abs(report.ChangeFailurePct-25.0) > 0.001 {
		t.Errorf("expected 25%% failure rate, got %.1f%%", report.ChangeFailurePct)
	}
	if report.ChangeFailureGrade != domain.GradeLow {
		t.Errorf("25%% should grade low, got %s", report.ChangeFailureGrade)
	}
}

func TestDoraMTTRFailureToNextSuccess(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		completion(now.Add(-5*time.Hour), "item-1", domain.ResultFailure),
		// A second failure on the same item must not reset the clock.
		completion(now.Add(-4*time.Hour), "item-1", domain.ResultFailure),
		completion(now.Add(-3*time.Hour), "item-1", domain.ResultSuccess),
	}
	report := NewDora(7).Report(events, now)

	if math.Abs(report.MTTRHours-2.0) > 0.001 {
		t.Errorf("expected MTTR 2.0h from first failure, got %.3f", report.MTTRHours)
	}
	if report.MTTRGrade != domain.GradeHigh {
		t.Errorf("2h MTTR should grade high, got %s", report.MTTRGrade)
	}
}

func TestDoraZeroSampleGradesAreAsymmetric(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	report := NewDora(7).Report(nil, now)

	if report.ChangeFailureGrade != domain.GradeLow {
		t.Errorf("no completions should grade change failure low, got %s", report.ChangeFailureGrade)
	}
	if report.MTTRGrade != domain.GradeElite {
		t.Errorf("no recoveries should grade MTTR elite, got %s", report.MTTRGrade)
	}
	if report.DeployFrequencyGrade != domain.GradeLow {
		t.Errorf("no deploys should grade frequency low, got %s", report.DeployFrequencyGrade)
	}
}

func TestDoraIgnoresEventsOutsidePeriod(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		completion(now.Add(-10*24*time.Hour), "old", domain.ResultFailure),
		completion(now.Add(-time.Hour), "new", domain.ResultSuccess),
	}
	report := NewDora(7).Report(events, now)

	if report.ChangeFailurePct != 0 {
		t.Errorf("failure outside the period leaked in: %.1f%%", report.ChangeFailurePct)
	}
}
