package services

import (
	"time"

	"fleetdeck.control/internal/core/domain"
)

// Dora grades delivery health over a configurable trailing period. The
// zero-sample cases are deliberately asymmetric: an empty period grades
// change-failure Low (nothing proven safe) but MTTR Elite (no known
// incidents to recover from).
type Dora struct {
	periodDays int
}

func NewDora(periodDays int) *Dora {
	if periodDays <= 0 {
		periodDays = 7
	}
	return &Dora{periodDays: periodDays}
}

func (d *Dora) PeriodDays() int { return d.periodDays }

// Report computes the four metrics from events within the trailing
// period ending at now.
func (d *Dora) Report(events []domain.Event, now time.Time) domain.DoraReport {
	cutoff := now.Add(-time.Duration(d.periodDays) * 24 * time.Hour)

	var succeeded, failed int
	starts := map[string]time.Time{}
	var leadHours []float64
	lastFailure := map[string]time.Time{}
	var recoveryHours []float64

	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		switch {
		case ev.Type == domain.EventStart:
			starts[ev.Item] = ev.Timestamp
		case ev.Succeeded():
			succeeded++
			if start, ok := starts[ev.Item]; ok {
				leadHours = append(leadHours, ev.Timestamp.Sub(start).Hours())
				delete(starts, ev.Item)
			}
			if failedAt, ok := lastFailure[ev.Item]; ok {
				recoveryHours = append(recoveryHours, ev.Timestamp.Sub(failedAt).Hours())
				delete(lastFailure, ev.Item)
			}
		case ev.Failed():
			failed++
			delete(starts, ev.Item)
			if _, ok := lastFailure[ev.Item]; !ok {
				lastFailure[ev.Item] = ev.Timestamp
			}
		}
	}

	report := domain.DoraReport{PeriodDays: d.periodDays}

	report.DeployFrequencyPerDay = float64(succeeded) / float64(d.periodDays)
	report.DeployFrequencyGrade = gradeFrequency(report.DeployFrequencyPerDay)

	report.LeadTimeHours, report.LeadTimeGrade = mean(leadHours), domain.GradeLow
	if len(leadHours) > 0 {
		report.LeadTimeGrade = gradeLeadTime(report.LeadTimeHours)
	}

	report.ChangeFailureGrade = domain.GradeLow
	if succeeded+failed > 0 {
		report.ChangeFailurePct = 100 * float64(failed) / float64(failed+succeeded)
		report.ChangeFailureGrade = gradeChangeFailure(report.ChangeFailurePct)
	}

	report.MTTRGrade = domain.GradeElite
	if len(recoveryHours) > 0 {
		report.MTTRHours = mean(recoveryHours)
		report.MTTRGrade = gradeMTTR(report.MTTRHours)
	}

	return report
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func gradeFrequency(perDay float64) domain.Grade {
	switch {
	case perDay >= 1:
		return domain.GradeElite
	case perDay >= 1.0/7:
		return domain.GradeHigh
	case perDay >= 1.0/30:
		return domain.GradeMedium
	default:
		return domain.GradeLow
	}
}

func gradeLeadTime(hours float64) domain.Grade {
	switch {
	case hours < 1:
		return domain.GradeElite
	case hours < 24:
		return domain.GradeHigh
	case hours < 168:
		return domain.GradeMedium
	default:
		return domain.GradeLow
	}
}

func gradeChangeFailure(pct float64) domain.Grade {
	switch {
	case pct < 5:
		return domain.GradeElite
	case pct < 10:
		return domain.GradeHigh
	case pct < 15:
		return domain.GradeMedium
	default:
		return domain.GradeLow
	}
}

func gradeMTTR(hours float64) domain.Grade {
	switch {
	case hours < 1:
		return domain.GradeElite
	case hours < 24:
		return domain.GradeHigh
	case hours < 168:
		return domain.GradeMedium
	default:
		return domain.GradeLow
	}
}
