package domain

// Grade is a categorical health rating derived from a numeric metric
// and fixed thresholds. Every metric grades to one of these four values
// so callers always get a total order, never an "N/A".
type Grade string

const (
	GradeElite  Grade = "elite"
	GradeHigh   Grade = "high"
	GradeMedium Grade = "medium"
	GradeLow    Grade = "low"
)

// DoraReport carries the four DORA-style metrics over a trailing period
// of PeriodDays days, each with its grade.
type DoraReport struct {
	PeriodDays int `json:"period_days"`

	DeployFrequencyPerDay float64 `json:"deploy_frequency_per_day"`
	DeployFrequencyGrade  Grade   `json:"deploy_frequency_grade"`

	LeadTimeHours float64 `json:"lead_time_hours"`
	LeadTimeGrade Grade   `json:"lead_time_grade"`

	ChangeFailurePct   float64 `json:"change_failure_pct"`
	ChangeFailureGrade Grade   `json:"change_failure_grade"`

	MTTRHours float64 `json:"mttr_hours"`
	MTTRGrade Grade   `json:"mttr_grade"`
}
