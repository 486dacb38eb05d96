package domain

import "time"

type EventType string

const (
	EventStart         EventType = "start"
	EventStageComplete EventType = "stage_complete"
	EventComplete      EventType = "complete"
	EventAutoscale     EventType = "autoscale"
	EventPause         EventType = "pause"
	EventResume        EventType = "resume"
	EventAbort         EventType = "abort"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is one append-only fact from the shared event log. Events are
// immutable once written; ordering is by timestamp, not sequence number,
// and clock skew between producing machines is tolerated rather than
// corrected.
type Event struct {
	ID        int64             `json:"-" gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time         `json:"ts" gorm:"index"`
	Type      EventType         `json:"type" gorm:"index"`
	Item      string            `json:"item,omitempty" gorm:"index"`
	Stage     string            `json:"stage,omitempty"`
	Duration  float64           `json:"duration_secs,omitempty"`
	Result    string            `json:"result,omitempty"`
	Meta      map[string]string `json:"meta,omitempty" gorm:"serializer:json"`
}

func (Event) TableName() string {
	return "events"
}

// Succeeded reports whether the event is a successful completion.
func (e Event) Succeeded() bool {
	return e.Type == EventComplete && e.Result == ResultSuccess
}

// Failed reports whether the event is a failed completion.
func (e Event) Failed() bool {
	return e.Type == EventComplete && e.Result == ResultFailure
}
