package enroll

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/josephsvk/DRTA/internal/types"
)

const EventEnrollmentCreated = "enrollment.created"

type Event struct {
	Type       string                 `json:"type"`
	OccurredAt time.Time              `json:"occurredAt"`
	Record     types.EnrollmentRecord `json:"record"`
}

func NewCreatedEvent(rec types.EnrollmentRecord, at time.Time) Event {
	return Event{Type: EventEnrollmentCreated, OccurredAt: at.UTC(), Record: rec}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
