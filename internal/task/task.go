package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type tags a task with the pipeline stage that processes it.
type Type string

const (
	TypeIngest   Type = "INGEST"
	TypeMetadata Type = "METADATA"
	TypeConvert  Type = "CONVERT"
	TypeOrganize Type = "ORGANIZE"
)

// Status is the lifecycle state of a task. COMPLETED, FAILED and
// DEAD_LETTER are terminal and never re-transitioned.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Statuses lists all states, for stats reporting.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter,
}

// Event is the watcher event kind carried by ingest payloads.
type Event string

const (
	EventAdd    Event = "ADD"
	EventDelete Event = "DELETE"
)

// Payload is the closed set of task payloads. The task type is the
// discriminator; the body is stored as JSON.
type Payload interface {
	payload()
}

// IngestPayload is the payload of INGEST tasks.
type IngestPayload struct {
	Event Event  `json:"event"`
	Path  string `json:"path"`
}

// BookPayload is the payload of METADATA, CONVERT and ORGANIZE tasks.
type BookPayload struct {
	BookID uuid.UUID `json:"book_id"`
}

// RawPayload carries the stored bytes of a task whose type has no known
// payload shape. Such tasks reach dispatch, which fails them as unknown.
type RawPayload json.RawMessage

func (*IngestPayload) payload() {}
func (*BookPayload) payload()   {}
func (RawPayload) payload()     {}

func (p RawPayload) MarshalJSON() ([]byte, error) {
	return json.RawMessage(p).MarshalJSON()
}

func decodePayload(typ Type, raw []byte) (Payload, error) {
	var p Payload
	switch typ {
	case TypeIngest:
		p = new(IngestPayload)
	case TypeMetadata, TypeConvert, TypeOrganize:
		p = new(BookPayload)
	default:
		return RawPayload(raw), nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", typ)
	}
	return p, nil
}

// Task is a durable unit of work with a retry budget. Zero times mean
// "not set" and are stored as NULL.
type Task struct {
	ID           uuid.UUID
	Type         Type
	Payload      Payload
	Status       Status
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	NextRetryAt  time.Time
	ErrorMessage string
}
