// Package ingest consumes events published on NATS JetStream, appends them
// to the event log and nudges the projection worker.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/verity/internal/eventlog"
)

// ErrInvalidMessage marks messages that can never be appended. The
// subscriber terminates them instead of asking for redelivery.
var ErrInvalidMessage = errors.New("ingest: invalid message")

// eventIDNamespace derives stable ids for messages that carry none, so a
// redelivered message maps to the same event row.
var eventIDNamespace = uuid.MustParse("5b0c7a52-8f4e-4c4a-9a51-2d7e0f3c6a18")

// Appender persists event records.
type Appender interface {
	Append(ctx context.Context, records ...eventlog.Record) (int, error)
}

// Enqueuer schedules an incremental projection run for an organization.
type Enqueuer interface {
	EnqueueReplay(ctx context.Context, orgID string) (*asynq.TaskInfo, error)
}

// Message is the JSON body published for every event.
type Message struct {
	EventID       string          `json:"eventId"`
	OrgID         string          `json:"orgId" validate:"required"`
	EventType     string          `json:"eventType" validate:"required"`
	EventVersion  int             `json:"eventVersion" validate:"gte=1"`
	OccurredAt    int64           `json:"occurredAt" validate:"gte=0"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId"`
}

// Service turns raw messages into event log records.
type Service struct {
	appender Appender
	jobs     Enqueuer
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService constructs the ingest service. jobs may be nil, in which case
// projections only catch up on the scheduled replay.
func NewService(appender Appender, jobs Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{appender: appender, jobs: jobs, logger: logger, validate: validator.New()}
}

// Decode parses and validates one message body. Messages without an event
// id get one derived from their bytes.
func (s *Service) Decode(data []byte) (eventlog.Record, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return eventlog.Record{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.OrgID = strings.TrimSpace(msg.OrgID)
	msg.EventType = strings.TrimSpace(msg.EventType)
	if err := s.validate.Struct(msg); err != nil {
		return eventlog.Record{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !json.Valid(msg.Payload) || string(msg.Payload) == "null" {
		return eventlog.Record{}, fmt.Errorf("%w: payload must be a JSON value", ErrInvalidMessage)
	}
	eventID := strings.TrimSpace(msg.EventID)
	if eventID == "" {
		eventID = uuid.NewSHA1(eventIDNamespace, data).String()
	}
	source := msg.Source
	if source == "" {
		source = eventlog.SourceSync
	}
	return eventlog.Record{
		Envelope: eventlog.Envelope{
			EventID:      eventID,
			OrgID:        msg.OrgID,
			EventType:    msg.EventType,
			EventVersion: msg.EventVersion,
			OccurredAt:   msg.OccurredAt,
			Payload:      msg.Payload,
		},
		Source:        source,
		CorrelationID: msg.CorrelationID,
	}, nil
}

// Handle decodes and appends one message. Duplicate events are accepted
// silently; a replay is requested only when a new row was written.
func (s *Service) Handle(ctx context.Context, data []byte) error {
	rec, err := s.Decode(data)
	if err != nil {
		return err
	}
	inserted, err := s.appender.Append(ctx, rec)
	if err != nil {
		if errors.Is(err, eventlog.ErrInvalidRecord) {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return fmt.Errorf("ingest: append %s: %w", rec.EventID, err)
	}
	logger := s.logger.With(slog.String("org_id", rec.OrgID), slog.String("event_id", rec.EventID))
	if inserted == 0 {
		logger.Debug("duplicate event ignored")
		return nil
	}
	logger.Debug("event appended", slog.String("event_type", rec.EventType))
	if s.jobs == nil {
		return nil
	}
	if _, err := s.jobs.EnqueueReplay(ctx, rec.OrgID); err != nil {
		logger.Warn("enqueue replay after ingest", slog.Any("error", err))
	}
	return nil
}
