package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type EventKind string

const (
	EventSessionStarted   EventKind = "session_started"
	EventEntityStarted    EventKind = "entity_started"
	EventEntityFinished   EventKind = "entity_finished"
	EventSessionFinished  EventKind = "session_finished"
	EventSessionCancelled EventKind = "session_cancelled"
	EventCheckpointReset  EventKind = "checkpoint_reset"
)

// Event is published at every session and entity boundary.
type Event struct {
	Kind        EventKind      `json:"kind"`
	SessionID   string         `json:"session_id,omitempty"`
	Entity      string         `json:"entity,omitempty"`
	Status      string         `json:"status,omitempty"`
	InitiatedBy string         `json:"initiated_by,omitempty"`
	At          time.Time      `json:"at"`
	Details     map[string]any `json:"details,omitempty"`
}

// Terminal reports whether no further events follow for the session.
func (e Event) Terminal() bool {
	return e.Kind == EventSessionFinished
}

// EventSink observes sync progress. Publish must not block the sync.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(ctx, ev)
		}
	}
}

type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}

type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) {
	if s.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("session_id", ev.SessionID),
	}
	if ev.Entity != "" {
		fields = append(fields, zap.String("entity", ev.Entity))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", ev.Status))
	}
	if len(ev.Details) > 0 {
		fields = append(fields, zap.Any("details", ev.Details))
	}
	switch ev.Status {
	case "error", "skipped":
		s.Logger.Warn("sync event", fields...)
	default:
		s.Logger.Info("sync event", fields...)
	}
}
