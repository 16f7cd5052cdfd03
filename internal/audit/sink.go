package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ledgersync/internal/service"
)

// Sink forwards session and entity boundaries to the audit log. Writes are
// best-effort and run off the sync goroutine.
type Sink struct {
	Client  *Client
	Agent   string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (s *Sink) Publish(_ context.Context, ev service.Event) {
	if s == nil || s.Client == nil {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	entry := Entry{
		Agent:      s.Agent,
		Action:     "ledgersync_" + string(ev.Kind),
		Level:      levelFromEvent(ev),
		Details:    eventDetails(ev),
		SessionKey: ev.SessionID,
		Metadata:   map[string]any{"at": ev.At.UTC().Format(time.RFC3339)},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Client.Write(ctx, entry); err != nil && s.Logger != nil {
			s.Logger.Debug("audit write failed", zap.String("action", entry.Action), zap.Error(err))
		}
	}()
}

func eventDetails(ev service.Event) map[string]any {
	out := make(map[string]any, len(ev.Details)+3)
	for k, v := range ev.Details {
		out[k] = v
	}
	if ev.Entity != "" {
		out["entity"] = ev.Entity
	}
	if ev.Status != "" {
		out["status"] = ev.Status
	}
	if ev.InitiatedBy != "" {
		out["initiated_by"] = ev.InitiatedBy
	}
	return out
}

func levelFromEvent(ev service.Event) string {
	switch ev.Status {
	case "error":
		return "error"
	case "skipped", "cancelled":
		return "warn"
	default:
		return "info"
	}
}
