package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"ledgersync/internal/models"
	"ledgersync/internal/observability"
	"ledgersync/internal/repository"
)

type SessionRequest struct {
	Type        models.SessionType
	Scope       models.SessionScope
	Entities    []models.EntityType
	InitiatedBy string
	ForceFull   bool
}

type SessionResult struct {
	SessionID             string               `json:"session_id"`
	Type                  models.SessionType   `json:"type"`
	Scope                 models.SessionScope  `json:"scope"`
	Status                models.SessionStatus `json:"status"`
	StartedAt             time.Time            `json:"started_at"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	TargetEntities        []models.EntityType  `json:"target_entities"`
	Entities              []EntityResult       `json:"entities,omitempty"`
	TotalRecordsProcessed int                  `json:"total_records_processed"`
	TotalAPICalls         int                  `json:"total_api_calls"`
	SuccessRate           float64              `json:"success_rate"`
	EntitiesFailed        int                  `json:"entities_failed"`
	ErrorSummary          string               `json:"error_summary,omitempty"`
}

// ActiveSession is a session row that has been created and is ready to execute.
type ActiveSession struct {
	Session  models.SyncSession
	Entities []models.EntityType
	request  SessionRequest
	stop     chan struct{}
}

// SessionOrchestrator runs entity workers in priority order, one session per tenant at a time.
type SessionOrchestrator struct {
	Store           repository.SessionRepository
	Checkpoints     *CheckpointStore
	Worker          *EntityWorker
	Events          EventSink
	Logger          *zap.Logger
	TenantID        string
	SessionTimeout  time.Duration
	FreshnessWindow time.Duration
	Now             func() time.Time

	mu     sync.Mutex
	active map[string]chan struct{}
}

func (o *SessionOrchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *SessionOrchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *SessionOrchestrator) publish(ctx context.Context, ev Event) {
	if o.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	o.Events.Publish(ctx, ev)
}

// RunSession creates a session and runs it to the end.
func (o *SessionOrchestrator) RunSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	active, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, active), nil
}

// Start validates the request and persists a running session. It fails fast with
// ErrSessionAlreadyRunning while another fresh session runs for the tenant.
func (o *SessionOrchestrator) Start(ctx context.Context, req SessionRequest) (*ActiveSession, error) {
	entities, unknown := models.OrderEntities(req.Entities)
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntityType, unknown)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: no entities requested", ErrInvalidEntityType)
	}
	if req.Type == "" {
		req.Type = models.SessionManual
	}
	if req.Scope == "" {
		req.Scope = models.ScopeFull
	}
	if req.Type != models.SessionInitial && o.neverSynced(ctx, entities) {
		req.Type = models.SessionInitial
	}

	session := models.SyncSession{
		ID:             uuid.NewString(),
		TenantID:       o.TenantID,
		Type:           req.Type,
		Scope:          req.Scope,
		TargetEntities: models.TargetsJSON(entities),
		Status:         models.SessionRunning,
		ForceFull:      req.ForceFull,
		StartedAt:      o.now(),
		EntitiesTotal:  len(entities),
		InitiatedBy:    req.InitiatedBy,
	}
	abandoned, err := o.Store.CreateSessionExclusive(ctx, &session, o.FreshnessWindow)
	if errors.Is(err, repository.ErrRunningSessionExists) {
		return nil, ErrSessionAlreadyRunning
	}
	if err != nil {
		return nil, err
	}
	for _, id := range abandoned {
		o.logger().Warn("closed abandoned sync session", zap.String("session_id", id))
	}

	stop := make(chan struct{})
	o.mu.Lock()
	if o.active == nil {
		o.active = map[string]chan struct{}{}
	}
	o.active[session.ID] = stop
	o.mu.Unlock()

	o.publish(ctx, Event{
		Kind:        EventSessionStarted,
		SessionID:   session.ID,
		Status:      string(models.SessionRunning),
		InitiatedBy: req.InitiatedBy,
		Details: map[string]any{
			"type":       req.Type,
			"scope":      req.Scope,
			"entities":   entities,
			"force_full": req.ForceFull,
		},
	})
	return &ActiveSession{Session: session, Entities: entities, request: req, stop: stop}, nil
}

// neverSynced reports whether none of the entities has completed a run before.
func (o *SessionOrchestrator) neverSynced(ctx context.Context, entities []models.EntityType) bool {
	if o.Checkpoints == nil {
		return false
	}
	for _, entity := range entities {
		cp, err := o.Checkpoints.Repo.GetCheckpoint(ctx, entity)
		if err != nil {
			return false
		}
		if cp != nil && cp.LastSuccessfulSyncAt != nil {
			return false
		}
	}
	return true
}

// Execute runs every entity of an active session sequentially and finalizes the row.
func (o *SessionOrchestrator) Execute(ctx context.Context, active *ActiveSession) *SessionResult {
	session := active.Session
	defer o.release(session.ID)

	ctx, span := observability.StartSyncSpan(ctx, "session", "",
		attribute.String("session_id", session.ID),
		attribute.String("session_type", string(session.Type)),
	)
	defer span.End()

	runCtx := ctx
	if o.SessionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.SessionTimeout)
		defer cancel()
	}
	// bookkeeping writes must land even after the session deadline passed
	writeCtx := context.WithoutCancel(ctx)
	log := o.logger().With(zap.String("session_id", session.ID))

	result := &SessionResult{
		SessionID:      session.ID,
		Type:           session.Type,
		Scope:          session.Scope,
		Status:         models.SessionRunning,
		StartedAt:      session.StartedAt,
		TargetEntities: active.Entities,
	}

	cancelled := false
	completed := 0
	for _, entity := range active.Entities {
		if ctx.Err() != nil {
			log.Info("sync session interrupted", zap.Error(ctx.Err()))
			cancelled = true
			break
		}
		if o.stopRequested(writeCtx, session.ID, active.stop) {
			cancelled = true
			break
		}
		o.publish(ctx, Event{Kind: EventEntityStarted, SessionID: session.ID, Entity: string(entity)})

		res := o.Worker.Run(runCtx, EntityRunRequest{
			Entity:    entity,
			SessionID: session.ID,
			ForceFull: active.request.ForceFull,
			StopRequested: func(ctx context.Context) bool {
				return o.stopRequested(ctx, session.ID, active.stop)
			},
		})
		if err := o.Store.InsertSyncLog(writeCtx, buildSyncLog(session.ID, res)); err != nil {
			log.Error("write sync log failed", zap.String("entity", string(entity)), zap.Error(err))
		}
		o.publish(ctx, Event{
			Kind:      EventEntityFinished,
			SessionID: session.ID,
			Entity:    string(entity),
			Status:    string(res.Status),
			Details: map[string]any{
				"records_processed": res.RecordsProcessed,
				"records_failed":    res.RecordsFailed,
				"api_calls":         res.APICalls,
				"rate_limit_hits":   res.RateLimitHits,
				"error":             res.Error,
			},
		})

		result.Entities = append(result.Entities, res)
		result.TotalRecordsProcessed += res.RecordsProcessed
		result.TotalAPICalls += res.APICalls
		switch res.Status {
		case models.LogCompleted:
			completed++
		case models.LogCancelled:
			cancelled = true
		default:
			result.EntitiesFailed++
		}
		if cancelled {
			break
		}
	}

	total := len(active.Entities)
	if total > 0 {
		result.SuccessRate = float64(completed) * 100 / float64(total)
	}
	switch {
	case cancelled:
		result.Status = models.SessionCancelled
	case result.EntitiesFailed > 0:
		result.Status = models.SessionError
		result.ErrorSummary = fmt.Sprintf("%d of %d entities failed, see sync logs for session %s", result.EntitiesFailed, total, session.ID)
	default:
		result.Status = models.SessionCompleted
	}
	if cancelled && result.EntitiesFailed > 0 {
		result.ErrorSummary = fmt.Sprintf("%d of %d entities failed before cancellation, see sync logs for session %s", result.EntitiesFailed, total, session.ID)
	}
	completedAt := o.now()
	result.CompletedAt = &completedAt

	o.finalize(writeCtx, log, result)
	if result.Status == models.SessionError {
		observability.RecordError(span, errors.New(result.ErrorSummary))
	} else {
		observability.SetSuccess(span)
	}
	o.publish(ctx, Event{
		Kind:      EventSessionFinished,
		SessionID: session.ID,
		Status:    string(result.Status),
		Details: map[string]any{
			"total_records_processed": result.TotalRecordsProcessed,
			"total_api_calls":         result.TotalAPICalls,
			"success_rate":            result.SuccessRate,
			"entities_failed":         result.EntitiesFailed,
			"error_summary":           result.ErrorSummary,
		},
	})
	log.Info("sync session finished",
		zap.String("status", string(result.Status)),
		zap.Int("records", result.TotalRecordsProcessed),
		zap.Int("api_calls", result.TotalAPICalls),
		zap.Int("entities_failed", result.EntitiesFailed),
	)
	return result
}

func (o *SessionOrchestrator) finalize(ctx context.Context, log *zap.Logger, result *SessionResult) {
	updates := map[string]any{
		"status":                  result.Status,
		"completed_at":            *result.CompletedAt,
		"total_records_processed": result.TotalRecordsProcessed,
		"total_api_calls":         result.TotalAPICalls,
		"success_rate":            result.SuccessRate,
		"entities_failed":         result.EntitiesFailed,
		"error_summary":           strPtr(result.ErrorSummary),
	}
	ok, err := o.Store.UpdateSessionIf(ctx, result.SessionID, models.SessionRunning, updates)
	if err != nil {
		log.Error("finalize session failed", zap.Error(err))
		return
	}
	if ok {
		return
	}
	current, err := o.Store.GetSession(ctx, result.SessionID)
	if err != nil {
		log.Error("reload session failed", zap.Error(err))
		return
	}
	if current == nil {
		log.Error("session row vanished before finalize")
		return
	}
	result.Status = current.Status
	if current.Status != models.SessionCancelled {
		// closed by a newer session as abandoned; that record stands
		result.ErrorSummary = derefString(current.ErrorSummary)
		log.Warn("session closed before finalize", zap.String("status", string(current.Status)))
		return
	}
	delete(updates, "status")
	if _, err := o.Store.UpdateSessionIf(ctx, result.SessionID, models.SessionCancelled, updates); err != nil {
		log.Error("finalize cancelled session failed", zap.Error(err))
	}
}

// Interrupt cancels every session executing in this process and releases the
// checkpoints they still hold. Used at shutdown for runs that did not stop in time.
func (o *SessionOrchestrator) Interrupt(ctx context.Context, by string) []string {
	var interrupted []string
	for _, id := range o.ActiveSessions() {
		if err := o.Cancel(ctx, id, by); err != nil && !errors.Is(err, ErrSessionNotRunning) {
			o.logger().Error("interrupt session failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if o.Checkpoints != nil {
			released, err := o.Checkpoints.ReleaseSession(ctx, id)
			if err != nil {
				o.logger().Error("release checkpoints failed", zap.String("session_id", id), zap.Error(err))
			}
			for _, entity := range released {
				o.logger().Warn("checkpoint released", zap.String("session_id", id), zap.String("entity", string(entity)))
			}
		}
		interrupted = append(interrupted, id)
	}
	return interrupted
}

// Cancel marks a running session cancelled. Workers stop at their next page boundary.
func (o *SessionOrchestrator) Cancel(ctx context.Context, sessionID, by string) error {
	now := o.now()
	ok, err := o.Store.UpdateSessionIf(ctx, sessionID, models.SessionRunning, map[string]any{
		"status":       models.SessionCancelled,
		"cancelled_by": strPtr(by),
		"cancelled_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		existing, err := o.Store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, sessionID, existing.Status)
	}
	o.mu.Lock()
	if stop, found := o.active[sessionID]; found {
		close(stop)
		delete(o.active, sessionID)
	}
	o.mu.Unlock()
	o.publish(ctx, Event{Kind: EventSessionCancelled, SessionID: sessionID, Status: string(models.SessionCancelled), InitiatedBy: by})
	return nil
}

func (o *SessionOrchestrator) stopRequested(ctx context.Context, sessionID string, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
	}
	current, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		o.logger().Warn("session status poll failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return current != nil && current.Status == models.SessionCancelled
}

func (o *SessionOrchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

// ActiveSessions lists sessions executing in this process.
func (o *SessionOrchestrator) ActiveSessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.active))
	for id := range o.active {
		out = append(out, id)
	}
	return out
}

func buildSyncLog(sessionID string, res EntityResult) *models.SyncLog {
	details := map[string]any{}
	if res.Error != "" {
		details["error"] = res.Error
	}
	if len(res.RecordErrors) > 0 {
		details["records"] = res.RecordErrors
	}
	if res.RecordsUnchanged > 0 {
		details["unchanged"] = res.RecordsUnchanged
	}
	item := &models.SyncLog{
		SessionID:        sessionID,
		EntityType:       res.Entity,
		Status:           res.Status,
		StartedAt:        res.StartedAt,
		CompletedAt:      res.CompletedAt,
		DurationMs:       res.Duration().Milliseconds(),
		RecordsRequested: res.RecordsRequested,
		RecordsReceived:  res.RecordsReceived,
		RecordsProcessed: res.RecordsProcessed,
		RecordsInserted:  res.RecordsInserted,
		RecordsUpdated:   res.RecordsUpdated,
		RecordsFailed:    res.RecordsFailed,
		PagesFetched:     res.PagesFetched,
		APICallsMade:     res.APICalls,
		RateLimitHits:    res.RateLimitHits,
		CursorBefore:     res.CursorBefore,
		CursorAfter:      res.CursorAfter,
	}
	if len(details) > 0 {
		item.ErrorDetails = mustJSON(details)
	}
	return item
}
