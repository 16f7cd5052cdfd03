package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"ledgersync/internal/models"
)

// SyncEngine is the trigger surface used by the HTTP handlers, the CLI and the scheduler.
type SyncEngine struct {
	Orchestrator *SessionOrchestrator
	Checkpoints  *CheckpointStore
	Events       EventSink
	Logger       *zap.Logger

	background sync.WaitGroup
}

// TriggerFullSync runs every entity, each resuming from its own checkpoint.
func (e *SyncEngine) TriggerFullSync(ctx context.Context, initiator string) (*SessionResult, error) {
	return e.Orchestrator.RunSession(ctx, SessionRequest{
		Type:        models.SessionManual,
		Scope:       models.ScopeFull,
		Entities:    models.AllEntityTypes(),
		InitiatedBy: initiator,
	})
}

// TriggerScheduledSync is the daily incremental run.
func (e *SyncEngine) TriggerScheduledSync(ctx context.Context) (*SessionResult, error) {
	return e.Orchestrator.RunSession(ctx, SessionRequest{
		Type:        models.SessionScheduled,
		Scope:       models.ScopeIncremental,
		Entities:    models.AllEntityTypes(),
		InitiatedBy: "scheduler",
	})
}

// TriggerEntitySync runs only the named entities. forceFull fetches from the epoch
// but never moves a cursor backwards.
func (e *SyncEngine) TriggerEntitySync(ctx context.Context, entities []string, initiator string, forceFull bool) (*SessionResult, error) {
	req, err := e.EntityRequest(entities, initiator, forceFull)
	if err != nil {
		return nil, err
	}
	return e.Orchestrator.RunSession(ctx, req)
}

// StartFullSync creates the session synchronously and returns it for background execution.
func (e *SyncEngine) StartFullSync(ctx context.Context, initiator string) (*ActiveSession, error) {
	return e.Orchestrator.Start(ctx, SessionRequest{
		Type:        models.SessionManual,
		Scope:       models.ScopeFull,
		Entities:    models.AllEntityTypes(),
		InitiatedBy: initiator,
	})
}

func (e *SyncEngine) StartEntitySync(ctx context.Context, entities []string, initiator string, forceFull bool) (*ActiveSession, error) {
	req, err := e.EntityRequest(entities, initiator, forceFull)
	if err != nil {
		return nil, err
	}
	return e.Orchestrator.Start(ctx, req)
}

func (e *SyncEngine) Execute(ctx context.Context, active *ActiveSession) *SessionResult {
	return e.Orchestrator.Execute(ctx, active)
}

// ExecuteAsync runs active on its own goroutine. Drain waits for it.
func (e *SyncEngine) ExecuteAsync(ctx context.Context, active *ActiveSession) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.Execute(ctx, active)
	}()
}

// Drain waits for background sessions to finish. If ctx ends first, every session
// still executing in this process is cancelled and its checkpoints are released.
func (e *SyncEngine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	interrupted := e.Orchestrator.Interrupt(context.WithoutCancel(ctx), "shutdown")
	if e.Logger != nil {
		e.Logger.Warn("background sessions interrupted", zap.Strings("session_ids", interrupted))
	}
	return fmt.Errorf("%d sessions interrupted: %w", len(interrupted), ctx.Err())
}

func (e *SyncEngine) EntityRequest(entities []string, initiator string, forceFull bool) (SessionRequest, error) {
	parsed, err := ParseEntityTypes(entities)
	if err != nil {
		return SessionRequest{}, err
	}
	return SessionRequest{
		Type:        models.SessionManual,
		Scope:       models.ScopeEntitySpecific,
		Entities:    parsed,
		InitiatedBy: initiator,
		ForceFull:   forceFull,
	}, nil
}

func (e *SyncEngine) CancelSession(ctx context.Context, sessionID, by string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}
	return e.Orchestrator.Cancel(ctx, sessionID, by)
}

// ResetCheckpoint rewinds one entity to the epoch. Staged rows are kept; the next run re-upserts them.
func (e *SyncEngine) ResetCheckpoint(ctx context.Context, entity string) (*models.Checkpoint, error) {
	t, err := models.ParseEntityType(entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntityType, err)
	}
	cp, err := e.Checkpoints.Reset(ctx, t)
	if err != nil {
		return nil, err
	}
	if e.Logger != nil {
		e.Logger.Info("checkpoint reset", zap.String("entity", string(t)))
	}
	if e.Events != nil {
		e.Events.Publish(ctx, Event{Kind: EventCheckpointReset, Entity: string(t), Status: string(cp.Status), At: cp.UpdatedAt})
	}
	return cp, nil
}

func (e *SyncEngine) Checkpoint(ctx context.Context, entity string) (*models.Checkpoint, error) {
	t, err := models.ParseEntityType(entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntityType, err)
	}
	return e.Checkpoints.Read(ctx, t)
}

// ParseEntityTypes validates raw entity names. An empty list is rejected.
func ParseEntityTypes(raw []string) ([]models.EntityType, error) {
	out := make([]models.EntityType, 0, len(raw))
	for _, item := range raw {
		if strings.TrimSpace(item) == "" {
			continue
		}
		t, err := models.ParseEntityType(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntityType, err)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no entities given", ErrInvalidEntityType)
	}
	return out, nil
}
