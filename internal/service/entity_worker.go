package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ledgersync/internal/models"
	"ledgersync/internal/observability"
	"ledgersync/internal/repository"
)

// PageSource is what a worker pulls pages from; RateLimitedClient in production.
type PageSource interface {
	FetchPage(ctx context.Context, entity models.EntityType, since time.Time, pageToken string) (PageResult, error)
}

type workerPhase string

const (
	phaseIdle      workerPhase = "idle"
	phaseFetching  workerPhase = "fetching"
	phaseWriting   workerPhase = "writing"
	phaseAdvancing workerPhase = "advancing"
)

// EntityWorker syncs one entity: fetch a page, write it and advance the checkpoint
// in one transaction, repeat until the source has no more pages.
type EntityWorker struct {
	Checkpoints *CheckpointStore
	Source      PageSource
	Writer      *StagingWriter
	Store       repository.StagingRepository
	Metrics     *observability.SyncMetrics
	Logger      *zap.Logger
	MaxPages    int
	Now         func() time.Time
}

type EntityRunRequest struct {
	Entity    models.EntityType
	SessionID string
	ForceFull bool
	// StopRequested is polled between pages.
	StopRequested func(ctx context.Context) bool
}

type EntityResult struct {
	Entity           models.EntityType `json:"entity"`
	Status           models.LogStatus  `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
	CursorBefore     *time.Time        `json:"cursor_before,omitempty"`
	CursorAfter      *time.Time        `json:"cursor_after,omitempty"`
	RecordsRequested int               `json:"records_requested"`
	RecordsReceived  int               `json:"records_received"`
	RecordsProcessed int               `json:"records_processed"`
	RecordsInserted  int               `json:"records_inserted"`
	RecordsUpdated   int               `json:"records_updated"`
	RecordsUnchanged int               `json:"records_unchanged"`
	RecordsFailed    int               `json:"records_failed"`
	PagesFetched     int               `json:"pages_fetched"`
	APICalls         int               `json:"api_calls"`
	RateLimitHits    int               `json:"rate_limit_hits"`
	RecordErrors     []RecordError     `json:"record_errors,omitempty"`
	Error            string            `json:"error,omitempty"`
	Err              error             `json:"-"`
}

func (r EntityResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

func (w *EntityWorker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *EntityWorker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// Run never returns an error; the outcome is carried in EntityResult.Status and Err.
func (w *EntityWorker) Run(ctx context.Context, req EntityRunRequest) EntityResult {
	ctx, span := observability.StartSyncSpan(ctx, "entity", string(req.Entity),
		attribute.String("session_id", req.SessionID),
		attribute.Bool("force_full", req.ForceFull),
	)
	defer span.End()

	result := EntityResult{Entity: req.Entity, StartedAt: w.now()}
	log := w.logger().With(zap.String("entity", string(req.Entity)), zap.String("session_id", req.SessionID))

	finish := func(status models.LogStatus, err error) EntityResult {
		result.Status = status
		result.Err = err
		if err != nil {
			result.Error = err.Error()
			observability.RecordError(span, err)
		} else {
			observability.SetSuccess(span)
		}
		result.CompletedAt = w.now()
		w.Metrics.RecordEntityRun(ctx, observability.EntityRun{
			Entity:        string(req.Entity),
			Status:        string(status),
			Inserted:      result.RecordsInserted,
			Updated:       result.RecordsUpdated,
			Unchanged:     result.RecordsUnchanged,
			Failed:        result.RecordsFailed,
			APICalls:      result.APICalls,
			RateLimitHits: result.RateLimitHits,
			Duration:      result.Duration(),
		})
		return result
	}

	if interrupted(ctx) {
		return finish(models.LogCancelled, nil)
	}
	if err := ctx.Err(); err != nil {
		return finish(models.LogError, timeoutOr(err, "before start"))
	}

	cp, err := w.Checkpoints.Begin(ctx, req.Entity, req.SessionID)
	if err != nil {
		if errors.Is(err, ErrConcurrentSyncConflict) {
			log.Warn("entity skipped", zap.Error(err))
			return finish(models.LogSkipped, err)
		}
		log.Error("entity begin failed", zap.Error(err))
		return finish(models.LogError, timeoutOr(err, "claiming checkpoint"))
	}
	result.CursorBefore = cp.Cursor
	result.CursorAfter = cp.Cursor

	since := cp.CursorOrEpoch()
	if req.ForceFull {
		since = time.Time{}
	}
	log.Info("entity sync started", zap.Time("since", since), zap.Bool("resume", cp.HasMoreRecords))

	status, runErr := w.pages(ctx, req, cp, since, &result, log)

	outcome := FinishCompleted
	switch status {
	case models.LogError:
		outcome = FinishError
	case models.LogCancelled:
		outcome = FinishCancelled
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.Checkpoints.Finish(finishCtx, req.Entity, req.SessionID, FinishParams{
		Outcome:       outcome,
		ErrorMessage:  errMsg,
		RateLimitHits: result.RateLimitHits,
		Duration:      w.now().Sub(result.StartedAt),
		Snapshot:      *cp,
	}); err != nil {
		log.Error("checkpoint finish failed", zap.Error(err))
		if runErr == nil {
			status, runErr = models.LogError, err
		}
	}

	log.Info("entity sync finished",
		zap.String("status", string(status)),
		zap.Int("pages", result.PagesFetched),
		zap.Int("processed", result.RecordsProcessed),
		zap.Int("failed", result.RecordsFailed),
		zap.Int("rate_limit_hits", result.RateLimitHits),
		zap.Error(runErr),
	)
	return finish(status, runErr)
}

func (w *EntityWorker) pages(ctx context.Context, req EntityRunRequest, cp *models.Checkpoint, since time.Time, result *EntityResult, log *zap.Logger) (models.LogStatus, error) {
	maxPages := w.MaxPages
	if maxPages <= 0 {
		maxPages = 10000
	}
	phase := phaseIdle
	cursor := cp.Cursor
	token := ""
	seenTokens := map[string]struct{}{}

	for {
		if req.StopRequested != nil && req.StopRequested(ctx) {
			log.Info("entity sync cancelled at page boundary", zap.Int("pages", result.PagesFetched))
			return models.LogCancelled, nil
		}
		if result.PagesFetched >= maxPages {
			return models.LogError, fmt.Errorf("page limit %d reached for %s", maxPages, req.Entity)
		}

		phase = w.transition(log, phase, phaseFetching)
		page, err := w.Source.FetchPage(ctx, req.Entity, since, token)
		result.APICalls += page.APICalls
		result.RateLimitHits += page.RateLimitHits
		if err != nil {
			if interrupted(ctx) {
				log.Info("entity sync interrupted while fetching", zap.Int("pages", result.PagesFetched))
				return models.LogCancelled, nil
			}
			return models.LogError, timeoutOr(err, "fetching page")
		}
		result.PagesFetched++
		result.RecordsRequested += page.Requested
		result.RecordsReceived += len(page.Records)

		phase = w.transition(log, phase, phaseWriting)
		var upsert UpsertResult
		var stored *time.Time
		hasMore := page.NextPageToken != ""
		err = w.Store.InTx(ctx, func(tx *gorm.DB) error {
			var err error
			upsert, err = w.Writer.UpsertTx(ctx, tx, req.Entity, page.Records, req.SessionID)
			if err != nil {
				return err
			}
			phase = w.transition(log, phase, phaseAdvancing)
			stored, err = w.Checkpoints.AdvanceTx(ctx, tx, req.Entity, req.SessionID, AdvanceParams{
				Prior:          cursor,
				Seen:           upsert.MaxUpdatedAt,
				HasMoreRecords: hasMore,
			})
			return err
		})
		if err != nil {
			if interrupted(ctx) {
				log.Info("entity sync interrupted while writing", zap.Int("pages", result.PagesFetched))
				return models.LogCancelled, nil
			}
			return models.LogError, timeoutOr(err, "writing page")
		}

		cursor = stored
		result.CursorAfter = stored
		result.RecordsInserted += upsert.Inserted
		result.RecordsUpdated += upsert.Updated
		result.RecordsUnchanged += upsert.Unchanged
		result.RecordsFailed += upsert.Failed
		result.RecordsProcessed += upsert.Processed()
		result.RecordErrors = appendCapped(result.RecordErrors, upsert.Errors, w.Writer.MaxErrorDetails)

		if !hasMore {
			return models.LogCompleted, nil
		}
		if _, dup := seenTokens[page.NextPageToken]; dup {
			return models.LogError, fmt.Errorf("page token %q repeated for %s", page.NextPageToken, req.Entity)
		}
		seenTokens[page.NextPageToken] = struct{}{}
		token = page.NextPageToken
	}
}

func (w *EntityWorker) transition(log *zap.Logger, from, to workerPhase) workerPhase {
	if from != to {
		log.Debug("entity phase", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return to
}

// interrupted reports a caller cancel, as opposed to the session deadline.
func interrupted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func timeoutOr(err error, step string) error {
	if errors.Is(err, ErrSyncTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrSyncTimeout, step, err)
	}
	return err
}

func appendCapped(dst, src []RecordError, limit int) []RecordError {
	if limit <= 0 {
		limit = 50
	}
	for _, e := range src {
		if len(dst) >= limit {
			break
		}
		dst = append(dst, e)
	}
	return dst
}
