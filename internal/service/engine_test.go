package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/client/accounting"
	"ledgersync/internal/models"
	"ledgersync/internal/repository"
)

func TestEngine_InvoicesTwoPagesAdvanceCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	last := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	page2 := invoicePage("b", 30, last.Add(-29*time.Minute))
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{
		invoicePage("a", 50, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		page2,
	}

	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)
	assert.Equal(t, models.SessionInitial, res.Type, "first ever run is an initial session")
	assert.Equal(t, 80, res.TotalRecordsProcessed)
	assert.Equal(t, 2, res.TotalAPICalls)
	assert.InDelta(t, 100.0, res.SuccessRate, 0.001)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 2, res.Entities[0].PagesFetched)
	assert.Equal(t, 80, res.Entities[0].RecordsInserted)

	cp, err := h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointCompleted, cp.Status)
	require.NotNil(t, cp.Cursor)
	assert.True(t, cp.Cursor.Equal(last), "cursor=%s want %s", cp.Cursor, last)
	assert.False(t, cp.HasMoreRecords)
	assert.Nil(t, cp.SessionID)
	assert.Equal(t, 1, cp.TotalSyncCount)
	require.NotNil(t, cp.LastSuccessfulSyncAt)

	// every page of one run asks for changes since the same cursor
	for _, since := range h.source.sinces(models.EntityInvoices) {
		assert.True(t, since.IsZero())
	}

	logs, err := h.store.ListSyncLogs(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogCompleted, logs[0].Status)
	assert.Equal(t, 80, logs[0].RecordsProcessed)
	assert.Equal(t, 2, logs[0].PagesFetched)

	session, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.Equal(t, 80, session.TotalRecordsProcessed)
	require.NotNil(t, session.CompletedAt)
}

func TestEngine_IncrementalRunUsesCursorAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	last := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{invoicePage("a", 5, last.Add(-4*time.Minute))}

	_, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)

	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionManual, res.Type)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 0, res.Entities[0].RecordsInserted)
	assert.Equal(t, 5, res.Entities[0].RecordsUnchanged)

	sinces := h.source.sinces(models.EntityInvoices)
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].Equal(last))

	total, err := h.store.CountStagedRecords(ctx, "staging_invoices", repository.ListStagedParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
}

func TestEngine_ResetRewindsToEpoch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{invoicePage("a", 3, time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC))}

	_, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)

	cp, err := h.engine.ResetCheckpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.Nil(t, cp.Cursor)
	assert.Equal(t, models.CheckpointIdle, cp.Status)
	assert.True(t, cp.CursorOrEpoch().IsZero())

	_, err = h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)
	sinces := h.source.sinces(models.EntityInvoices)
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].IsZero(), "a reset entity is fetched from the epoch")
}

func TestEngine_ForceFullNeverMovesCursorBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	last := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{invoicePage("a", 2, last.Add(-time.Minute))}

	_, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)

	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{invoicePage("old", 2, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))}
	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", true)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	sinces := h.source.sinces(models.EntityInvoices)
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].IsZero())

	cp, err := h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	require.NotNil(t, cp.Cursor)
	assert.True(t, cp.Cursor.Equal(last))
}

func TestEngine_PriorityOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityAccounts] = [][]json.RawMessage{{accountJSON("a1", now)}}
	h.source.pages[models.EntityContacts] = [][]json.RawMessage{{contactJSON("c1", now)}}
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{{invoiceJSON("i1", now, "1")}}

	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices", "accounts", "contacts", "invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityType{models.EntityAccounts, models.EntityContacts, models.EntityInvoices}, res.TargetEntities)
	assert.Equal(t, res.TargetEntities, h.source.entityOrder())

	logs, err := h.store.ListSyncLogs(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].StartedAt.Before(logs[j].StartedAt) })
	var byStart []models.EntityType
	for _, l := range logs {
		byStart = append(byStart, l.EntityType)
	}
	assert.Equal(t, res.TargetEntities, byStart)
}

func TestEngine_FullSyncCoversEveryEntity(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.TriggerFullSync(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)
	assert.Equal(t, models.AllEntityTypes(), h.source.entityOrder())
	assert.Len(t, res.Entities, len(models.AllEntityTypes()))
}

func TestEngine_PartialFailureIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityAccounts] = [][]json.RawMessage{{accountJSON("a1", now)}}
	h.source.errs[models.EntityContacts] = &TransientAPIError{Entity: models.EntityContacts, Attempts: 4, Err: errors.New("502")}
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{{invoiceJSON("i1", now, "1")}}

	res, err := h.engine.TriggerEntitySync(ctx, []string{"accounts", "contacts", "invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, res.Status)
	assert.Equal(t, 1, res.EntitiesFailed)
	assert.InDelta(t, 200.0/3, res.SuccessRate, 0.01)
	assert.Equal(t, fmt.Sprintf("1 of 3 entities failed, see sync logs for session %s", res.SessionID), res.ErrorSummary)

	contacts, err := h.engine.Checkpoint(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointError, contacts.Status)
	assert.Equal(t, 1, contacts.ConsecutiveErrorCount)
	require.NotNil(t, contacts.ErrorMessage)

	invoices, err := h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointCompleted, invoices.Status)

	logs, err := h.store.ListSyncLogs(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.LogError, logs[1].Status)

	session, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.ErrorSummary)
	assert.Equal(t, res.ErrorSummary, *session.ErrorSummary)
}

func TestEngine_NoDoubleSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	active, err := h.engine.StartFullSync(ctx, "first")
	require.NoError(t, err)

	_, err = h.engine.TriggerFullSync(ctx, "second")
	require.ErrorIs(t, err, ErrSessionAlreadyRunning)
	_, err = h.engine.TriggerEntitySync(ctx, []string{"contacts"}, "third", false)
	require.ErrorIs(t, err, ErrSessionAlreadyRunning)

	res := h.engine.Execute(ctx, active)
	assert.Equal(t, models.SessionCompleted, res.Status)

	_, err = h.engine.TriggerFullSync(ctx, "after")
	require.NoError(t, err)
}

func TestEngine_AbandonedSessionClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ghost := &models.SyncSession{
		ID:        "ghost",
		TenantID:  "tenant-1",
		Type:      models.SessionManual,
		Scope:     models.ScopeFull,
		Status:    models.SessionRunning,
		StartedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	_, err := h.store.CreateSessionExclusive(ctx, ghost, time.Hour)
	require.NoError(t, err)

	res, err := h.engine.TriggerEntitySync(ctx, []string{"accounts"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	closed, err := h.store.GetSession(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, closed.Status)
	require.NotNil(t, closed.ErrorSummary)
	assert.Contains(t, *closed.ErrorSummary, "abandoned")
}

func TestEngine_InvalidEntityRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.TriggerEntitySync(context.Background(), []string{"contacts", "widgets"}, "test", false)
	require.ErrorIs(t, err, ErrInvalidEntityType)
	_, err = h.engine.TriggerEntitySync(context.Background(), nil, "test", false)
	require.ErrorIs(t, err, ErrInvalidEntityType)
	_, err = h.engine.ResetCheckpoint(context.Background(), "widgets")
	require.ErrorIs(t, err, ErrInvalidEntityType)

	sessions, err := h.store.ListSessions(context.Background(), repository.ListSessionsParams{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEngine_CancelStopsAtPageBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{
		invoicePage("a", 3, start),
		invoicePage("b", 3, start.Add(time.Hour)),
	}
	h.source.pages[models.EntityPayments] = [][]json.RawMessage{}
	h.source.onFetch = func(entity models.EntityType, page int) {
		if entity != models.EntityInvoices || page != 0 {
			return
		}
		ids := h.engine.Orchestrator.ActiveSessions()
		require.Len(t, ids, 1)
		require.NoError(t, h.engine.CancelSession(context.Background(), ids[0], "operator"))
	}

	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices", "payments"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, res.Status)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, models.LogCancelled, res.Entities[0].Status)
	assert.Equal(t, 1, res.Entities[0].PagesFetched)
	assert.Equal(t, 3, res.TotalRecordsProcessed)

	for _, c := range h.source.calls {
		assert.NotEqual(t, models.EntityPayments, c.Entity, "entities after a cancel never start")
	}

	cp, err := h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointIdle, cp.Status)
	assert.True(t, cp.HasMoreRecords, "a cancelled entity resumes where it stopped")
	require.NotNil(t, cp.Cursor)
	assert.True(t, cp.Cursor.Equal(start.Add(2*time.Minute)))

	session, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, session.Status)
	require.NotNil(t, session.CancelledBy)
	assert.Equal(t, "operator", *session.CancelledBy)

	logs, err := h.store.ListSyncLogs(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	err = h.engine.CancelSession(ctx, res.SessionID, "operator")
	require.ErrorIs(t, err, ErrSessionNotRunning)
	err = h.engine.CancelSession(ctx, "missing", "operator")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEngine_StaleCheckpointTakenOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedRunningCheckpoint(t, h, models.EntityContacts, time.Now().UTC().Add(-2*time.Hour))
	h.source.pages[models.EntityContacts] = [][]json.RawMessage{{contactJSON("c1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}}

	res, err := h.engine.TriggerEntitySync(ctx, []string{"contacts"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	cp, err := h.engine.Checkpoint(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointCompleted, cp.Status)
}

func TestEngine_FreshRunningCheckpointSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedRunningCheckpoint(t, h, models.EntityContacts, time.Now().UTC())

	res, err := h.engine.TriggerEntitySync(ctx, []string{"contacts"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, res.Status)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, models.LogSkipped, res.Entities[0].Status)
	assert.ErrorIs(t, res.Entities[0].Err, ErrConcurrentSyncConflict)
	assert.Empty(t, h.source.calls, "a conflicting entity never reaches the API")

	cp, err := h.engine.Checkpoint(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointRunning, cp.Status)
	require.NotNil(t, cp.SessionID)
	assert.Equal(t, "other", *cp.SessionID)

	_, err = h.engine.ResetCheckpoint(ctx, "contacts")
	require.ErrorIs(t, err, ErrConcurrentSyncConflict)
}

func TestEngine_SessionTimeout(t *testing.T) {
	h := newHarness(t)
	h.engine.Orchestrator.SessionTimeout = 50 * time.Millisecond
	h.source.block[models.EntityAccounts] = true

	res, err := h.engine.TriggerEntitySync(context.Background(), []string{"accounts", "contacts"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, res.Status)
	require.Len(t, res.Entities, 2)
	assert.ErrorIs(t, res.Entities[0].Err, ErrSyncTimeout)

	cp, err := h.engine.Checkpoint(context.Background(), "accounts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointError, cp.Status, "checkpoint bookkeeping lands after the deadline")
}

func TestEngine_EventsPublished(t *testing.T) {
	h := newHarness(t)
	events, release := h.hub.Subscribe(AllSessions, 64)
	defer release()

	res, err := h.engine.TriggerEntitySync(context.Background(), []string{"accounts"}, "test", false)
	require.NoError(t, err)

	var kinds []EventKind
	for len(kinds) < 4 {
		select {
		case ev := <-events:
			assert.Equal(t, res.SessionID, ev.SessionID)
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatalf("only got events %v", kinds)
		}
	}
	assert.Equal(t, []EventKind{EventSessionStarted, EventEntityStarted, EventEntityFinished, EventSessionFinished}, kinds)
}

func seedRunningCheckpoint(t *testing.T, h *harness, entity models.EntityType, startedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.EnsureCheckpoint(ctx, entity)
	require.NoError(t, err)
	ok, err := h.store.UpdateCheckpointIf(ctx, entity, repository.CheckpointGuard{}, map[string]any{
		"status":         models.CheckpointRunning,
		"session_id":     "other",
		"run_started_at": startedAt,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEngine_RateLimitedTwiceThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	updated := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	fetcher := &scriptedFetcher{
		errs: []error{tooMany(), tooMany()},
		page: accounting.Page{Records: []json.RawMessage{contactJSON("c1", updated)}, Requested: 100},
	}
	h.engine.Orchestrator.Worker.Source = NewRateLimitedClient(fetcher, fastOptions(), nil)

	res, err := h.engine.TriggerEntitySync(ctx, []string{"contacts"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	logs, err := h.store.ListSyncLogs(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].RateLimitHits)
	assert.Equal(t, 1, logs[0].RecordsProcessed)

	desc, _ := models.Describe(models.EntityContacts)
	n, err := h.store.CountStagedRecords(ctx, desc.TableName(), repository.ListStagedParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	cp, err := h.engine.Checkpoint(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.RateLimitHitCount)
}

func TestEngine_LaterPageFailureKeepsCommittedPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{
		invoicePage("a", 3, start),
		invoicePage("b", 3, start.Add(time.Hour)),
	}
	h.source.failAt[models.EntityInvoices] = 1

	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, res.Status)
	assert.Equal(t, 1, res.EntitiesFailed)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, models.LogError, res.Entities[0].Status)
	assert.Equal(t, 1, res.Entities[0].PagesFetched)
	assert.Equal(t, 3, res.Entities[0].RecordsProcessed)

	logs, err := h.store.ListSyncLogs(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogError, logs[0].Status)
	assert.Equal(t, 3, logs[0].RecordsProcessed)

	desc, _ := models.Describe(models.EntityInvoices)
	staged, err := h.store.CountStagedRecords(ctx, desc.TableName(), repository.ListStagedParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, staged, "the first page stays committed")

	cp, err := h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointError, cp.Status)
	require.NotNil(t, cp.Cursor)
	assert.True(t, cp.Cursor.Equal(start.Add(2*time.Minute)), "cursor=%s", cp.Cursor)
	assert.True(t, cp.HasMoreRecords)
	assert.Equal(t, 1, cp.ConsecutiveErrorCount)
	require.NotNil(t, cp.ErrorMessage)
	assert.Contains(t, *cp.ErrorMessage, "502")

	delete(h.source.failAt, models.EntityInvoices)
	res, err = h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	sinces := h.source.sinces(models.EntityInvoices)
	require.Len(t, sinces, 4)
	for _, since := range sinces[2:] {
		assert.True(t, since.Equal(start.Add(2*time.Minute)), "resumed since=%s", since)
	}

	cp, err = h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointCompleted, cp.Status)
	assert.Equal(t, 0, cp.ConsecutiveErrorCount)
	assert.False(t, cp.HasMoreRecords)
	assert.True(t, cp.Cursor.Equal(start.Add(time.Hour+2*time.Minute)), "cursor=%s", cp.Cursor)
}

// repeatingTokenSource always hands back the same continuation token.
type repeatingTokenSource struct {
	record json.RawMessage
}

func (s repeatingTokenSource) FetchPage(context.Context, models.EntityType, time.Time, string) (PageResult, error) {
	return PageResult{Records: []json.RawMessage{s.record}, NextPageToken: "again", Requested: 1, APICalls: 1}, nil
}

func TestEngine_RepeatedPageTokenStopsEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	updated := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h.engine.Orchestrator.Worker.Source = repeatingTokenSource{record: contactJSON("c1", updated)}

	res, err := h.engine.TriggerEntitySync(ctx, []string{"contacts"}, "test", false)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	entity := res.Entities[0]
	assert.Equal(t, models.LogError, entity.Status)
	assert.Equal(t, 2, entity.PagesFetched)
	assert.Contains(t, entity.Error, "repeated")

	cp, err := h.engine.Checkpoint(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointError, cp.Status)
	assert.True(t, cp.HasMoreRecords)
	require.NotNil(t, cp.Cursor)
	assert.True(t, cp.Cursor.Equal(updated))
}

func TestEngine_PageLimitStopsEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityInvoices] = [][]json.RawMessage{
		invoicePage("a", 2, start),
		invoicePage("b", 2, start.Add(time.Hour)),
		invoicePage("c", 2, start.Add(2*time.Hour)),
	}
	h.engine.Orchestrator.Worker.MaxPages = 2

	res, err := h.engine.TriggerEntitySync(ctx, []string{"invoices"}, "test", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, res.Status)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 2, res.Entities[0].PagesFetched)
	assert.Contains(t, res.Entities[0].Error, "page limit 2")

	desc, _ := models.Describe(models.EntityInvoices)
	staged, err := h.store.CountStagedRecords(ctx, desc.TableName(), repository.ListStagedParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, staged)

	cp, err := h.engine.Checkpoint(ctx, "invoices")
	require.NoError(t, err)
	assert.True(t, cp.HasMoreRecords)
	assert.True(t, cp.Cursor.Equal(start.Add(time.Hour+time.Minute)), "cursor=%s", cp.Cursor)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for fetch")
	}
}

func TestEngine_DrainWaitsForInterruptedSession(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityAccounts] = [][]json.RawMessage{{accountJSON("a1", now)}}
	h.source.pages[models.EntityContacts] = [][]json.RawMessage{{contactJSON("c1", now)}}
	h.source.block[models.EntityContacts] = true
	fetching := make(chan struct{})
	var once sync.Once
	h.source.onFetch = func(entity models.EntityType, _ int) {
		if entity == models.EntityContacts {
			once.Do(func() { close(fetching) })
		}
	}

	serverCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	active, err := h.engine.StartEntitySync(serverCtx, []string{"accounts", "contacts", "invoices"}, "test", false)
	require.NoError(t, err)
	h.engine.ExecuteAsync(serverCtx, active)
	waitClosed(t, fetching)
	shutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Drain(drainCtx))

	ctx := context.Background()
	session, err := h.store.GetSession(ctx, active.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, session.Status)
	require.NotNil(t, session.CompletedAt)

	logs, err := h.store.ListSyncLogs(ctx, active.Session.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2, "invoices never started")
	assert.Equal(t, models.LogCompleted, logs[0].Status)
	assert.Equal(t, models.LogCancelled, logs[1].Status)

	cp, err := h.engine.Checkpoint(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointIdle, cp.Status)
	assert.Nil(t, cp.SessionID)
	assert.Equal(t, 0, cp.ConsecutiveErrorCount)

	h.source.mu.Lock()
	h.source.block[models.EntityContacts] = false
	h.source.mu.Unlock()
	res, err := h.engine.TriggerEntitySync(ctx, []string{"contacts"}, "test", false)
	require.NoError(t, err, "a restarted process can sync again at once")
	assert.Equal(t, models.SessionCompleted, res.Status)
}

func TestEngine_DrainTimeoutInterruptsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	h.source.pages[models.EntityAccounts] = [][]json.RawMessage{{accountJSON("a1", now)}}
	fetching := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	h.source.onFetch = func(models.EntityType, int) {
		once.Do(func() { close(fetching) })
		<-resume
	}

	active, err := h.engine.StartEntitySync(ctx, []string{"accounts"}, "test", false)
	require.NoError(t, err)
	h.engine.ExecuteAsync(ctx, active)
	waitClosed(t, fetching)

	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = h.engine.Drain(drainCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	session, err := h.store.GetSession(ctx, active.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, session.Status)
	require.NotNil(t, session.CancelledBy)
	assert.Equal(t, "shutdown", *session.CancelledBy)

	cp, err := h.engine.Checkpoint(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointIdle, cp.Status)
	assert.Nil(t, cp.SessionID)

	close(resume)
	require.NoError(t, h.engine.Drain(ctx))

	session, err = h.store.GetSession(ctx, active.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, session.Status)
	cp, err = h.engine.Checkpoint(ctx, "accounts")
	require.NoError(t, err)
	assert.NotEqual(t, models.CheckpointRunning, cp.Status)
	assert.Nil(t, cp.Cursor, "the late page was never committed")
}

func TestEngine_FinalizeKeepsStatusSetByNewerSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.pages[models.EntityAccounts] = [][]json.RawMessage{{accountJSON("a1", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))}}

	active, err := h.engine.StartEntitySync(ctx, []string{"accounts"}, "test", false)
	require.NoError(t, err)
	summary := "abandoned: no progress"
	ok, err := h.store.UpdateSessionIf(ctx, active.Session.ID, models.SessionRunning, map[string]any{
		"status":        models.SessionError,
		"error_summary": summary,
	})
	require.NoError(t, err)
	require.True(t, ok)

	res := h.engine.Execute(ctx, active)
	assert.Equal(t, models.SessionError, res.Status)
	assert.Equal(t, summary, res.ErrorSummary)

	session, err := h.store.GetSession(ctx, active.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, session.Status)
	require.NotNil(t, session.ErrorSummary)
	assert.Equal(t, summary, *session.ErrorSummary)
}
