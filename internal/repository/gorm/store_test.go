package gormrepository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ledgersync/internal/models"
	"ledgersync/internal/repository"
	"ledgersync/internal/testutil"
)

func TestUpdateCheckpointIf_VersionGuard(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	cp, err := store.EnsureCheckpoint(ctx, models.EntityContacts)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, models.CheckpointIdle, cp.Status)
	assert.EqualValues(t, 0, cp.Version)

	again, err := store.EnsureCheckpoint(ctx, models.EntityContacts)
	require.NoError(t, err)
	assert.EqualValues(t, 0, again.Version, "ensuring twice keeps the existing row")

	version := cp.Version
	ok, err := store.UpdateCheckpointIf(ctx, models.EntityContacts, repository.CheckpointGuard{
		Status:  models.CheckpointIdle,
		Version: &version,
	}, map[string]any{"status": models.CheckpointRunning, "session_id": "s1"})
	require.NoError(t, err)
	assert.True(t, ok)

	// a second writer holding the old version loses
	ok, err = store.UpdateCheckpointIf(ctx, models.EntityContacts, repository.CheckpointGuard{
		Status:  models.CheckpointIdle,
		Version: &version,
	}, map[string]any{"status": models.CheckpointRunning, "session_id": "s2"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetCheckpoint(ctx, models.EntityContacts)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointRunning, got.Status)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "s1", *got.SessionID)
	assert.EqualValues(t, 1, got.Version)
}

func TestUpdateCheckpointIfTx_SessionGuardRollsBackWithTx(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, err := store.EnsureCheckpoint(ctx, models.EntityInvoices)
	require.NoError(t, err)
	_, err = store.UpdateCheckpointIf(ctx, models.EntityInvoices, repository.CheckpointGuard{}, map[string]any{
		"status": models.CheckpointRunning, "session_id": "s1",
	})
	require.NoError(t, err)

	cursor := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	err = store.InTx(ctx, func(tx *gorm.DB) error {
		ok, err := store.UpdateCheckpointIfTx(ctx, tx, models.EntityInvoices, repository.CheckpointGuard{
			Status: models.CheckpointRunning, SessionID: "s1",
		}, map[string]any{"cursor": cursor})
		require.NoError(t, err)
		require.True(t, ok)
		return gorm.ErrInvalidTransaction
	})
	require.ErrorIs(t, err, gorm.ErrInvalidTransaction)

	got, err := store.GetCheckpoint(ctx, models.EntityInvoices)
	require.NoError(t, err)
	assert.Nil(t, got.Cursor, "a failed page leaves the cursor untouched")

	ok, err := store.UpdateCheckpointIf(ctx, models.EntityInvoices, repository.CheckpointGuard{
		Status: models.CheckpointRunning, SessionID: "someone-else",
	}, map[string]any{"cursor": cursor})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateSessionExclusive(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &models.SyncSession{ID: "s1", TenantID: "t", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionRunning, StartedAt: now}
	abandoned, err := store.CreateSessionExclusive(ctx, first, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, abandoned)

	second := &models.SyncSession{ID: "s2", TenantID: "t", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionRunning, StartedAt: now}
	_, err = store.CreateSessionExclusive(ctx, second, time.Hour)
	require.ErrorIs(t, err, repository.ErrRunningSessionExists)

	other := &models.SyncSession{ID: "s3", TenantID: "other-tenant", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionRunning, StartedAt: now}
	_, err = store.CreateSessionExclusive(ctx, other, time.Hour)
	require.NoError(t, err, "tenants do not block each other")

	later := &models.SyncSession{ID: "s4", TenantID: "t", Type: models.SessionScheduled, Scope: models.ScopeIncremental, Status: models.SessionRunning, StartedAt: now.Add(2 * time.Hour)}
	abandoned, err = store.CreateSessionExclusive(ctx, later, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, abandoned)

	s1, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, s1.Status)
}

func TestRunningSessionIndexRejectsDuplicates(t *testing.T) {
	conn := testutil.OpenDB(t)
	now := time.Now().UTC()
	require.NoError(t, conn.Gorm.Create(&models.SyncSession{ID: "a", TenantID: "t", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionRunning, StartedAt: now}).Error)
	err := conn.Gorm.Create(&models.SyncSession{ID: "b", TenantID: "t", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionRunning, StartedAt: now}).Error
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	require.NoError(t, conn.Gorm.Create(&models.SyncSession{ID: "c", TenantID: "t", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionCompleted, StartedAt: now}).Error)
}

func TestUpdateSessionIf(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, err := store.CreateSessionExclusive(ctx, &models.SyncSession{ID: "s1", TenantID: "t", Type: models.SessionManual, Scope: models.ScopeFull, Status: models.SessionRunning, StartedAt: time.Now().UTC()}, time.Hour)
	require.NoError(t, err)

	ok, err := store.UpdateSessionIf(ctx, "s1", models.SessionRunning, map[string]any{"status": models.SessionCancelled})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.UpdateSessionIf(ctx, "s1", models.SessionRunning, map[string]any{"status": models.SessionCompleted})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, got.Status)

	missing, err := store.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListSessionsAndLogs(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []models.SessionStatus{models.SessionCompleted, models.SessionError, models.SessionCompleted} {
		s := &models.SyncSession{
			ID: string(rune('a' + i)), TenantID: "t", Type: models.SessionScheduled, Scope: models.ScopeIncremental,
			Status: models.SessionRunning, StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		_, err := store.CreateSessionExclusive(ctx, s, time.Minute)
		require.NoError(t, err)
		_, err = store.UpdateSessionIf(ctx, s.ID, models.SessionRunning, map[string]any{"status": status})
		require.NoError(t, err)
	}

	completed := string(models.SessionCompleted)
	items, err := store.ListSessions(ctx, repository.ListSessionsParams{Status: &completed})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].ID, "newest first by default")

	total, err := store.CountSessions(ctx, repository.ListSessionsParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	for _, entity := range []models.EntityType{models.EntityAccounts, models.EntityContacts} {
		require.NoError(t, store.InsertSyncLog(ctx, &models.SyncLog{
			SessionID: "a", EntityType: entity, Status: models.LogCompleted, StartedAt: base, CompletedAt: base,
		}))
	}
	logs, err := store.ListSyncLogs(ctx, "a")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.EntityAccounts, logs[0].EntityType)
}

func TestStagedRecordUpsertOutcomes(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	table := "staging_contacts"
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	upsert := func(hash string, updated time.Time) repository.UpsertOutcome {
		var outcome repository.UpsertOutcome
		require.NoError(t, store.InTx(ctx, func(tx *gorm.DB) error {
			var err error
			outcome, err = store.UpsertStagedRecordTx(ctx, tx, table, &models.StagedRecord{
				ExternalID: "c1", UpdatedDateUTC: &updated, PayloadHash: hash,
				RawJSON: []byte(`{}`), SessionID: "s", LastSyncedAt: time.Now().UTC(),
			})
			return err
		}))
		return outcome
	}

	assert.Equal(t, repository.OutcomeInserted, upsert("h1", t1))
	assert.Equal(t, repository.OutcomeUnchanged, upsert("h1", t1))
	assert.Equal(t, repository.OutcomeUpdated, upsert("h2", t2))
	assert.Equal(t, repository.OutcomeStale, upsert("h3", t1))

	row, err := store.GetStagedRecord(ctx, table, "c1")
	require.NoError(t, err)
	assert.Equal(t, "h2", row.PayloadHash)

	since := t2
	items, err := store.ListStagedRecords(ctx, table, repository.ListStagedParams{UpdatedSince: &since})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
