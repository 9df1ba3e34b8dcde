package repo

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// openTestDB connects to POSTGRES_TEST_URL or skips.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestPostgresTenantRepo_ConcurrentIncrements(t *testing.T) {
	db := openTestDB(t)
	r := NewPostgresTenantRepo(db)
	ctx := context.Background()

	id := "tenant-" + uuid.NewString()
	require.NoError(t, r.Upsert(ctx, tenantWithLimits(id, 20, model.Unlimited)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = r.IncrementUsage(ctx, id, 1)
		}()
	}
	wg.Wait()

	tn, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 20, tn.Usage.DailyCount)

	_, scope, err := r.IncrementUsage(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeDaily, scope)

	tn, err = r.ResetUsage(ctx, id, model.ResetDaily, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, tn.Usage.DailyCount)
	assert.Equal(t, 20, tn.Usage.MonthlyCount)
}

func TestPostgresMessageRepo_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	tenants := NewPostgresTenantRepo(db)
	msgs := NewPostgresMessageRepo(db)
	bulks := NewPostgresBulkJobRepo(db)
	ctx := context.Background()

	tenantID := "tenant-" + uuid.NewString()
	require.NoError(t, tenants.Upsert(ctx, tenantWithLimits(tenantID, model.Unlimited, model.Unlimited)))

	now := time.Now().UTC().Truncate(time.Millisecond)
	bulkID := uuid.NewString()
	m := model.Message{
		ID: uuid.NewString(), TenantID: tenantID, BulkJobID: bulkID, To: "+14155552671",
		Body: "hi", Provider: "mock", Priority: model.PriorityHigh, Status: model.Queued,
		MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, bulks.Create(ctx, model.BulkJob{
		ID: bulkID, TenantID: tenantID, Provider: "mock", Priority: model.PriorityHigh, BatchSize: 1,
		MessageIDs: []string{m.ID}, Status: model.BulkProcessing, Statistics: model.BulkStatistics{Total: 1},
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, msgs.Create(ctx, m))

	res, err := msgs.Transition(ctx, m.ID, model.Transition{To: model.Sending, IncrementAttempts: true})
	require.NoError(t, err)
	require.True(t, res.Changed)

	pid := "mock-" + uuid.NewString()
	res, err = msgs.Transition(ctx, m.ID, model.Transition{To: model.Sent, ProviderMessageID: pid})
	require.NoError(t, err)
	require.True(t, res.Changed)

	got, err := msgs.FindByProviderMessageID(ctx, "mock", pid)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.SentAt)

	b, err := bulks.AddStats(ctx, bulkID, model.DeltaFor(res.From, model.Sent))
	require.NoError(t, err)
	assert.Equal(t, model.BulkCompleted, b.Status)
	assert.Equal(t, []string{m.ID}, b.MessageIDs)
}
