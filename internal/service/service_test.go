package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/cache"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/provider"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
	"github.com/LeventeLantos/sms-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/sms-dispatch/internal/repo"
)

type harness struct {
	engine   *Engine
	mock     *provider.Mock
	adapter  *scriptedAdapter
	store    *queue.MemoryStore
	messages *repo.MemoryMessages
	faults   *faultyMessages
	bulkJobs *repo.MemoryBulkJobs
	quota    *quota.Manager
	sms      *queue.Queue
	bulk     *queue.Queue
	cache    *cache.RedisCache
}

func newHarness(t *testing.T, workers int, tenants ...model.Tenant) *harness {
	t.Helper()

	mock := provider.NewMock("mock")
	adapter := newScriptedAdapter(mock)
	reg := provider.NewRegistry("mock", provider.Settings{TripAfter: 1000})
	require.NoError(t, reg.Register("mock", adapter))

	qcfg := queue.Config{
		Workers:      workers,
		MaxAttempts:  3,
		Backoff:      queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Second,
	}
	store := queue.NewMemoryStore()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tenantRepo := repo.NewMemoryTenants(tenants...)
	h := &harness{
		mock:     mock,
		adapter:  adapter,
		store:    store,
		messages: repo.NewMemoryMessages(),
		bulkJobs: repo.NewMemoryBulkJobs(),
		quota:    quota.NewManager(tenantRepo),
		sms:      queue.New(QueueSMS, store, qcfg),
		bulk:     queue.New(QueueBulk, store, qcfg),
		cache:    cache.NewRedisCache(rdb, time.Hour),
	}
	h.faults = &faultyMessages{MemoryMessages: h.messages}
	h.engine = NewEngine(Deps{
		Tenants:   tenantRepo,
		Messages:  h.faults,
		BulkJobs:  h.bulkJobs,
		Quota:     h.quota,
		Limiter:   ratelimit.NewMemoryLimiter(time.Minute),
		Providers: reg,
		Cache:     h.cache,
		SMSQueue:  h.sms,
		BulkQueue: h.bulk,
	}, BulkConfig{BatchSize: 3, Concurrency: 2})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.engine.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.engine.Stop(ctx)
	})
}

func (h *harness) waitMessage(t *testing.T, id string, want model.Status) model.Message {
	t.Helper()
	var m model.Message
	require.Eventually(t, func() bool {
		var err error
		m, err = h.messages.Get(context.Background(), id)
		return err == nil && m.Status == want
	}, 3*time.Second, 5*time.Millisecond, "message %s never reached %s (last %s)", id, want, m.Status)
	return m
}

func (h *harness) waitBulk(t *testing.T, id string, want model.BulkStatus) model.BulkJob {
	t.Helper()
	var b model.BulkJob
	require.Eventually(t, func() bool {
		var err error
		b, err = h.bulkJobs.Get(context.Background(), id)
		return err == nil && b.Status == want
	}, 5*time.Second, 5*time.Millisecond, "bulk job %s never reached %s", id, want)
	return b
}

func testTenant(id string, daily int) model.Tenant {
	return model.Tenant{
		ID:   id,
		Plan: model.PlanPremium,
		Quotas: model.Quotas{
			DailyLimit:      daily,
			MonthlyLimit:    model.Unlimited,
			RateLimit:       ratelimit.Unlimited,
			BulkSizeLimit:   100,
			ProviderOptions: []string{"mock"},
		},
	}
}

func phone(i int) string { return fmt.Sprintf("+1555000%04d", i) }

func requireKind(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok, "expected *apperr.Error, got %T: %v", err, err)
	require.Equal(t, kind, ae.Kind, ae.Error())
	return ae
}

func TestSend_DeliversThroughProvider(t *testing.T) {
	h := newHarness(t, 2, testTenant("acme", 10))
	h.start(t)
	ctx := context.Background()

	res, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, "queued", res.Status)
	assert.GreaterOrEqual(t, res.EstimatedProcessingTime, int64(0))

	m := h.waitMessage(t, res.MessageID, model.Sent)
	assert.Equal(t, "mock", m.Provider)
	assert.Equal(t, 1, m.Attempts)
	assert.NotEmpty(t, m.ProviderMessageID)
	assert.Equal(t, res.JobID, m.JobID)

	entry, ok, err := h.cache.LookupSent(ctx, "mock", m.ProviderMessageID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.ID, entry.MessageID)

	require.Eventually(t, func() bool {
		st, err := h.engine.JobStatus(ctx, "acme", QueueSMS, res.JobID)
		return err == nil && st.State == queue.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	st, err := h.engine.JobStatus(ctx, "acme", "", res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)
	assert.Contains(t, string(st.Result), m.ProviderMessageID)
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10))
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	cases := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{"missing plus", SendRequest{To: "15550001111", Body: "x"}, "to"},
		{"leading zero", SendRequest{To: "+05550001111", Body: "x"}, "to"},
		{"too long number", SendRequest{To: "+1234567890123456", Body: "x"}, "to"},
		{"empty body", SendRequest{To: phone(1), Body: ""}, "body"},
		{"body too long", SendRequest{To: phone(1), Body: strings.Repeat("a", 1601)}, "body"},
		{"bad from", SendRequest{To: phone(1), Body: "x", From: "abc"}, "from"},
		{"bad priority", SendRequest{To: phone(1), Body: "x", Priority: "asap"}, "priority"},
		{"past schedule", SendRequest{To: phone(1), Body: "x", ScheduledAt: &past}, "scheduledAt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Send(ctx, "acme", tc.req)
			ae := requireKind(t, err, apperr.KindValidation)
			assert.Contains(t, ae.Details, tc.field)
		})
	}

	// 1600 characters is the inclusive limit, counted in runes
	_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: strings.Repeat("é", 1600)})
	require.NoError(t, err)

	usage, err := h.quota.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.DailyCount, "rejected requests must not consume quota")
}

func TestSend_DailyQuotaScenario(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(i), Body: "hi"})
		require.NoError(t, err)
	}

	_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(3), Body: "hi"})
	ae := requireKind(t, err, apperr.KindQuotaExceeded)
	assert.Equal(t, "daily", ae.Details["scope"])
	snap, ok := ae.Details["quota"].(quota.Snapshot)
	require.True(t, ok)
	assert.Equal(t, 2, snap.DailyCount)
	assert.Equal(t, 0, snap.DailyRemaining)
}

func TestSend_ConcurrentCallersNeverExceedQuota(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 20))
	ctx := context.Background()

	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func() {
			_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(i), Body: "hi"})
			errs <- err
		}()
	}

	ok := 0
	for i := 0; i < 50; i++ {
		err := <-errs
		if err == nil {
			ok++
			continue
		}
		requireKind(t, err, apperr.KindQuotaExceeded)
	}
	assert.Equal(t, 20, ok)

	usage, err := h.quota.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 20, usage.DailyCount)
}

func TestSend_RateLimited(t *testing.T) {
	tn := testTenant("acme", 100)
	tn.Quotas.RateLimit = 2
	h := newHarness(t, 1, tn)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(i), Body: "hi"})
		require.NoError(t, err)
	}
	_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(9), Body: "hi"})
	ae := requireKind(t, err, apperr.KindRateLimitExceeded)
	assert.Positive(t, ae.RetryAfter)
	assert.LessOrEqual(t, ae.RetryAfter, time.Minute)

	usage, err := h.quota.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.DailyCount)
}

func TestSend_ZeroRateLimitDoesNotThrottle(t *testing.T) {
	tn := testTenant("acme", 100)
	tn.Quotas.RateLimit = 0
	h := newHarness(t, 1, tn)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(i), Body: "hi"})
		require.NoError(t, err)
	}
}

func TestSend_ProviderPolicy(t *testing.T) {
	tn := testTenant("acme", 100)
	tn.Quotas.ProviderOptions = []string{"mock", "twilio"}
	basic := testTenant("basic", 100)
	basic.Quotas.ProviderOptions = []string{"twilio"}
	h := newHarness(t, 1, tn, basic)
	ctx := context.Background()

	// the default provider is not on the tenant's list
	_, err := h.engine.Send(ctx, "basic", SendRequest{To: phone(1), Body: "hi"})
	requireKind(t, err, apperr.KindProviderNotAllowed)

	_, err = h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "hi", Provider: "sns"})
	requireKind(t, err, apperr.KindProviderNotAllowed)

	// allowed by plan but not configured here
	_, err = h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "hi", Provider: "twilio"})
	requireKind(t, err, apperr.KindProviderNotFound)

	_, err = h.engine.Send(ctx, "ghost", SendRequest{To: phone(1), Body: "hi"})
	requireKind(t, err, apperr.KindTenantNotFound)

	usage, err := h.quota.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.DailyCount)
}

func TestSend_TransientFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(t, 2, testTenant("acme", 10))
	h.mock.FailAlways(phone(1), provider.Transient(fmt.Errorf("gateway timeout")))
	h.start(t)
	ctx := context.Background()

	res, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "hi"})
	require.NoError(t, err)

	m := h.waitMessage(t, res.MessageID, model.Failed)
	assert.Equal(t, 3, m.Attempts)
	assert.Contains(t, m.LastError, "gateway timeout")

	require.Eventually(t, func() bool {
		st, err := h.engine.JobStatus(ctx, "acme", QueueSMS, res.JobID)
		return err == nil && st.State == queue.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, h.mock.Calls(phone(1)), "no fourth attempt")

	st, err := h.engine.JobStatus(ctx, "acme", QueueSMS, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Attempts)
	assert.Contains(t, st.Error, "gateway timeout")
}

func TestSend_TransientFailureThenSuccess(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10))
	h.mock.FailNext(phone(1), provider.Transient(fmt.Errorf("503")))
	h.start(t)

	res, err := h.engine.Send(context.Background(), "acme", SendRequest{To: phone(1), Body: "hi"})
	require.NoError(t, err)

	m := h.waitMessage(t, res.MessageID, model.Sent)
	assert.Equal(t, 2, m.Attempts)
}

func TestSend_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10))
	h.mock.FailAlways(phone(1), provider.Permanent("21211", fmt.Errorf("invalid number")))
	h.start(t)

	res, err := h.engine.Send(context.Background(), "acme", SendRequest{To: phone(1), Body: "hi"})
	require.NoError(t, err)

	m := h.waitMessage(t, res.MessageID, model.Failed)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, "21211", m.ErrorCode)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.mock.Calls(phone(1)))
}

func TestSend_UrgentBeforeLow(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10))
	ctx := context.Background()

	low, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "low", Priority: "low"})
	require.NoError(t, err)
	urgent, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(2), Body: "urgent", Priority: "urgent"})
	require.NoError(t, err)

	h.start(t)
	h.waitMessage(t, low.MessageID, model.Sent)
	h.waitMessage(t, urgent.MessageID, model.Sent)

	sent := h.mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "urgent", sent[0].Body)
	assert.Equal(t, "low", sent[1].Body)
}

func TestSend_ScheduledAndCancelled(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10))
	h.start(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	res, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "later", ScheduledAt: &at})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.EstimatedProcessingTime, (59 * time.Minute).Milliseconds())

	st, err := h.engine.JobStatus(ctx, "acme", QueueSMS, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, st.State)

	st, err = h.engine.CancelJob(ctx, "acme", QueueSMS, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCancelled, st.State)

	m, err := h.engine.Message(ctx, "acme", res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, m.Status)

	_, err = h.engine.CancelJob(ctx, "acme", QueueSMS, res.JobID)
	requireKind(t, err, apperr.KindConflict)
	assert.Zero(t, h.mock.Calls(phone(1)))
}

func TestJobStatus_NotFound(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10), testTenant("other", 10))
	ctx := context.Background()

	_, err := h.engine.JobStatus(ctx, "acme", QueueSMS, "does-not-exist")
	requireKind(t, err, apperr.KindJobNotFound)

	res, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(1), Body: "hi"})
	require.NoError(t, err)

	_, err = h.engine.JobStatus(ctx, "other", QueueSMS, res.JobID)
	requireKind(t, err, apperr.KindJobNotFound)

	_, err = h.engine.JobStatus(ctx, "acme", QueueBulk, res.JobID)
	requireKind(t, err, apperr.KindJobNotFound)

	_, err = h.engine.JobStatus(ctx, "acme", "email", res.JobID)
	requireKind(t, err, apperr.KindValidation)
}

func TestMessages_ListAndScope(t *testing.T) {
	h := newHarness(t, 1, testTenant("acme", 10), testTenant("other", 10))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := h.engine.Send(ctx, "acme", SendRequest{To: phone(i), Body: "hi"})
		require.NoError(t, err)
		ids = append(ids, res.MessageID)
	}

	list, err := h.engine.ListMessages(ctx, "acme", model.Queued, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID, "newest first")

	list, err = h.engine.ListMessages(ctx, "acme", model.Sent, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.engine.ListMessages(ctx, "acme", "bogus", 0, 0)
	requireKind(t, err, apperr.KindValidation)

	_, err = h.engine.Message(ctx, "other", ids[0])
	requireKind(t, err, apperr.KindNotFound)
}

func TestProviders_ForTenant(t *testing.T) {
	tn := testTenant("acme", 10)
	tn.Quotas.ProviderOptions = []string{"mock", "twilio"}
	h := newHarness(t, 1, tn)

	out, err := h.engine.Providers(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "mock", out.DefaultProvider)
	require.Contains(t, out.Providers, "mock")
	assert.True(t, out.Providers["mock"].Initialized)
	assert.True(t, out.Providers["mock"].Healthy)
	assert.False(t, out.Providers["twilio"].Initialized)
}
