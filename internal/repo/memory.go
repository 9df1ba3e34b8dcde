package repo

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

// MemoryTenants guards each tenant with its own lock so increments and
// resets for one tenant are serialised without blocking others.
type MemoryTenants struct {
	mu      sync.RWMutex
	tenants map[string]*tenantSlot
}

type tenantSlot struct {
	mu sync.Mutex
	t  model.Tenant
}

func NewMemoryTenants(seed ...model.Tenant) *MemoryTenants {
	r := &MemoryTenants{tenants: make(map[string]*tenantSlot, len(seed))}
	for _, t := range seed {
		r.tenants[t.ID] = &tenantSlot{t: t}
	}
	return r
}

func (r *MemoryTenants) slot(id string) (*tenantSlot, error) {
	r.mu.RLock()
	s, ok := r.tenants[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.TenantNotFound(id)
	}
	return s, nil
}

func (r *MemoryTenants) Get(ctx context.Context, id string) (model.Tenant, error) {
	s, err := r.slot(id)
	if err != nil {
		return model.Tenant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTenant(s.t), nil
}

func (r *MemoryTenants) List(ctx context.Context) ([]model.Tenant, error) {
	r.mu.RLock()
	slots := make([]*tenantSlot, 0, len(r.tenants))
	for _, s := range r.tenants {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	out := make([]model.Tenant, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, cloneTenant(s.t))
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b model.Tenant) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *MemoryTenants) Upsert(ctx context.Context, t model.Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	r.mu.Lock()
	s, ok := r.tenants[t.ID]
	if !ok {
		r.tenants[t.ID] = &tenantSlot{t: cloneTenant(t)}
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// usage is owned by the quota path; admin updates keep the live counters
	t.Usage = s.t.Usage
	t.CreatedAt = s.t.CreatedAt
	s.t = cloneTenant(t)
	return nil
}

func (r *MemoryTenants) IncrementUsage(ctx context.Context, id string, count int) (model.Tenant, model.QuotaScope, error) {
	s, err := r.slot(id)
	if err != nil {
		return model.Tenant{}, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope := s.t.Usage.Exceeds(s.t.Quotas, count); scope != "" {
		return cloneTenant(s.t), scope, nil
	}
	s.t.Usage.DailyCount += count
	s.t.Usage.MonthlyCount += count
	s.t.UpdatedAt = time.Now().UTC()
	return cloneTenant(s.t), "", nil
}

func (r *MemoryTenants) ResetUsage(ctx context.Context, id string, rt model.ResetType, at time.Time) (model.Tenant, error) {
	s, err := r.slot(id)
	if err != nil {
		return model.Tenant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.Usage.Reset(rt, at)
	s.t.UpdatedAt = at
	return cloneTenant(s.t), nil
}

func (r *MemoryTenants) ResetAllUsage(ctx context.Context, rt model.ResetType, at time.Time) (int, error) {
	r.mu.RLock()
	slots := make([]*tenantSlot, 0, len(r.tenants))
	for _, s := range r.tenants {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	for _, s := range slots {
		s.mu.Lock()
		s.t.Usage.Reset(rt, at)
		s.t.UpdatedAt = at
		s.mu.Unlock()
	}
	return len(slots), nil
}

func cloneTenant(t model.Tenant) model.Tenant {
	t.Quotas.ProviderOptions = slices.Clone(t.Quotas.ProviderOptions)
	return t
}

type MemoryMessages struct {
	mu         sync.RWMutex
	byID       map[string]*model.Message
	byProvider map[string]string
	byBulk     map[string][]string
	order      []string
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byID:       make(map[string]*model.Message),
		byProvider: make(map[string]string),
		byBulk:     make(map[string][]string),
	}
}

func providerKey(provider, id string) string { return provider + "\x00" + id }

func (r *MemoryMessages) Create(ctx context.Context, msgs ...model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		if _, ok := r.byID[m.ID]; ok {
			return apperr.Conflict("message %q already exists", m.ID)
		}
	}
	for _, m := range msgs {
		r.byID[m.ID] = &m
		r.order = append(r.order, m.ID)
		if m.BulkJobID != "" {
			r.byBulk[m.BulkJobID] = append(r.byBulk[m.BulkJobID], m.ID)
		}
	}
	return nil
}

func (r *MemoryMessages) Get(ctx context.Context, id string) (model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return model.Message{}, apperr.NotFound("message", id)
	}
	return *m, nil
}

func (r *MemoryMessages) FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byProvider[providerKey(provider, providerMessageID)]
	if !ok {
		return model.Message{}, apperr.NotFound("provider message", providerMessageID)
	}
	return *r.byID[id], nil
}

func (r *MemoryMessages) ListByBulk(ctx context.Context, bulkJobID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byBulk[bulkJobID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.byID[id])
	}
	return out, nil
}

// ListByTenant returns the newest messages first.
func (r *MemoryMessages) ListByTenant(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Message, error) {
	limit, offset = clampPage(limit, offset)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	skipped := 0
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		m := r.byID[r.order[i]]
		if m.TenantID != tenantID || (status != "" && m.Status != status) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (r *MemoryMessages) SetJobID(ctx context.Context, id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return apperr.NotFound("message", id)
	}
	m.JobID = jobID
	return nil
}

func (r *MemoryMessages) Transition(ctx context.Context, id string, t model.Transition) (TransitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return TransitionResult{}, apperr.NotFound("message", id)
	}
	from := m.Status
	changed := m.Apply(t)
	if changed && m.ProviderMessageID != "" {
		r.byProvider[providerKey(m.Provider, m.ProviderMessageID)] = m.ID
	}
	return TransitionResult{Message: *m, From: from, Changed: changed}, nil
}

type MemoryBulkJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.BulkJob
}

func NewMemoryBulkJobs() *MemoryBulkJobs {
	return &MemoryBulkJobs{jobs: make(map[string]*model.BulkJob)}
}

func (r *MemoryBulkJobs) Create(ctx context.Context, b model.BulkJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[b.ID]; ok {
		return apperr.Conflict("bulk job %q already exists", b.ID)
	}
	b.MessageIDs = slices.Clone(b.MessageIDs)
	r.jobs[b.ID] = &b
	return nil
}

func (r *MemoryBulkJobs) Get(ctx context.Context, id string) (model.BulkJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.jobs[id]
	if !ok {
		return model.BulkJob{}, apperr.NotFound("bulk job", id)
	}
	return cloneBulk(*b), nil
}

func (r *MemoryBulkJobs) AddStats(ctx context.Context, id string, d model.StatsDelta) (model.BulkJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.jobs[id]
	if !ok {
		return model.BulkJob{}, apperr.NotFound("bulk job", id)
	}
	now := time.Now().UTC()
	b.Statistics = b.Statistics.Add(d)
	b.UpdatedAt = now
	settle(b, now)
	return cloneBulk(*b), nil
}

func (r *MemoryBulkJobs) SetStatus(ctx context.Context, id string, s model.BulkStatus, errMsg string) (model.BulkJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.jobs[id]
	if !ok {
		return model.BulkJob{}, apperr.NotFound("bulk job", id)
	}
	if b.Status.Terminal() {
		return cloneBulk(*b), nil
	}
	now := time.Now().UTC()
	b.Status = s
	b.UpdatedAt = now
	if errMsg != "" {
		b.Error = errMsg
	}
	if s.Terminal() {
		b.CompletedAt = &now
	}
	settle(b, now)
	return cloneBulk(*b), nil
}

func cloneBulk(b model.BulkJob) model.BulkJob {
	b.MessageIDs = slices.Clone(b.MessageIDs)
	return b
}
