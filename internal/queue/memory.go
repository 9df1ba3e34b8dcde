package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process. Each queue has a ready heap ordered by
// priority then arrival, and a delayed heap ordered by RunAt; delayed jobs
// move to the ready heap as they come due. Heap entries made stale by cancel
// or retry are skipped on pop.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*memJob
	queues map[string]*memQueue
	seq    int64
}

type memJob struct {
	Job
	seq     int64
	version int
}

type memEntry struct {
	id       string
	priority int
	seq      int64
	runAt    time.Time
	version  int
}

type memQueue struct {
	ready   readyHeap
	delayed delayedHeap
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*memJob),
		queues: make(map[string]*memQueue),
	}
}

func (s *MemoryStore) queue(name string) *memQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memQueue{}
		s.queues[name] = q
	}
	return q
}

// schedule pushes j onto the heap matching its state. Caller holds s.mu.
func (s *MemoryStore) schedule(j *memJob) {
	j.version++
	e := &memEntry{id: j.ID, priority: j.Priority, seq: j.seq, runAt: j.RunAt, version: j.version}
	q := s.queue(j.Queue)
	if j.State == StateDelayed {
		heap.Push(&q.delayed, e)
		return
	}
	heap.Push(&q.ready, e)
}

func (s *MemoryStore) valid(e *memEntry, want State) (*memJob, bool) {
	j, ok := s.jobs[e.id]
	if !ok || j.version != e.version || j.State != want {
		return nil, false
	}
	return j, true
}

// promote moves due delayed jobs to the ready heap. Caller holds s.mu.
func (s *MemoryStore) promote(q *memQueue, now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].runAt.After(now) {
		e := heap.Pop(&q.delayed).(*memEntry)
		j, ok := s.valid(e, StateDelayed)
		if !ok {
			continue
		}
		j.State = StateWaiting
		s.schedule(j)
	}
}

func (s *MemoryStore) Add(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	s.seq++
	j := &memJob{Job: job, seq: s.seq}
	s.jobs[job.ID] = j
	s.schedule(j)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, queue, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Queue != queue {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(time.Now()), nil
}

// snapshot reports due delayed jobs as waiting.
func (j *memJob) snapshot(now time.Time) Job {
	out := j.Job
	if out.State == StateDelayed && !out.RunAt.After(now) {
		out.State = StateWaiting
	}
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	return out
}

func (s *MemoryStore) Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	s.promote(q, now)

	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*memEntry)
		j, ok := s.valid(e, StateWaiting)
		if !ok {
			continue
		}
		until := now.Add(lease)
		j.State = StateActive
		j.Attempts++
		j.LeaseUntil = &until
		j.UpdatedAt = now
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		return j.snapshot(now), true, nil
	}
	return Job{}, false, nil
}

func (s *MemoryStore) active(id string) (*memJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.State != StateActive {
		return nil, ErrNotActive
	}
	return j, nil
}

func (s *MemoryStore) Extend(ctx context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.LeaseUntil = &until
	return nil
}

func (s *MemoryStore) SetProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Progress = min(max(progress, 0), 100)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) finish(j *memJob, state State, at time.Time) {
	j.State = state
	j.LeaseUntil = nil
	j.UpdatedAt = at
	j.FinishedAt = &at
}

func (s *MemoryStore) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.Result = result
	j.Progress = 100
	s.finish(j, StateCompleted, at)
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.State = StateDelayed
	j.RunAt = runAt
	j.LastError = errMsg
	j.LeaseUntil = nil
	j.UpdatedAt = time.Now().UTC()
	s.schedule(j)
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.LastError = errMsg
	s.finish(j, StateFailed, at)
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, queue, id string, at time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Queue != queue {
		return Job{}, ErrJobNotFound
	}
	if !j.State.Pending() {
		return j.snapshot(at), ErrNotCancelable
	}
	s.finish(j, StateCancelled, at)
	return j.snapshot(at), nil
}

func (s *MemoryStore) RequeueExpired(ctx context.Context, queue string, now time.Time) (int, []Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	var failed []Job
	for _, j := range s.jobs {
		if j.Queue != queue || j.State != StateActive || j.LeaseUntil == nil || j.LeaseUntil.After(now) {
			continue
		}
		if j.FinalAttempt() {
			j.LastError = "worker lease expired"
			s.finish(j, StateFailed, now)
			failed = append(failed, j.Job)
			continue
		}
		n++
		j.State = StateWaiting
		j.LeaseUntil = nil
		j.UpdatedAt = now
		s.schedule(j)
	}
	return n, failed, nil
}

func (s *MemoryStore) Purge(ctx context.Context, queue string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.Queue == queue && j.State.Finished() && j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Counts(ctx context.Context, queue string, now time.Time) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[State]int{
		StateWaiting: 0, StateDelayed: 0, StateActive: 0,
		StateCompleted: 0, StateFailed: 0, StateCancelled: 0,
	}
	for _, j := range s.jobs {
		if j.Queue == queue {
			out[j.snapshot(now).State]++
		}
	}
	return out, nil
}

func (s *MemoryStore) Ahead(ctx context.Context, queue string, priority int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Queue == queue && j.State.Pending() && !j.RunAt.After(now) && j.Priority >= priority {
			n++
		}
	}
	return n, nil
}

type readyHeap []*memEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*memEntry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type delayedHeap []*memEntry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*memEntry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
