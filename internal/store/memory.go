package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// MemoryStore is an in-process Store. Nothing survives Close.
// Returned records are copies; callers may mutate them freely.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	events      map[string][]*Event
	invocations map[string][]*Invocation
	jobs        map[string]*ScheduledJob
	nextInvID   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		events:      make(map[string][]*Event),
		invocations: make(map[string][]*Invocation),
		jobs:        make(map[string]*ScheduledJob),
	}
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*LibSQLStore)(nil)

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	now := time.Now().UTC()
	cp := *run
	cp.CreatedAt = timeOr(cp.CreatedAt, now)
	cp.UpdatedAt = timeOr(cp.UpdatedAt, now)
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.FinalOutput != nil {
		run.FinalOutput = append(json.RawMessage(nil), update.FinalOutput...)
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.HITL != nil {
		run.HITL = *update.HITL
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.SessionID != "" && run.SessionID != filter.SessionID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.events[event.RunID]
	if event.Sequence <= 0 {
		event.Sequence = int64(len(existing)) + 1
	}
	for _, e := range existing {
		if e.Sequence == event.Sequence {
			return schema.NewErrorf(schema.ErrCodeConflict, "event %d already recorded for run %q", event.Sequence, event.RunID)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.RunID] = append(existing, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0, len(m.events[runID]))
	for _, e := range m.events[runID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- Invocations ---

func (m *MemoryStore) RecordInvocation(_ context.Context, inv *Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextInvID++
	inv.ID = m.nextInvID
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	cp := *inv
	m.invocations[inv.RunID] = append(m.invocations[inv.RunID], &cp)
	return nil
}

func (m *MemoryStore) ListInvocations(_ context.Context, runID string) ([]*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Invocation, 0, len(m.invocations[runID]))
	for _, inv := range m.invocations[runID] {
		cp := *inv
		out = append(out, &cp)
	}
	return out, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	if len(job.Plan) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires a plan")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOr(cp.CreatedAt, time.Now().UTC())
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		job.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		job.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		job.LastRunID = update.LastRunID
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}
