package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Trace events (append-only, ordered by sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string) ([]*Event, error)

	// Handler invocations
	RecordInvocation(ctx context.Context, inv *Invocation) error
	ListInvocations(ctx context.Context, runID string) ([]*Invocation, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Open returns a migrated LibSQLStore for dbPath, or a MemoryStore when
// dbPath is empty or ":memory:".
func Open(ctx context.Context, dbPath string) (Store, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return NewMemoryStore(), nil
	}
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
