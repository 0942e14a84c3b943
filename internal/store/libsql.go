package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, plan_name, status, final_output, error, hitl, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, nullStr(run.PlanName), string(run.Status),
		nullRaw(run.FinalOutput), nullStr(run.Error), boolInt(run.HITL),
		timeOr(run.CreatedAt, now), timeOr(run.UpdatedAt, now), nullTime(run.CompletedAt),
	)
	if err != nil {
		return storeErr("create run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, plan_name, status, final_output, error, hitl, created_at, updated_at, completed_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FinalOutput != nil {
		sets = append(sets, "final_output = ?")
		args = append(args, nullRaw(update.FinalOutput))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.HITL != nil {
		sets = append(sets, "hitl = ?")
		args = append(args, boolInt(*update.HITL))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return storeErr("update run", err)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, session_id, plan_name, status, final_output, error, hitl, created_at, updated_at, completed_at FROM runs`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		planName, output, errMsg sql.NullString
		status                   string
		hitl                     int64
		completedAt              sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.SessionID, &planName, &status, &output, &errMsg, &hitl,
		&run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	run.PlanName = planName.String
	run.Status = schema.RunStatus(status)
	run.FinalOutput = rawOrNil(output)
	run.Error = errMsg.String
	run.HITL = hitl != 0
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// --- Events ---

// AppendEvent stores a trace event. A zero Sequence is assigned the next
// value for the run inside the insert transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	fields, err := marshalFields(event.Trace.Fields)
	if err != nil {
		return storeErr("marshal event fields", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin event tx", err)
	}
	defer tx.Rollback()

	if event.Sequence <= 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
		).Scan(&event.Sequence); err != nil {
			return storeErr("next event sequence", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, event_type, node_id, fields, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Sequence, event.Trace.Event, nullStr(event.Trace.ID), fields, event.Timestamp,
	); err != nil {
		return storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, event_type, node_id, fields, timestamp
		 FROM events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var (
			name           string
			nodeID, fields sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Sequence, &name, &nodeID, &fields, &e.Timestamp); err != nil {
			return nil, storeErr("scan event", err)
		}
		var payload map[string]any
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &payload); err != nil {
				return nil, storeErr("unmarshal event fields", err)
			}
		}
		e.Trace = schema.NewTraceEvent(name, nodeID.String, payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Invocations ---

func (s *LibSQLStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (run_id, step_id, agent_id, handler, task, result, status, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.RunID, inv.StepID, inv.AgentID, nullStr(inv.Handler), nullStr(inv.Task), nullStr(inv.Result),
		string(inv.Status), nullStr(inv.Error), inv.DurationMs, inv.CreatedAt,
	)
	if err != nil {
		return storeErr("record invocation", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		inv.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListInvocations(ctx context.Context, runID string) ([]*Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, agent_id, handler, task, result, status, error, duration_ms, created_at
		 FROM invocations WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, storeErr("list invocations", err)
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		inv := &Invocation{}
		var (
			handler, task, result, errMsg sql.NullString
			status                        string
		)
		if err := rows.Scan(&inv.ID, &inv.RunID, &inv.StepID, &inv.AgentID, &handler, &task, &result,
			&status, &errMsg, &inv.DurationMs, &inv.CreatedAt); err != nil {
			return nil, storeErr("scan invocation", err)
		}
		inv.Handler = handler.String
		inv.Task = task.String
		inv.Result = result.String
		inv.Status = schema.TaskStatus(status)
		inv.Error = errMsg.String
		out = append(out, inv)
	}
	return out, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if len(job.Plan) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires a plan")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, plan, cron_expression, session_id, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullStr(job.Name), string(job.Plan), job.CronExpression, nullStr(job.SessionID),
		boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), nullStr(job.LastRunID), timeOr(job.CreatedAt, time.Now().UTC()),
	)
	if err != nil {
		return storeErr("create scheduled job", err)
	}
	return nil
}

const jobColumns = `id, name, plan, cron_expression, session_id, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled job", err)
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan scheduled job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		name, sessionID, lastStatus, lastRunID sql.NullString
		plan                                   string
		enabled                                int64
		lastRun, nextRun                       sql.NullTime
	)
	if err := row.Scan(&job.ID, &name, &plan, &job.CronExpression, &sessionID, &enabled,
		&lastRun, &nextRun, &lastStatus, &lastRunID, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Name = name.String
	job.Plan = json.RawMessage(plan)
	job.SessionID = sessionID.String
	job.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	job.LastRunStatus = lastStatus.String
	job.LastRunID = lastRunID.String
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PlanError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.PlanError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOr(t, def time.Time) time.Time {
	if t.IsZero() {
		return def
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalFields(fields map[string]any) (any, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
