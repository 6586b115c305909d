// Package automation implements the scheduled/event/webhook-triggered job
// engine of spec.md §4.6: job CRUD with computed next_run_at, a 1s
// scheduler tick, a heartbeat tick, and idempotent webhook/poll ingestion
// keyed on (ingest_kind, source, event_id).
package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"

	"assistantgw/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TriggerKind is one of the five trigger shapes spec.md §3 enumerates.
type TriggerKind string

const (
	TriggerHeartbeat TriggerKind = "heartbeat"
	TriggerInterval  TriggerKind = "interval"
	TriggerCron      TriggerKind = "cron"
	TriggerPoll      TriggerKind = "poll"
	TriggerHook      TriggerKind = "hook"
)

// Trigger is the tagged-union of what causes a job to run.
type Trigger struct {
	Kind            TriggerKind `json:"kind"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	CronExpr        string      `json:"cron_expr,omitempty"`
	Source          string      `json:"source,omitempty"`
	PollSeconds     int         `json:"poll_seconds,omitempty"`
}

// IsTimeBased reports whether the scheduler loop (rather than webhook/poll
// ingest) drives this trigger.
func (t Trigger) IsTimeBased() bool {
	switch t.Kind {
	case TriggerHeartbeat, TriggerInterval, TriggerCron:
		return true
	default:
		return false
	}
}

// Action is the opaque payload a job runs; Executor interprets Type and
// Arguments however the concrete automation action requires (spec.md §1
// excludes concrete tool implementations from this package's scope).
type Action struct {
	Type      string         `json:"type"`
	Arguments map[string]any `json:"arguments"`
}

// Job is spec.md §3's AutomationJob.
type Job struct {
	JobID        string
	Name         string
	Trigger      Trigger
	Action       Action
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	RunCount     int
	FailureCount int
	LastError    string
}

// Executor runs a job's Action; it is the seam between this package's
// scheduling machinery and whatever concrete side effect a job triggers
// (itself an external collaborator per spec.md §1).
type Executor interface {
	Run(ctx context.Context, job *Job, triggeredBy string, payload map[string]any) error
}

// Runtime owns the in-memory job cache (a reader-writer lock, per spec.md
// §5's shared-resource discipline), the durable store, and the
// cron-expression parser used for Cron{expr} triggers.
type Runtime struct {
	Store    *store.Store
	Executor Executor

	HeartbeatIntervalSeconds int

	mu   sync.RWMutex
	jobs map[string]*Job

	heartbeatMu    sync.Mutex
	heartbeatTicks int
	lastHeartbeat  time.Time

	schedulerFailures int

	parser cron.Parser
}

func NewRuntime(st *store.Store, exec Executor, heartbeatIntervalSeconds int) *Runtime {
	if heartbeatIntervalSeconds <= 0 {
		heartbeatIntervalSeconds = 30
	}
	return &Runtime{
		Store:                    st,
		Executor:                 exec,
		HeartbeatIntervalSeconds: heartbeatIntervalSeconds,
		jobs:                     make(map[string]*Job),
		parser:                   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// ErrInvalidJob wraps every create_job validation failure (spec.md §4.6
// "validates fields").
var ErrInvalidJob = fmt.Errorf("automation: invalid job")

// CreateJob validates fields and computes the initial next_run_at before
// persisting and caching the new job.
func (r *Runtime) CreateJob(ctx context.Context, name string, trigger Trigger, action Action, enabled bool) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidJob)
	}
	if err := validateTrigger(r.parser, trigger); err != nil {
		return nil, err
	}
	if strings.TrimSpace(action.Type) == "" {
		return nil, fmt.Errorf("%w: action type must not be empty", ErrInvalidJob)
	}

	now := time.Now()
	job := &Job{
		JobID:     uuid.NewString(),
		Name:      name,
		Trigger:   trigger,
		Action:    action,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if trigger.IsTimeBased() {
		next, err := r.computeNextRunAt(trigger, now)
		if err != nil {
			return nil, err
		}
		job.NextRunAt = next
	}

	if err := r.persist(ctx, job); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.jobs[job.JobID] = job
	r.mu.Unlock()
	return job, nil
}

func validateTrigger(parser cron.Parser, t Trigger) error {
	switch t.Kind {
	case TriggerHeartbeat:
		return nil
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval trigger requires a non-zero interval_seconds", ErrInvalidJob)
		}
		return nil
	case TriggerCron:
		if strings.TrimSpace(t.CronExpr) == "" {
			return fmt.Errorf("%w: cron trigger requires a cron_expr", ErrInvalidJob)
		}
		if _, err := parser.Parse(t.CronExpr); err != nil {
			return fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidJob, t.CronExpr, err)
		}
		return nil
	case TriggerPoll:
		if strings.TrimSpace(t.Source) == "" {
			return fmt.Errorf("%w: poll trigger requires a source", ErrInvalidJob)
		}
		if t.PollSeconds <= 0 {
			return fmt.Errorf("%w: poll trigger requires a non-zero poll_seconds", ErrInvalidJob)
		}
		return nil
	case TriggerHook:
		if strings.TrimSpace(t.Source) == "" {
			return fmt.Errorf("%w: hook trigger requires a source", ErrInvalidJob)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidJob, t.Kind)
	}
}

func (r *Runtime) computeNextRunAt(t Trigger, from time.Time) (*time.Time, error) {
	switch t.Kind {
	case TriggerHeartbeat:
		next := from.Add(time.Duration(r.HeartbeatIntervalSeconds) * time.Second)
		return &next, nil
	case TriggerInterval:
		next := from.Add(time.Duration(t.IntervalSeconds) * time.Second)
		return &next, nil
	case TriggerCron:
		sched, err := r.parser.Parse(t.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("automation: parse cron expr %q: %w", t.CronExpr, err)
		}
		next := sched.Next(from)
		return &next, nil
	default:
		return nil, nil
	}
}

// LoadJobs populates the in-memory cache from the durable store, used at
// process startup.
func (r *Runtime) LoadJobs(ctx context.Context) error {
	rows, err := r.Store.Query(ctx, `
		SELECT job_id, name, trigger_kind, trigger_config, action, enabled, created_at, updated_at, last_run_at, next_run_at, run_count, failure_count, last_error
		FROM opencraw_automation_jobs
	`)
	if err != nil {
		return fmt.Errorf("automation: load jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[string]*Job)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			slog.Warn("automation: skipping unreadable job row", "error", err)
			continue
		}
		jobs[job.JobID] = job
	}

	r.mu.Lock()
	r.jobs = jobs
	r.mu.Unlock()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(rs rowScanner) (*Job, error) {
	var (
		job                         Job
		triggerKind, triggerConfig  string
		actionJSON                  string
		enabled                     int
		createdAt, updatedAt        int64
		lastRunAt, nextRunAt        *int64
		lastError                   *string
	)
	if err := rs.Scan(&job.JobID, &job.Name, &triggerKind, &triggerConfig, &actionJSON, &enabled,
		&createdAt, &updatedAt, &lastRunAt, &nextRunAt, &job.RunCount, &job.FailureCount, &lastError); err != nil {
		return nil, err
	}

	job.Trigger.Kind = TriggerKind(triggerKind)
	if err := json.Unmarshal([]byte(triggerConfig), &job.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_config: %w", err)
	}
	job.Trigger.Kind = TriggerKind(triggerKind)
	if err := json.Unmarshal([]byte(actionJSON), &job.Action); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	job.Enabled = enabled != 0
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	if lastRunAt != nil {
		t := time.Unix(*lastRunAt, 0)
		job.LastRunAt = &t
	}
	if nextRunAt != nil {
		t := time.Unix(*nextRunAt, 0)
		job.NextRunAt = &t
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	return &job, nil
}

func (r *Runtime) persist(ctx context.Context, job *Job) error {
	triggerConfig, err := json.Marshal(job.Trigger)
	if err != nil {
		return fmt.Errorf("automation: marshal trigger: %w", err)
	}
	actionJSON, err := json.Marshal(job.Action)
	if err != nil {
		return fmt.Errorf("automation: marshal action: %w", err)
	}

	return store.RetryWrite(ctx, 100*time.Millisecond, "persist_automation_job", func(ctx context.Context) error {
		_, err := r.Store.Execute(ctx, `
			INSERT INTO opencraw_automation_jobs
				(job_id, name, trigger_kind, trigger_config, action, enabled, created_at, updated_at, last_run_at, next_run_at, run_count, failure_count, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				name=excluded.name, trigger_kind=excluded.trigger_kind, trigger_config=excluded.trigger_config,
				action=excluded.action, enabled=excluded.enabled, updated_at=excluded.updated_at,
				last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at,
				run_count=excluded.run_count, failure_count=excluded.failure_count, last_error=excluded.last_error
		`, job.JobID, job.Name, string(job.Trigger.Kind), string(triggerConfig), string(actionJSON),
			boolToInt(job.Enabled), job.CreatedAt.Unix(), job.UpdatedAt.Unix(),
			nullableTime(job.LastRunAt), nullableTime(job.NextRunAt), job.RunCount, job.FailureCount, nullableStr(job.LastError))
		if err != nil {
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RunScheduler runs the 1s scheduler tick loop until ctx is canceled
// (spec.md §4.6 "Scheduler loop").
func (r *Runtime) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runtime) tick(ctx context.Context) {
	now := time.Now()

	r.mu.RLock()
	due := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.Enabled && job.Trigger.IsTimeBased() && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	r.mu.RUnlock()

	for _, job := range due {
		r.runDueJob(ctx, job, now)
	}
}

func (r *Runtime) runDueJob(ctx context.Context, job *Job, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.runAction(ctx, job, "scheduler", nil)
	job.LastRunAt = &now
	job.RunCount++
	if err != nil {
		job.FailureCount++
		job.LastError = err.Error()
		r.schedulerFailures++
		slog.Warn("automation: job action failed", "job", job.JobID, "error", err)
	} else {
		job.LastError = ""
	}

	next, nerr := r.computeNextRunAt(job.Trigger, now)
	if nerr != nil {
		job.FailureCount++
		job.LastError = nerr.Error()
		job.NextRunAt = nil
		r.schedulerFailures++
		slog.Warn("automation: failed to compute next run", "job", job.JobID, "error", nerr)
	} else {
		job.NextRunAt = next
	}
	job.UpdatedAt = now

	if perr := r.persist(ctx, job); perr != nil {
		slog.Warn("automation: failed to persist job after run", "job", job.JobID, "error", perr)
	}
}

func (r *Runtime) runAction(ctx context.Context, job *Job, triggeredBy string, payload map[string]any) error {
	if r.Executor == nil {
		return fmt.Errorf("automation: no executor configured")
	}
	return r.Executor.Run(ctx, job, triggeredBy, payload)
}

// RunHeartbeat ticks every HeartbeatIntervalSeconds, stamping
// last_heartbeat_at (spec.md §4.6 "Heartbeat loop").
func (r *Runtime) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.HeartbeatIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatMu.Lock()
			r.heartbeatTicks++
			r.lastHeartbeat = time.Now()
			r.heartbeatMu.Unlock()
		}
	}
}

// HeartbeatStats reports the heartbeat counters for diagnostics.
func (r *Runtime) HeartbeatStats() (ticks int, last time.Time) {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()
	return r.heartbeatTicks, r.lastHeartbeat
}

// IngestReceipt is what WebhookIngest/PollIngest return (spec.md §4.6 step
// 6: "return a receipt").
type IngestReceipt struct {
	Duplicate     bool
	ExecutedJobs  int
	PayloadSHA256 string
}

func payloadDigest(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("automation: marshal payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// recordIngestEvent inserts the replay-protection row and reports whether
// it was a duplicate, per spec.md §4.6 step 3 / §8 testable property 7. An
// empty eventID opts out of deduplication.
func (r *Runtime) recordIngestEvent(ctx context.Context, kind, source, eventID string, digest string, now time.Time) (duplicate bool, err error) {
	if eventID == "" {
		return false, nil
	}
	source = strings.ToLower(source)

	var existing string
	row := r.Store.QueryRow(ctx, `SELECT ingest_id FROM opencraw_automation_ingest_events WHERE ingest_kind=? AND source=? AND event_id=?`, kind, source, eventID)
	if err := row.Scan(&existing); err == nil {
		return true, nil
	}

	raced := false
	insertErr := store.RetryWrite(ctx, 100*time.Millisecond, "insert_ingest_event", func(ctx context.Context) error {
		_, err := r.Store.Execute(ctx, `
			INSERT INTO opencraw_automation_ingest_events (ingest_id, ingest_kind, source, event_id, payload_sha256, received_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), kind, source, eventID, digest, now.Unix())
		if err != nil {
			lower := strings.ToLower(err.Error())
			if strings.Contains(lower, "unique") || strings.Contains(lower, "constraint") {
				raced = true
				return nil // race with a concurrent insert: treat as duplicate below
			}
			return fmt.Errorf("sqlite execute: %w", err)
		}
		return nil
	})
	if insertErr != nil {
		return false, insertErr
	}

	// A UNIQUE-constraint race means someone else's row won: a duplicate.
	return raced, nil
}

// WebhookIngest implements spec.md §4.6's webhook ingest: dedup by
// (ingest_kind, source, event_id), then run every enabled Hook{source} job
// if this wasn't a replay.
func (r *Runtime) WebhookIngest(ctx context.Context, source string, payload map[string]any, providedSecret, providedEventID string, configuredSecret string, enabled bool) (IngestReceipt, error) {
	if !enabled {
		return IngestReceipt{}, fmt.Errorf("automation: automation is disabled")
	}
	if configuredSecret != "" && providedSecret != configuredSecret {
		return IngestReceipt{}, fmt.Errorf("automation: webhook secret mismatch")
	}

	digest, err := payloadDigest(payload)
	if err != nil {
		return IngestReceipt{}, err
	}

	now := time.Now()
	duplicate, err := r.recordIngestEvent(ctx, "webhook", source, providedEventID, digest, now)
	if err != nil {
		return IngestReceipt{}, err
	}

	receipt := IngestReceipt{Duplicate: duplicate, PayloadSHA256: digest}
	if duplicate {
		return receipt, nil
	}

	matches := r.matchingHookJobs(source)
	for _, job := range matches {
		r.mu.Lock()
		err := r.runAction(ctx, job, fmt.Sprintf("webhook:%s", strings.ToLower(source)), payload)
		job.LastRunAt = &now
		job.RunCount++
		if err != nil {
			job.FailureCount++
			job.LastError = err.Error()
			slog.Warn("automation: webhook-triggered job failed", "job", job.JobID, "error", err)
		} else {
			job.LastError = ""
		}
		job.UpdatedAt = now
		if perr := r.persist(ctx, job); perr != nil {
			slog.Warn("automation: failed to persist job after webhook run", "job", job.JobID, "error", perr)
		}
		r.mu.Unlock()
		receipt.ExecutedJobs++
	}

	return receipt, nil
}

func (r *Runtime) matchingHookJobs(source string) []*Job {
	source = strings.ToLower(source)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, job := range r.jobs {
		if job.Enabled && job.Trigger.Kind == TriggerHook && strings.EqualFold(job.Trigger.Source, source) {
			out = append(out, job)
		}
	}
	return out
}

// PollIngest is analogous to WebhookIngest but selects Poll{source,
// interval_seconds} jobs and additionally gates execution per job on
// last_run_at + interval <= received_at (spec.md §4.6 "Poll ingest").
func (r *Runtime) PollIngest(ctx context.Context, source string, payload map[string]any, providedEventID string, receivedAt time.Time, enabled bool) (IngestReceipt, error) {
	if !enabled {
		return IngestReceipt{}, fmt.Errorf("automation: automation is disabled")
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	digest, err := payloadDigest(payload)
	if err != nil {
		return IngestReceipt{}, err
	}

	duplicate, err := r.recordIngestEvent(ctx, "poll", source, providedEventID, digest, receivedAt)
	if err != nil {
		return IngestReceipt{}, err
	}

	receipt := IngestReceipt{Duplicate: duplicate, PayloadSHA256: digest}
	if duplicate {
		return receipt, nil
	}

	source = strings.ToLower(source)
	r.mu.RLock()
	var candidates []*Job
	for _, job := range r.jobs {
		if job.Enabled && job.Trigger.Kind == TriggerPoll && strings.EqualFold(job.Trigger.Source, source) {
			candidates = append(candidates, job)
		}
	}
	r.mu.RUnlock()

	for _, job := range candidates {
		r.mu.Lock()
		due := job.LastRunAt == nil || !job.LastRunAt.Add(time.Duration(job.Trigger.PollSeconds)*time.Second).After(receivedAt)
		if due {
			err := r.runAction(ctx, job, fmt.Sprintf("poll:%s", source), payload)
			job.LastRunAt = &receivedAt
			job.RunCount++
			if err != nil {
				job.FailureCount++
				job.LastError = err.Error()
			} else {
				job.LastError = ""
			}
			job.UpdatedAt = receivedAt
			if perr := r.persist(ctx, job); perr != nil {
				slog.Warn("automation: failed to persist job after poll run", "job", job.JobID, "error", perr)
			}
			receipt.ExecutedJobs++
		}
		r.mu.Unlock()
	}

	return receipt, nil
}

// Job returns a copy of job by id, for diagnostics and tests.
func (r *Runtime) Job(jobID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}
