package automation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistantgw/internal/automation"
	"assistantgw/internal/store"
)

type countingExecutor struct {
	runs int
}

func (e *countingExecutor) Run(ctx context.Context, job *automation.Job, triggeredBy string, payload map[string]any) error {
	e.runs++
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), "org", "proj", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestWebhookIngestIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	exec := &countingExecutor{}
	rt := automation.NewRuntime(st, exec, 30)

	job, err := rt.CreateJob(context.Background(), "notify-on-push", automation.Trigger{Kind: automation.TriggerHook, Source: "github"}, automation.Action{Type: "notify"}, true)
	require.NoError(t, err)
	require.NotNil(t, job)

	receipt1, err := rt.WebhookIngest(context.Background(), "github", map[string]any{"x": 1}, "", "evt-123", "", true)
	require.NoError(t, err)
	require.False(t, receipt1.Duplicate)
	require.Equal(t, 1, receipt1.ExecutedJobs)

	receipt2, err := rt.WebhookIngest(context.Background(), "github", map[string]any{"x": 1}, "", "evt-123", "", true)
	require.NoError(t, err)
	require.True(t, receipt2.Duplicate)
	require.Equal(t, 0, receipt2.ExecutedJobs)

	require.Equal(t, 1, exec.runs)

	reloaded, ok := rt.Job(job.JobID)
	require.True(t, ok)
	require.Equal(t, 1, reloaded.RunCount)
}

func TestWebhookIngestSecretMismatchRejected(t *testing.T) {
	st := openTestStore(t)
	rt := automation.NewRuntime(st, &countingExecutor{}, 30)
	_, err := rt.WebhookIngest(context.Background(), "github", nil, "wrong", "evt-1", "correct", true)
	require.Error(t, err)
}

func TestCreateJobValidatesCronExpr(t *testing.T) {
	st := openTestStore(t)
	rt := automation.NewRuntime(st, &countingExecutor{}, 30)
	_, err := rt.CreateJob(context.Background(), "bad-cron", automation.Trigger{Kind: automation.TriggerCron, CronExpr: "not a cron"}, automation.Action{Type: "noop"}, true)
	require.ErrorIs(t, err, automation.ErrInvalidJob)
}

func TestPollIngestGatesOnInterval(t *testing.T) {
	st := openTestStore(t)
	exec := &countingExecutor{}
	rt := automation.NewRuntime(st, exec, 30)

	_, err := rt.CreateJob(context.Background(), "poll-feed", automation.Trigger{Kind: automation.TriggerPoll, Source: "feed", PollSeconds: 60}, automation.Action{Type: "fetch"}, true)
	require.NoError(t, err)

	base := time.Now()
	r1, err := rt.PollIngest(context.Background(), "feed", map[string]any{"n": 1}, "", base, true)
	require.NoError(t, err)
	require.Equal(t, 1, r1.ExecutedJobs)

	// a second ingest 10s later (well under the 60s poll interval) must not
	// run the job again, even though it's not a literal event-id replay.
	r2, err := rt.PollIngest(context.Background(), "feed", map[string]any{"n": 2}, "", base.Add(10*time.Second), true)
	require.NoError(t, err)
	require.Equal(t, 0, r2.ExecutedJobs)

	require.Equal(t, 1, exec.runs)
}

func TestSchedulerRunsIntervalJob(t *testing.T) {
	st := openTestStore(t)
	exec := &countingExecutor{}
	rt := automation.NewRuntime(st, exec, 30)

	job, err := rt.CreateJob(context.Background(), "ping", automation.Trigger{Kind: automation.TriggerInterval, IntervalSeconds: 1}, automation.Action{Type: "ping"}, true)
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	rt.RunScheduler(ctx)

	reloaded, ok := rt.Job(job.JobID)
	require.True(t, ok)
	require.GreaterOrEqual(t, reloaded.RunCount, 1)
}
