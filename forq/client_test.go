package forq_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forqdev/forq/forq"
	"github.com/forqdev/forq/forq/backoff"
	"github.com/forqdev/forq/forq/config"
	forqerrors "github.com/forqdev/forq/forq/errors"
	"github.com/forqdev/forq/forq/job"
)

type testContext struct {
	cfg *config.Config
}

// claimNext does what a worker does to start processing: it atomically
// moves the next eligible job from the wait list to the active list.
func claimNext(t *testing.T, q *forq.Queue) string {
	t.Helper()

	j, err := q.ClaimNext(context.Background(), "", 0)
	require.NoError(t, err)
	require.NotNil(t, j, "no job available to claim")
	return j.ID
}

func SetupTestWrapper(t *testing.T) *testContext {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start redis container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	cfg := &config.Config{
		RedisAddr:       net.JoinHostPort(host, mappedPort.Port()),
		PingTimeout:     1 * time.Second,
		PromoteInterval: 50 * time.Millisecond,
	}
	cfg.SetDefaults()

	return &testContext{cfg: cfg}
}

func TestForq_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	testCtx := SetupTestWrapper(t)

	tests := []struct {
		name  string
		queue string
		run   func(t *testing.T, q *forq.Queue)
	}{
		{
			name:  "Enqueue And Complete",
			queue: "complete",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", map[string]string{"to": "user@example.com"}, job.Options{})
				require.NoError(t, err)
				require.NotEmpty(t, j.ID)

				waiting, err := q.IsWaiting(ctx, j)
				require.NoError(t, err)
				require.True(t, waiting)

				claimed := claimNext(t, q)
				require.Equal(t, j.ID, claimed)

				active, err := q.IsActive(ctx, j)
				require.NoError(t, err)
				require.True(t, active)

				next, err := q.MoveToCompleted(ctx, j, map[string]string{"messageId": "abc"})
				require.NoError(t, err)
				require.Nil(t, next, "no other job was waiting")

				completed, err := q.IsCompleted(ctx, j)
				require.NoError(t, err)
				require.True(t, completed)

				fresh, err := q.JobFromID(ctx, j.ID)
				require.NoError(t, err)
				require.NotNil(t, fresh)
				require.JSONEq(t, `{"messageId":"abc"}`, string(fresh.ReturnValue))
				require.NotZero(t, fresh.FinishedOn)
			},
		},
		{
			name:  "Completion Hands Next Job To Worker",
			queue: "fetchnext",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				first, err := q.Add(ctx, "send-email", map[string]int{"seq": 1}, job.Options{})
				require.NoError(t, err)
				second, err := q.Add(ctx, "send-email", map[string]int{"seq": 2}, job.Options{})
				require.NoError(t, err)

				claimed := claimNext(t, q)
				require.Equal(t, first.ID, claimed)

				next, err := q.MoveToCompleted(ctx, first, nil)
				require.NoError(t, err)
				require.NotNil(t, next)
				require.Equal(t, second.ID, next.ID)

				active, err := q.IsActive(ctx, next)
				require.NoError(t, err)
				require.True(t, active, "handed-off job is already claimed")
			},
		},
		{
			name:  "Retry With Backoff Until Exhausted",
			queue: "retries",
			run: func(t *testing.T, q *forq.Queue) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				go func() { _ = q.RunPromoter(ctx) }()

				j, err := q.Add(ctx, "send-email", nil, job.Options{
					Attempts: 3,
					Backoff:  backoff.Policy{Type: backoff.TypeFixed, Delay: 200},
				})
				require.NoError(t, err)

				for attempt := 1; attempt <= 3; attempt++ {
					waitUntilClaimable(t, q, j)
					claimed := claimNext(t, q)
					require.Equal(t, j.ID, claimed)

					err = q.MoveToFailed(ctx, j, fmt.Errorf("smtp refused (attempt %d)", attempt))
					require.NoError(t, err)
					require.Equal(t, attempt, j.AttemptsMade)

					if attempt < 3 {
						delayed, err := q.IsDelayed(ctx, j)
						require.NoError(t, err)
						require.True(t, delayed, "non-final failure reschedules")
					}
				}

				failed, err := q.IsFailed(ctx, j)
				require.NoError(t, err)
				require.True(t, failed)

				fresh, err := q.JobFromID(ctx, j.ID)
				require.NoError(t, err)
				require.Equal(t, 3, fresh.AttemptsMade)
				require.Equal(t, "smtp refused (attempt 3)", fresh.FailedReason)
				require.Len(t, fresh.Stacktrace, 3)
			},
		},
		{
			name:  "Lock Ownership",
			queue: "locks",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", nil, job.Options{})
				require.NoError(t, err)
				claimNext(t, q)

				owner := forq.NewLockToken()
				ok, err := q.AcquireLock(ctx, j, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = q.AcquireLock(ctx, j, forq.NewLockToken(), time.Minute)
				require.NoError(t, err)
				require.False(t, ok, "held lock cannot be reacquired by another owner")

				_, err = q.MoveToCompleted(ctx, j, nil, forq.WithLockToken(forq.NewLockToken()))
				require.Error(t, err)
				require.True(t, forqerrors.IsTransitionRejected(err))

				_, err = q.MoveToCompleted(ctx, j, nil, forq.WithLockToken(owner))
				require.NoError(t, err)
			},
		},
		{
			name:  "Finished Wait Over PubSub",
			queue: "pubsub",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", nil, job.Options{})
				require.NoError(t, err)

				type result struct {
					outcome forq.Outcome
					err     error
				}
				done := make(chan result, 1)
				go func() {
					outcome, err := q.Finished(ctx, j, 10*time.Second)
					done <- result{outcome, err}
				}()

				// Give the waiter a moment to reach its subscription; the
				// post-subscribe re-poll covers the remaining race.
				time.Sleep(200 * time.Millisecond)

				claimNext(t, q)
				_, err = q.MoveToCompleted(ctx, j, map[string]bool{"sent": true})
				require.NoError(t, err)

				select {
				case res := <-done:
					require.NoError(t, res.err)
					require.Equal(t, forq.StatusCompleted, res.outcome.Status)
					require.JSONEq(t, `{"sent":true}`, string(res.outcome.ReturnValue))
				case <-time.After(10 * time.Second):
					t.Fatal("timeout waiting for completion notification")
				}
			},
		},
		{
			name:  "Finished Resolves Already Failed Job",
			queue: "prefailed",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", nil, job.Options{Attempts: 1})
				require.NoError(t, err)
				claimNext(t, q)
				require.NoError(t, q.MoveToFailed(ctx, j, fmt.Errorf("smtp down")))

				outcome, err := q.Finished(ctx, &job.Job{ID: j.ID}, 0)
				require.NoError(t, err)
				require.Equal(t, forq.StatusFailed, outcome.Status)
				require.Equal(t, "smtp down", outcome.FailedReason)
			},
		},
		{
			name:  "Manual Retry Of Failed Job",
			queue: "manualretry",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", nil, job.Options{Attempts: 1})
				require.NoError(t, err)
				claimNext(t, q)
				require.NoError(t, q.MoveToFailed(ctx, j, fmt.Errorf("boom")))

				require.NoError(t, q.Retry(ctx, j))

				waiting, err := q.IsWaiting(ctx, j)
				require.NoError(t, err)
				require.True(t, waiting)

				fresh, err := q.JobFromID(ctx, j.ID)
				require.NoError(t, err)
				require.Empty(t, fresh.FailedReason)
				require.Zero(t, fresh.FinishedOn)
			},
		},
		{
			name:  "Remove Deletes Everywhere",
			queue: "remove",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", nil, job.Options{})
				require.NoError(t, err)
				require.NoError(t, q.Remove(ctx, j))

				fresh, err := q.JobFromID(ctx, j.ID)
				require.NoError(t, err)
				require.Nil(t, fresh)

				err = q.Remove(ctx, j)
				require.Error(t, err, "removal of a missing record is never a silent no-op")
				require.True(t, forqerrors.IsRemovalFailed(err))
			},
		},
		{
			name:  "Update Progress And Data",
			queue: "updates",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", map[string]string{"to": "a@b.com"}, job.Options{})
				require.NoError(t, err)

				require.NoError(t, q.UpdateProgress(ctx, j, map[string]int{"pct": 75}))
				require.NoError(t, q.UpdateData(ctx, j, map[string]string{"to": "c@d.com"}))

				fresh, err := q.JobFromID(ctx, j.ID)
				require.NoError(t, err)
				require.JSONEq(t, `{"pct":75}`, string(fresh.Progress))
				require.JSONEq(t, `{"to":"c@d.com"}`, string(fresh.Data))

				err = q.UpdateProgress(ctx, &job.Job{ID: "404"}, 1)
				require.Error(t, err)
				require.True(t, forqerrors.IsJobNotFound(err))
			},
		},
		{
			name:  "Retention Removes Completed Record",
			queue: "retention",
			run: func(t *testing.T, q *forq.Queue) {
				ctx := context.Background()

				j, err := q.Add(ctx, "send-email", nil, job.Options{
					RemoveOnComplete: job.KeepPolicy{Remove: true},
				})
				require.NoError(t, err)
				claimNext(t, q)

				_, err = q.MoveToCompleted(ctx, j, nil)
				require.NoError(t, err)

				fresh, err := q.JobFromID(ctx, j.ID)
				require.NoError(t, err)
				require.Nil(t, fresh, "record destroyed on completion")
			},
		},
		{
			name:  "Delayed Enqueue Promotes When Due",
			queue: "delayed",
			run: func(t *testing.T, q *forq.Queue) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				go func() { _ = q.RunPromoter(ctx) }()

				j, err := q.Add(ctx, "send-email", nil, job.Options{Delay: 300})
				require.NoError(t, err)

				delayed, err := q.IsDelayed(ctx, j)
				require.NoError(t, err)
				require.True(t, delayed)

				start := time.Now()
				waitUntilClaimable(t, q, j)
				require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond,
					"job must not surface before its delay elapses")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			q, err := forq.New(ctx, tc.queue, testCtx.cfg)
			require.NoError(t, err)
			defer func() { _ = q.Close() }()

			tc.run(t, q)
		})
	}
}

func waitUntilClaimable(t *testing.T, q *forq.Queue, j *job.Job) {
	t.Helper()

	require.Eventually(t, func() bool {
		waiting, err := q.IsWaiting(context.Background(), j)
		require.NoError(t, err)
		return waiting
	}, 5*time.Second, 20*time.Millisecond, "job %s never reached the wait list", j.ID)
}
