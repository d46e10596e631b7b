// Package forq is the job lifecycle core of a Redis-backed work queue:
// many independent processes enqueue, claim, retry, and complete jobs
// against shared remote state. The remote store is authoritative; every
// multi-step transition runs as one atomic script.
package forq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	retry "github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/forqdev/forq/forq/backend"
	"github.com/forqdev/forq/forq/backoff"
	"github.com/forqdev/forq/forq/config"
	forqerrors "github.com/forqdev/forq/forq/errors"
	"github.com/forqdev/forq/forq/job"
)

type Queue struct {
	Name string

	cfg    *config.Config
	client *redis.Client
	engine backend.Engine
	logger log.Logger

	mu         sync.RWMutex
	strategies map[string]backoff.Strategy

	closing   chan struct{}
	closeOnce sync.Once
}

type Option func(*Queue)

func WithLogger(logger log.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithEngine substitutes the atomic script engine, bypassing the Redis
// connection entirely. Intended for tests and embedders with their own
// transport.
func WithEngine(engine backend.Engine) Option {
	return func(q *Queue) { q.engine = engine }
}

// WithBackoffStrategy registers a named custom backoff strategy consulted
// when job options name it as the backoff type.
func WithBackoffStrategy(name string, strategy backoff.Strategy) Option {
	return func(q *Queue) { q.strategies[name] = strategy }
}

func New(ctx context.Context, name string, cfg *config.Config, opts ...Option) (*Queue, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		Name:       name,
		cfg:        cfg,
		logger:     log.NewNopLogger(),
		strategies: make(map[string]backoff.Strategy),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.engine == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
			Username: cfg.RedisUsername,
			PoolSize: cfg.RedisPoolSize,
		})

		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, &forqerrors.ConnectionError{Addr: cfg.RedisAddr, Err: err}
		}

		q.client = client
		q.engine = backend.NewRedisEngine(client, cfg.Prefix, name, q.logger)
	}

	return q, nil
}

// NewLockToken mints an ownership token for a worker about to process a
// job.
func NewLockToken() string {
	return uuid.New().String()
}

// awaitReady blocks until the connection answers, retrying with bounded
// exponential backoff, or fails once the queue is closing.
func (q *Queue) awaitReady(ctx context.Context) error {
	select {
	case <-q.closing:
		return &forqerrors.NotReadyError{Err: forqerrors.ErrQueueClosed}
	default:
	}

	if q.client == nil {
		// Injected engines own their transport.
		return nil
	}

	bo := retry.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = q.cfg.ReadyTimeout

	err := retry.Retry(func() error {
		return q.client.Ping(ctx).Err()
	}, retry.WithContext(bo, ctx))
	if err != nil {
		return &forqerrors.NotReadyError{Err: err}
	}
	return nil
}

// Add constructs a record and atomically enqueues it; the store assigns
// the id. A positive options delay lands the job in the delayed set,
// otherwise it joins the wait list.
func (q *Queue) Add(ctx context.Context, name string, data interface{}, opts job.Options) (*job.Job, error) {
	j, err := job.New(name, data, opts)
	if err != nil {
		return nil, err
	}

	if err := q.awaitReady(ctx); err != nil {
		return nil, &forqerrors.ConnectionError{Addr: q.cfg.RedisAddr, Err: err}
	}

	wire, err := j.Serialize()
	if err != nil {
		return nil, err
	}

	id, err := q.engine.AddJob(ctx, wire, time.Duration(j.Opts.Delay)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	j.ID = id

	level.Debug(q.logger).Log("msg", "job enqueued", "queue", q.Name, "job", id, "name", name)
	return j, nil
}

// ClaimNext atomically takes the next eligible job for processing: it
// moves the job to the active list, stamps processedOn, and holds its
// lock for the given token and ttl when a token is supplied. Returns
// (nil, nil) when nothing is waiting.
func (q *Queue) ClaimNext(ctx context.Context, token string, lockTTL time.Duration) (*job.Job, error) {
	if err := q.awaitReady(ctx); err != nil {
		return nil, err
	}

	id, wire, err := q.engine.ClaimNext(ctx, token, lockTTL)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return job.FromWire(q.logger, wire, id)
}

// JobFromID fetches the authoritative record. A missing or empty id
// returns (nil, nil): some transition results legitimately carry no job,
// and absence of a record is not a fault.
func (q *Queue) JobFromID(ctx context.Context, id string) (*job.Job, error) {
	if id == "" {
		return nil, nil
	}
	if err := q.awaitReady(ctx); err != nil {
		return nil, err
	}

	wire, err := q.engine.FetchJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(wire) == 0 {
		return nil, nil
	}
	return job.FromWire(q.logger, wire, id)
}

// Refresh replaces the job's snapshot with current authoritative state.
func (q *Queue) Refresh(ctx context.Context, j *job.Job) error {
	fresh, err := q.JobFromID(ctx, j.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return &forqerrors.JobNotFoundError{JobID: j.ID}
	}
	j.Snapshot = fresh.Snapshot
	return nil
}

type transition struct {
	token      string
	ignoreLock bool
}

type TransitionOption func(*transition)

// WithLockToken presents the worker's ownership token for transitions
// out of the active state.
func WithLockToken(token string) TransitionOption {
	return func(t *transition) { t.token = token }
}

// IgnoreLock bypasses lock verification. Only for callers that know no
// other owner can contend.
func IgnoreLock() TransitionOption {
	return func(t *transition) { t.ignoreLock = true }
}

func applyTransitionOptions(opts []TransitionOption) transition {
	var t transition
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// MoveToCompleted transitions an active job to completed, applies the
// removeOnComplete retention policy, and atomically dequeues the next
// eligible job for an idle worker. Serialization of the return value
// happens before any remote mutation; a serialization failure commits
// nothing.
func (q *Queue) MoveToCompleted(ctx context.Context, j *job.Job, returnValue interface{}, opts ...TransitionOption) (*job.Job, error) {
	t := applyTransitionOptions(opts)

	if err := q.awaitReady(ctx); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(returnValue)
	if err != nil {
		return nil, &forqerrors.SerializationError{Field: "returnvalue", Err: err}
	}

	now := time.Now().UnixMilli()
	res, err := q.engine.MoveToCompleted(ctx, backend.CompleteRequest{
		JobID:       j.ID,
		LockToken:   t.token,
		IgnoreLock:  t.ignoreLock,
		ReturnValue: string(raw),
		FinishedOn:  now,
		Keep:        j.Opts.RemoveOnComplete,
		FetchNext:   true,
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome != backend.OutcomeOK {
		return nil, &forqerrors.TransitionRejectedError{
			JobID:      j.ID,
			Transition: "moveToCompleted",
			Outcome:    res.Outcome.String(),
		}
	}

	j.ReturnValue = raw
	j.FinishedOn = now

	if res.NextID == "" {
		return nil, nil
	}
	next, err := job.FromWire(q.logger, res.NextWire, res.NextID)
	if err != nil {
		level.Warn(q.logger).Log("msg", "discarding undecodable next job", "job", res.NextID, "err", err)
		return nil, nil
	}
	return next, nil
}

// MoveToFailed records the failure and applies the retry decision: a
// positive backoff delay schedules the job into the delayed set, zero
// returns it to the wait list immediately, and Stop or exhausted
// attempts (or a discarded job) finishes it as failed. The attempt
// record and the chosen move execute as one atomic batch.
func (q *Queue) MoveToFailed(ctx context.Context, j *job.Job, jobErr error, opts ...TransitionOption) error {
	t := applyTransitionOptions(opts)

	if err := q.awaitReady(ctx); err != nil {
		return err
	}

	// The attempt record is staged locally and written to the handle only
	// after the store accepts the batch; a rejected batch must leave the
	// handle exactly as it was.
	reason := jobErr.Error()
	attempts := j.AttemptsMade + 1
	stack := job.AppendTrace(j.Stacktrace, fmt.Sprintf("%s\n%s", reason, debug.Stack()), j.Opts.StackTraceLimit)

	traceJSON, err := json.Marshal(stack)
	if err != nil {
		return &forqerrors.SerializationError{Field: "stacktrace", Err: err}
	}

	b := backend.NewTx(j.ID, t.token, t.ignoreLock)
	b.RecordAttempt(attempts, string(traceJSON), reason)

	now := time.Now().UnixMilli()
	terminal := false

	if attempts < j.Opts.Attempts && !j.Discarded {
		q.mu.RLock()
		delay := backoff.Compute(j.Opts.Backoff, attempts, q.strategies, j.Data, jobErr)
		q.mu.RUnlock()

		switch {
		case delay < 0:
			b.MoveToFinished(now, j.Opts.RemoveOnFail)
			terminal = true
		case delay > 0:
			b.MoveToDelayed(now + delay.Milliseconds())
		default:
			b.RetryJob()
		}
	} else {
		b.MoveToFinished(now, j.Opts.RemoveOnFail)
		terminal = true
	}

	tx, err := b.Build()
	if err != nil {
		return err
	}

	outcome, err := q.engine.MoveToFailed(ctx, tx)
	if err != nil {
		return err
	}
	if outcome != backend.OutcomeOK {
		return &forqerrors.TransitionRejectedError{
			JobID:      j.ID,
			Transition: "moveToFailed",
			Outcome:    outcome.String(),
		}
	}

	j.AttemptsMade = attempts
	j.FailedReason = reason
	j.Stacktrace = stack
	if terminal {
		j.FinishedOn = now
		level.Debug(q.logger).Log("msg", "job failed terminally", "queue", q.Name, "job", j.ID, "attempts", attempts)
	}
	return nil
}

// Retry moves a terminally failed job back to the wait list and clears
// its failure fields.
func (q *Queue) Retry(ctx context.Context, j *job.Job) error {
	if err := q.awaitReady(ctx); err != nil {
		return err
	}

	outcome, err := q.engine.RetryJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if outcome != backend.OutcomeOK {
		return &forqerrors.TransitionRejectedError{
			JobID:      j.ID,
			Transition: "retryJob",
			Outcome:    outcome.String(),
		}
	}

	j.FailedReason = ""
	j.FinishedOn = 0
	return nil
}

// Remove deletes the job from every lifecycle structure and emits a
// removed notification. Never a silent no-op: a missing record or a
// contending lock owner surfaces as RemovalFailedError.
func (q *Queue) Remove(ctx context.Context, j *job.Job, opts ...TransitionOption) error {
	t := applyTransitionOptions(opts)

	if err := q.awaitReady(ctx); err != nil {
		return err
	}

	outcome, err := q.engine.Remove(ctx, j.ID, t.token)
	if err != nil {
		return &forqerrors.RemovalFailedError{JobID: j.ID, Reason: err.Error()}
	}
	if outcome != backend.OutcomeOK {
		return &forqerrors.RemovalFailedError{JobID: j.ID, Reason: outcome.String()}
	}
	return nil
}

// UpdateProgress persists the caller-reported progress; the atomic
// operation broadcasts the change to observers.
func (q *Queue) UpdateProgress(ctx context.Context, j *job.Job, progress interface{}) error {
	if err := q.awaitReady(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(progress)
	if err != nil {
		return &forqerrors.SerializationError{Field: "progress", Err: err}
	}

	outcome, err := q.engine.UpdateProgress(ctx, j.ID, string(raw))
	if err != nil {
		return err
	}
	if outcome != backend.OutcomeOK {
		return &forqerrors.JobNotFoundError{JobID: j.ID}
	}

	j.Progress = raw
	return nil
}

// UpdateData overwrites only the payload of the persisted record;
// lifecycle state is untouched.
func (q *Queue) UpdateData(ctx context.Context, j *job.Job, data interface{}) error {
	if err := q.awaitReady(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return &forqerrors.SerializationError{Field: "data", Err: err}
	}

	outcome, err := q.engine.UpdateData(ctx, j.ID, string(raw))
	if err != nil {
		return err
	}
	if outcome != backend.OutcomeOK {
		return &forqerrors.JobNotFoundError{JobID: j.ID}
	}

	j.Data = raw
	return nil
}

// AcquireLock claims ownership of a job for ttl, as a worker does before
// processing. Returns false when another owner holds the lock.
func (q *Queue) AcquireLock(ctx context.Context, j *job.Job, token string, ttl time.Duration) (bool, error) {
	if err := q.awaitReady(ctx); err != nil {
		return false, err
	}
	return q.engine.AcquireLock(ctx, j.ID, token, ttl)
}

func (q *Queue) IsCompleted(ctx context.Context, j *job.Job) (bool, error) {
	if err := q.awaitReady(ctx); err != nil {
		return false, err
	}
	return q.engine.InSet(ctx, backend.SetCompleted, j.ID)
}

func (q *Queue) IsFailed(ctx context.Context, j *job.Job) (bool, error) {
	if err := q.awaitReady(ctx); err != nil {
		return false, err
	}
	return q.engine.InSet(ctx, backend.SetFailed, j.ID)
}

func (q *Queue) IsDelayed(ctx context.Context, j *job.Job) (bool, error) {
	if err := q.awaitReady(ctx); err != nil {
		return false, err
	}
	return q.engine.InSet(ctx, backend.SetDelayed, j.ID)
}

func (q *Queue) IsActive(ctx context.Context, j *job.Job) (bool, error) {
	if err := q.awaitReady(ctx); err != nil {
		return false, err
	}
	return q.engine.InList(ctx, backend.ListActive, j.ID)
}

// IsWaiting reports membership in either the wait list or the paused
// holding list; a job parked in either counts as waiting.
func (q *Queue) IsWaiting(ctx context.Context, j *job.Job) (bool, error) {
	if err := q.awaitReady(ctx); err != nil {
		return false, err
	}
	waiting, err := q.engine.InList(ctx, backend.ListWait, j.ID)
	if err != nil || waiting {
		return waiting, err
	}
	return q.engine.InList(ctx, backend.ListPaused, j.ID)
}

// Close marks the queue as shutting down, abandoning outstanding
// completion waits, and releases the connection.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closing)
		err = q.engine.Close()
		if q.client != nil {
			if cerr := q.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
