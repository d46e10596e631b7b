package forq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log/level"

	"github.com/forqdev/forq/forq/backend"
	forqerrors "github.com/forqdev/forq/forq/errors"
	"github.com/forqdev/forq/forq/job"
)

// OutcomeStatus distinguishes the two terminal job outcomes. A failed
// job is an expected outcome, not a fault: infrastructure problems
// travel as errors, terminal outcomes as Outcome values.
type OutcomeStatus int

const (
	StatusCompleted OutcomeStatus = iota
	StatusFailed
)

func (s OutcomeStatus) String() string {
	if s == StatusFailed {
		return "failed"
	}
	return "completed"
}

type Outcome struct {
	Status       OutcomeStatus
	ReturnValue  json.RawMessage // set only for completed outcomes
	FailedReason string          // set only for failed outcomes
}

// Finished resolves once the job reaches a terminal state. It polls
// authoritative status first, so a job that finished before any
// subscription existed resolves without subscribing at all; otherwise it
// suspends on the job's completion and failure channels. A recurring
// liveness check re-polls status and abandons the wait with
// QueueClosingError once the owning queue begins shutting down. A
// positive ttl bounds the wait with WaitTimeoutError; ttl <= 0 means no
// deadline. Subscriptions and timers are released on every exit path.
func (q *Queue) Finished(ctx context.Context, j *job.Job, ttl time.Duration) (Outcome, error) {
	if err := q.awaitReady(ctx); err != nil {
		return Outcome{}, err
	}

	state, err := q.engine.IsFinished(ctx, j.ID)
	if err != nil {
		return Outcome{}, err
	}
	if state != backend.NotFinished {
		return q.finishedOutcome(ctx, j, state)
	}

	sub, err := q.engine.SubscribeFinished(ctx, j.ID)
	if err != nil {
		return Outcome{}, err
	}
	defer sub.Close()

	// The first poll predates the subscription; re-check once so a finish
	// landing between the two cannot be missed.
	state, err = q.engine.IsFinished(ctx, j.ID)
	if err != nil {
		return Outcome{}, err
	}
	if state != backend.NotFinished {
		return q.finishedOutcome(ctx, j, state)
	}

	liveness := time.NewTicker(q.cfg.LivenessInterval)
	defer liveness.Stop()

	var deadline <-chan time.Time
	if ttl > 0 {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case n, ok := <-sub.Notifications():
			if !ok {
				return Outcome{}, &forqerrors.OperationError{
					Operation: "awaitFinished",
					Err:       forqerrors.ErrQueueClosed,
				}
			}
			return q.notifiedOutcome(j, n), nil

		case <-liveness.C:
			select {
			case <-q.closing:
				return Outcome{}, &forqerrors.QueueClosingError{JobID: j.ID}
			default:
			}
			state, err := q.engine.IsFinished(ctx, j.ID)
			if err != nil {
				level.Warn(q.logger).Log("msg", "liveness status poll failed", "job", j.ID, "err", err)
				continue
			}
			if state != backend.NotFinished {
				return q.finishedOutcome(ctx, j, state)
			}

		case <-q.closing:
			return Outcome{}, &forqerrors.QueueClosingError{JobID: j.ID}

		case <-deadline:
			return Outcome{}, &forqerrors.WaitTimeoutError{JobID: j.ID, TTL: ttl}

		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

// notifiedOutcome builds the outcome from a received notification. A
// malformed completion payload degrades to an absent return value with a
// logged warning; it never fails the wait.
func (q *Queue) notifiedOutcome(j *job.Job, n backend.Notification) Outcome {
	if n.Failed {
		j.FailedReason = n.Payload
		return Outcome{Status: StatusFailed, FailedReason: n.Payload}
	}

	var returnValue json.RawMessage
	if n.Payload != "" {
		if json.Valid([]byte(n.Payload)) {
			returnValue = json.RawMessage(n.Payload)
		} else {
			level.Warn(q.logger).Log("msg", "discarding malformed return value in notification", "job", j.ID)
		}
	}
	j.ReturnValue = returnValue
	return Outcome{Status: StatusCompleted, ReturnValue: returnValue}
}

// finishedOutcome resolves an already-finished job from its persisted
// record. A record already destroyed by retention still resolves, with
// the outcome fields absent.
func (q *Queue) finishedOutcome(ctx context.Context, j *job.Job, state backend.FinishedState) (Outcome, error) {
	wire, err := q.engine.FetchJob(ctx, j.ID)
	if err != nil {
		return Outcome{}, err
	}

	if len(wire) == 0 {
		level.Debug(q.logger).Log("msg", "finished record already removed by retention", "job", j.ID)
	} else {
		fresh, err := job.FromWire(q.logger, wire, j.ID)
		if err != nil {
			level.Warn(q.logger).Log("msg", "could not decode finished record", "job", j.ID, "err", err)
		} else {
			j.Snapshot = fresh.Snapshot
		}
	}

	if state == backend.FinishedFailed {
		return Outcome{Status: StatusFailed, FailedReason: j.FailedReason}, nil
	}
	return Outcome{Status: StatusCompleted, ReturnValue: j.ReturnValue}, nil
}
