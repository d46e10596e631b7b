// Package backend is the atomic script engine boundary: every multi-step
// lifecycle transition executes as one indivisible operation against the
// shared store, and raw script result codes are mapped to a
// TransitionOutcome before they reach the core.
package backend

import (
	"context"
	"time"

	"github.com/forqdev/forq/forq/job"
)

// TransitionOutcome enumerates the structural results of an atomic
// transition. Anything other than OutcomeOK means the store rejected the
// transition; infrastructure failures travel separately as errors.
type TransitionOutcome int

const (
	OutcomeOK TransitionOutcome = iota
	OutcomeNotFound
	OutcomeLockMismatch
	OutcomeNotActive
	OutcomeNotFailed
	OutcomeUnknown
)

func (o TransitionOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "job not found"
	case OutcomeLockMismatch:
		return "lock held by another owner"
	case OutcomeNotActive:
		return "job not in active state"
	case OutcomeNotFailed:
		return "job not in failed state"
	default:
		return "unknown rejection"
	}
}

// OutcomeFromCode maps a raw script result code. Negative codes denote
// the enumerable rejection categories; the core never sees the integers.
func OutcomeFromCode(code int64) TransitionOutcome {
	switch {
	case code >= 0:
		return OutcomeOK
	case code == -1:
		return OutcomeNotFound
	case code == -2:
		return OutcomeLockMismatch
	case code == -3:
		return OutcomeNotActive
	case code == -4:
		return OutcomeNotFailed
	default:
		return OutcomeUnknown
	}
}

// FinishedState is the answer to an isFinished poll.
type FinishedState int

const (
	NotFinished FinishedState = iota
	FinishedCompleted
	FinishedFailed
)

// List and Set name the membership structures used by state queries.
type List string

const (
	ListWait   List = "wait"
	ListActive List = "active"
	ListPaused List = "paused"
)

type Set string

const (
	SetDelayed   Set = "delayed"
	SetCompleted Set = "completed"
	SetFailed    Set = "failed"
)

type CompleteRequest struct {
	JobID       string
	LockToken   string
	IgnoreLock  bool
	ReturnValue string // serialized JSON
	FinishedOn  int64
	Keep        job.KeepPolicy
	FetchNext   bool
}

type CompleteResult struct {
	Outcome TransitionOutcome
	// NextID / NextWire carry the next eligible job handed to an idle
	// worker, when FetchNext was set and one was available. NextWire may
	// omit the id field; NextID is authoritative.
	NextID   string
	NextWire map[string]string
}

// Notification is one completion or failure event observed on a job's
// notification channels. Payload carries the serialized return value for
// completions and the failure message for failures.
type Notification struct {
	Failed  bool
	Payload string
}

type Subscription interface {
	Notifications() <-chan Notification
	Close() error
}

type Engine interface {
	// AddJob assigns a fresh id, writes the record, and places it on the
	// wait list or the delayed set when delay > 0. Returns the new id.
	AddJob(ctx context.Context, fields map[string]string, delay time.Duration) (string, error)

	// FetchJob returns the record's full field mapping, empty when the
	// record does not exist.
	FetchJob(ctx context.Context, id string) (map[string]string, error)

	// ClaimNext moves the next eligible job from the wait list to the
	// active list, stamps processedOn, and takes the job's lock for the
	// given token when one is supplied. An empty id means nothing was
	// waiting.
	ClaimNext(ctx context.Context, token string, lockTTL time.Duration) (id string, wire map[string]string, err error)

	MoveToCompleted(ctx context.Context, req CompleteRequest) (CompleteResult, error)

	// MoveToFailed executes a compiled failure transaction: the attempt
	// record plus exactly one of {moveToDelayed, retryJob, moveToFinished}.
	MoveToFailed(ctx context.Context, tx FailureTx) (TransitionOutcome, error)

	// RetryJob moves a terminally failed job back to the wait list and
	// clears its failure fields.
	RetryJob(ctx context.Context, id string) (TransitionOutcome, error)

	Remove(ctx context.Context, id, lockToken string) (TransitionOutcome, error)

	// UpdateProgress persists the progress value and broadcasts it on the
	// job's progress channel.
	UpdateProgress(ctx context.Context, id, progress string) (TransitionOutcome, error)

	// UpdateData overwrites only the data field, leaving lifecycle state
	// untouched.
	UpdateData(ctx context.Context, id, data string) (TransitionOutcome, error)

	// AcquireLock claims the job's ownership token for ttl. Returns false
	// when another owner already holds it.
	AcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error)

	InList(ctx context.Context, list List, id string) (bool, error)
	InSet(ctx context.Context, set Set, id string) (bool, error)
	IsFinished(ctx context.Context, id string) (FinishedState, error)

	// SubscribeFinished subscribes to the job's completed and failed
	// channels. It returns only after the subscription is active.
	SubscribeFinished(ctx context.Context, id string) (Subscription, error)

	// PromoteDue moves up to limit delayed jobs whose promote time has
	// passed back to the wait list, returning how many moved.
	PromoteDue(ctx context.Context, now int64, limit int) (int, error)

	Close() error
}
