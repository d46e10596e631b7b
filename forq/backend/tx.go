package backend

import (
	"errors"

	"github.com/forqdev/forq/forq/job"
)

// MoveKind is the move sub-operation a failure transaction carries.
type MoveKind int

const (
	MoveNone MoveKind = iota
	MoveDelayed
	MoveRetry
	MoveFinished
)

// FailureTx is one compiled failure transaction. It is assembled through
// TxBuilder so the sub-operation set stays closed: an attempt record plus
// exactly one move, executed together or not at all. Engines read it
// through the accessor methods; it cannot be mutated after Build.
type FailureTx struct {
	jobID      string
	lockToken  string
	ignoreLock bool

	recorded     bool
	attemptsMade int
	stacktrace   string // serialized JSON array
	failedReason string

	move       MoveKind
	promoteAt  int64
	finishedOn int64
	keep       job.KeepPolicy
}

func (tx FailureTx) JobID() string        { return tx.jobID }
func (tx FailureTx) LockToken() string    { return tx.lockToken }
func (tx FailureTx) IgnoresLock() bool    { return tx.ignoreLock }
func (tx FailureTx) AttemptsMade() int    { return tx.attemptsMade }
func (tx FailureTx) Stacktrace() string   { return tx.stacktrace }
func (tx FailureTx) FailedReason() string { return tx.failedReason }
func (tx FailureTx) Move() MoveKind       { return tx.move }
func (tx FailureTx) PromoteAt() int64     { return tx.promoteAt }
func (tx FailureTx) FinishedOn() int64    { return tx.finishedOn }
func (tx FailureTx) Keep() job.KeepPolicy { return tx.keep }

type TxBuilder struct {
	tx  FailureTx
	err error
}

func NewTx(jobID, lockToken string, ignoreLock bool) *TxBuilder {
	return &TxBuilder{tx: FailureTx{
		jobID:      jobID,
		lockToken:  lockToken,
		ignoreLock: ignoreLock,
	}}
}

func (b *TxBuilder) RecordAttempt(attemptsMade int, stacktraceJSON, failedReason string) *TxBuilder {
	if b.tx.recorded {
		b.fail("attempt already recorded")
		return b
	}
	b.tx.recorded = true
	b.tx.attemptsMade = attemptsMade
	b.tx.stacktrace = stacktraceJSON
	b.tx.failedReason = failedReason
	return b
}

func (b *TxBuilder) MoveToDelayed(promoteAt int64) *TxBuilder {
	b.setMove(MoveDelayed)
	b.tx.promoteAt = promoteAt
	return b
}

func (b *TxBuilder) RetryJob() *TxBuilder {
	b.setMove(MoveRetry)
	return b
}

func (b *TxBuilder) MoveToFinished(finishedOn int64, keep job.KeepPolicy) *TxBuilder {
	b.setMove(MoveFinished)
	b.tx.finishedOn = finishedOn
	b.tx.keep = keep
	return b
}

func (b *TxBuilder) setMove(m MoveKind) {
	if b.tx.move != MoveNone {
		b.fail("transaction already carries a move sub-operation")
		return
	}
	b.tx.move = m
}

func (b *TxBuilder) fail(msg string) {
	if b.err == nil {
		b.err = errors.New("invalid failure transaction: " + msg)
	}
}

// Build validates the transaction: the attempt record and exactly one
// move must both be present.
func (b *TxBuilder) Build() (FailureTx, error) {
	if b.err != nil {
		return FailureTx{}, b.err
	}
	if !b.tx.recorded {
		return FailureTx{}, errors.New("invalid failure transaction: missing attempt record")
	}
	if b.tx.move == MoveNone {
		return FailureTx{}, errors.New("invalid failure transaction: missing move sub-operation")
	}
	return b.tx, nil
}
