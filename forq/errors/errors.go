package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue is closed")
)

// ConnectionError reports a failure to establish the initial Redis
// connection when the queue is constructed.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to redis at %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// NotReadyError reports that a per-operation readiness wait failed before
// the operation issued any remote mutation.
type NotReadyError struct {
	Err error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("queue connection not ready: %v", e.Err)
}

func (e *NotReadyError) Unwrap() error {
	return e.Err
}

func IsNotReady(err error) bool {
	var nre *NotReadyError
	return errors.As(err, &nre)
}

// SerializationError reports that an outbound payload could not be
// JSON-encoded. Inbound decode problems for historical fields are
// recovered locally and never surface as this error.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %s: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func IsSerialization(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// TransitionRejectedError reports a structural rejection from the atomic
// script engine: lock mismatch, missing record, wrong source state.
type TransitionRejectedError struct {
	JobID      string
	Transition string
	Outcome    string
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("transition %s rejected for job %s: %s", e.Transition, e.JobID, e.Outcome)
}

func IsTransitionRejected(err error) bool {
	var tre *TransitionRejectedError
	return errors.As(err, &tre)
}

type RemovalFailedError struct {
	JobID  string
	Reason string
}

func (e *RemovalFailedError) Error() string {
	return fmt.Sprintf("failed to remove job %s: %s", e.JobID, e.Reason)
}

func IsRemovalFailed(err error) bool {
	var rfe *RemovalFailedError
	return errors.As(err, &rfe)
}

type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

func IsJobNotFound(err error) bool {
	var jnf *JobNotFoundError
	return errors.As(err, &jnf)
}

// QueueClosingError aborts a completion wait whose owning queue began
// shutting down.
type QueueClosingError struct {
	JobID string
}

func (e *QueueClosingError) Error() string {
	return fmt.Sprintf("wait for job %s abandoned: queue is closing", e.JobID)
}

func IsQueueClosing(err error) bool {
	var qce *QueueClosingError
	return errors.As(err, &qce)
}

type WaitTimeoutError struct {
	JobID string
	TTL   time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait for job %s timed out after %v", e.JobID, e.TTL)
}

func IsWaitTimeout(err error) bool {
	var wte *WaitTimeoutError
	return errors.As(err, &wte)
}

// OperationError wraps an infrastructure failure from a named engine
// operation.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("engine operation %s failed: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func IsOperation(err error) bool {
	var oe *OperationError
	return errors.As(err, &oe)
}
