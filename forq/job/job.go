// Package job models one unit of work and its wire representation.
//
// A Job is a handle (immutable id plus options) combined with a Snapshot
// of the mutable lifecycle fields. The remote store is authoritative for
// those fields: a held Snapshot is point-in-time data and must be
// refreshed through an explicit fetch to observe current state.
package job

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	forqerrors "github.com/forqdev/forq/forq/errors"
)

// Snapshot holds the mutable lifecycle fields as last observed.
type Snapshot struct {
	Data         json.RawMessage
	Progress     json.RawMessage
	AttemptsMade int
	FailedReason string
	Stacktrace   []string
	Timestamp    int64 // creation time, epoch milliseconds
	ProcessedOn  int64
	FinishedOn   int64
	ReturnValue  json.RawMessage
}

type Job struct {
	// ID is assigned by the store on enqueue and immutable thereafter.
	// It is empty on an unsaved record.
	ID   string
	Name string
	Opts Options

	Snapshot

	// Discarded suppresses further automatic retry regardless of
	// remaining attempts. It is process-local and never serialized.
	Discarded bool
}

// New constructs an unsaved record: payload marshaled, options merged
// over defaults, backoff resolved to canonical form, timestamp stamped.
func New(name string, data interface{}, opts Options) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &forqerrors.SerializationError{Field: "data", Err: err}
	}

	opts.normalize()

	ts := opts.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &Job{
		Name: name,
		Opts: opts,
		Snapshot: Snapshot{
			Data:      raw,
			Progress:  json.RawMessage("0"),
			Timestamp: ts,
		},
	}, nil
}

// Discard marks the job so its next recorded failure terminates instead
// of retrying.
func (j *Job) Discard() {
	j.Discarded = true
}

// Serialize projects the record into the flat wire mapping. Structured
// fields are JSON documents encoded as strings; the mapping itself never
// nests.
func (j *Job) Serialize() (map[string]string, error) {
	opts, err := json.Marshal(j.Opts)
	if err != nil {
		return nil, &forqerrors.SerializationError{Field: "opts", Err: err}
	}
	trace, err := json.Marshal(j.Stacktrace)
	if err != nil {
		return nil, &forqerrors.SerializationError{Field: "stacktrace", Err: err}
	}

	wire := map[string]string{
		"name":         j.Name,
		"data":         string(j.Data),
		"opts":         string(opts),
		"progress":     string(j.Progress),
		"attemptsMade": strconv.Itoa(j.AttemptsMade),
		"delay":        strconv.FormatInt(j.Opts.Delay, 10),
		"timestamp":    strconv.FormatInt(j.Timestamp, 10),
		"stacktrace":   string(trace),
	}
	if j.ID != "" {
		wire["id"] = j.ID
	}
	if j.Data == nil {
		wire["data"] = "null"
	}
	if j.Progress == nil {
		wire["progress"] = "0"
	}
	if j.FailedReason != "" {
		wire["failedReason"] = j.FailedReason
	}
	if j.ReturnValue != nil {
		wire["returnvalue"] = string(j.ReturnValue)
	}
	if j.ProcessedOn != 0 {
		wire["processedOn"] = strconv.FormatInt(j.ProcessedOn, 10)
	}
	if j.FinishedOn != 0 {
		wire["finishedOn"] = strconv.FormatInt(j.FinishedOn, 10)
	}
	return wire, nil
}

// FromWire reconstructs a record from the wire mapping. The id falls back
// to fallbackID when absent; some transition results carry the record
// without its id field. Malformed stacktrace decodes to an empty slice
// and malformed returnvalue to nil with a logged warning, so corrupted
// historical data never blocks observing current state.
func FromWire(logger log.Logger, wire map[string]string, fallbackID string) (*Job, error) {
	id := wire["id"]
	if id == "" {
		id = fallbackID
	}

	var opts Options
	if raw, ok := wire["opts"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, &forqerrors.SerializationError{Field: "opts", Err: err}
		}
	}
	opts.normalize()

	j := &Job{
		ID:   id,
		Name: wire["name"],
		Opts: opts,
	}

	if raw, ok := wire["data"]; ok && raw != "" {
		if json.Valid([]byte(raw)) {
			j.Data = json.RawMessage(raw)
		} else {
			level.Warn(logger).Log("msg", "discarding malformed job data", "job", id)
		}
	}

	j.Progress = json.RawMessage("0")
	if raw, ok := wire["progress"]; ok && raw != "" && json.Valid([]byte(raw)) {
		j.Progress = json.RawMessage(raw)
	}

	j.AttemptsMade, _ = strconv.Atoi(wire["attemptsMade"])
	j.Timestamp, _ = strconv.ParseInt(wire["timestamp"], 10, 64)
	j.ProcessedOn, _ = strconv.ParseInt(wire["processedOn"], 10, 64)
	j.FinishedOn, _ = strconv.ParseInt(wire["finishedOn"], 10, 64)
	j.FailedReason = wire["failedReason"]

	j.Stacktrace = []string{}
	if raw, ok := wire["stacktrace"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Stacktrace); err != nil {
			j.Stacktrace = []string{}
		}
	}

	if raw, ok := wire["returnvalue"]; ok && raw != "" {
		if json.Valid([]byte(raw)) {
			j.ReturnValue = json.RawMessage(raw)
		} else {
			level.Warn(logger).Log("msg", "discarding malformed return value", "job", id)
		}
	}

	return j, nil
}

// RecordAttempt applies the local half of the record-attempt mutation:
// increments attemptsMade and appends trace under the retention cap,
// oldest entries dropped first.
func (j *Job) RecordAttempt(reason, trace string) {
	j.AttemptsMade++
	j.FailedReason = reason
	j.Stacktrace = AppendTrace(j.Stacktrace, trace, j.Opts.StackTraceLimit)
}

// AppendTrace returns a new stacktrace with trace appended under the
// retention cap, oldest entries dropped first. The input is not
// modified, so callers can stage an attempt record and discard it if the
// store rejects the transition.
func AppendTrace(entries []string, trace string, limit int) []string {
	if limit <= 0 {
		limit = DefaultStackTraceLimit
	}
	keep := entries
	if len(keep) > limit-1 {
		keep = keep[len(keep)-(limit-1):]
	}
	out := make([]string, 0, len(keep)+1)
	out = append(out, keep...)
	return append(out, trace)
}
