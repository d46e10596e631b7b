package backend

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	forqerrors "github.com/forqdev/forq/forq/errors"
	"github.com/forqdev/forq/forq/job"
)

// RedisEngine executes every transition as a single Lua script so the
// multi-step moves stay indivisible under concurrent workers.
type RedisEngine struct {
	client *redis.Client
	keys   queueKeys
	logger log.Logger
}

func NewRedisEngine(client *redis.Client, prefix, queue string, logger log.Logger) *RedisEngine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisEngine{
		client: client,
		keys:   newQueueKeys(prefix, queue),
		logger: logger,
	}
}

var addJobCmd = redis.NewScript(`
	local id = redis.call("INCR", KEYS[1])
	local jobKey = ARGV[1] .. id
	redis.call("HSET", jobKey, "id", id)
	for i = 4, #ARGV, 2 do
		redis.call("HSET", jobKey, ARGV[i], ARGV[i + 1])
	end
	if tonumber(ARGV[2]) > 0 then
		redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), id)
	else
		redis.call("LPUSH", KEYS[2], id)
	end
	return id
`)

func (e *RedisEngine) AddJob(ctx context.Context, fields map[string]string, delay time.Duration) (string, error) {
	delayMs := delay.Milliseconds()
	promoteAt := time.Now().UnixMilli() + delayMs

	args := make([]interface{}, 0, 3+2*len(fields))
	args = append(args, e.keys.base, delayMs, promoteAt)
	for field, value := range fields {
		if field == "id" {
			continue
		}
		args = append(args, field, value)
	}

	res, err := addJobCmd.Run(ctx, e.client,
		[]string{e.keys.id, e.keys.wait, e.keys.delayed}, args...).Result()
	if err != nil {
		return "", &forqerrors.OperationError{Operation: "addJob", Err: err}
	}

	id := strconv.FormatInt(res.(int64), 10)
	level.Debug(e.logger).Log("msg", "job added", "job", id, "delay_ms", delayMs)
	return id, nil
}

func (e *RedisEngine) FetchJob(ctx context.Context, id string) (map[string]string, error) {
	fields, err := e.client.HGetAll(ctx, e.keys.job(id)).Result()
	if err != nil {
		return nil, &forqerrors.OperationError{Operation: "fetchJob", Err: err}
	}
	return fields, nil
}

var claimCmd = redis.NewScript(`
	local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
	if not id then
		return false
	end
	local jobKey = ARGV[1] .. id
	redis.call("HSET", jobKey, "processedOn", ARGV[2])
	if ARGV[3] ~= "" then
		redis.call("SET", jobKey .. ":lock", ARGV[3], "PX", ARGV[4])
	end
	return {id, redis.call("HGETALL", jobKey)}
`)

func (e *RedisEngine) ClaimNext(ctx context.Context, token string, lockTTL time.Duration) (string, map[string]string, error) {
	res, err := claimCmd.Run(ctx, e.client,
		[]string{e.keys.wait, e.keys.active},
		e.keys.base,
		time.Now().UnixMilli(),
		token,
		lockTTL.Milliseconds(),
	).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, &forqerrors.OperationError{Operation: "claimNext", Err: err}
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return "", nil, &forqerrors.OperationError{
			Operation: "claimNext",
			Err:       fmt.Errorf("unexpected script reply %T", res),
		}
	}
	id, _ := reply[0].(string)
	return id, wireFromReply(reply[1]), nil
}

var completeCmd = redis.NewScript(`
	local jobKey = ARGV[1] .. ARGV[2]
	local lockKey = jobKey .. ":lock"

	if redis.call("EXISTS", jobKey) == 0 then
		return {-1}
	end
	if ARGV[4] == "0" then
		local lock = redis.call("GET", lockKey)
		if lock and lock ~= ARGV[3] then
			return {-2}
		end
	end
	if redis.call("LREM", KEYS[1], -1, ARGV[2]) == 0 then
		return {-3}
	end
	redis.call("DEL", lockKey)

	if ARGV[7] == "remove" then
		redis.call("DEL", jobKey)
	else
		redis.call("HSET", jobKey, "returnvalue", ARGV[5], "finishedOn", ARGV[6])
		redis.call("ZADD", KEYS[2], tonumber(ARGV[6]), ARGV[2])
		local keep = tonumber(ARGV[7])
		if keep then
			local excess = redis.call("ZCARD", KEYS[2]) - keep
			if excess > 0 then
				local evicted = redis.call("ZRANGE", KEYS[2], 0, excess - 1)
				for _, old in ipairs(evicted) do
					redis.call("DEL", ARGV[1] .. old)
				end
				redis.call("ZREMRANGEBYRANK", KEYS[2], 0, excess - 1)
			end
		end
	end

	redis.call("PUBLISH", ARGV[8], ARGV[5])

	local reply = {0}
	if ARGV[9] == "1" then
		local nextId = redis.call("RPOPLPUSH", KEYS[3], KEYS[1])
		if nextId then
			reply[2] = nextId
			reply[3] = redis.call("HGETALL", ARGV[1] .. nextId)
		end
	end
	return reply
`)

func (e *RedisEngine) MoveToCompleted(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	res, err := completeCmd.Run(ctx, e.client,
		[]string{e.keys.active, e.keys.completed, e.keys.wait},
		e.keys.base,
		req.JobID,
		req.LockToken,
		boolArg(req.IgnoreLock),
		req.ReturnValue,
		req.FinishedOn,
		keepArg(req.Keep),
		e.keys.channel("completed", req.JobID),
		boolArg(req.FetchNext),
	).Result()
	if err != nil {
		return CompleteResult{}, &forqerrors.OperationError{Operation: "moveToCompleted", Err: err}
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return CompleteResult{}, &forqerrors.OperationError{
			Operation: "moveToCompleted",
			Err:       fmt.Errorf("unexpected script reply %T", res),
		}
	}

	result := CompleteResult{Outcome: OutcomeFromCode(reply[0].(int64))}
	if result.Outcome != OutcomeOK {
		return result, nil
	}

	if len(reply) >= 3 {
		result.NextID, _ = reply[1].(string)
		result.NextWire = wireFromReply(reply[2])
	}
	return result, nil
}

var failCmd = redis.NewScript(`
	local jobKey = ARGV[1] .. ARGV[2]
	local lockKey = jobKey .. ":lock"

	if redis.call("EXISTS", jobKey) == 0 then
		return -1
	end
	if ARGV[4] == "0" then
		local lock = redis.call("GET", lockKey)
		if lock and lock ~= ARGV[3] then
			return -2
		end
	end
	if redis.call("LREM", KEYS[1], -1, ARGV[2]) == 0 then
		return -3
	end
	redis.call("DEL", lockKey)

	redis.call("HSET", jobKey,
		"attemptsMade", ARGV[5],
		"stacktrace", ARGV[6],
		"failedReason", ARGV[7])

	if ARGV[8] == "delayed" then
		redis.call("ZADD", KEYS[2], tonumber(ARGV[9]), ARGV[2])
	elseif ARGV[8] == "retry" then
		redis.call("RPUSH", KEYS[4], ARGV[2])
	else
		if ARGV[10] == "remove" then
			redis.call("DEL", jobKey)
		else
			redis.call("HSET", jobKey, "finishedOn", ARGV[9])
			redis.call("ZADD", KEYS[3], tonumber(ARGV[9]), ARGV[2])
			local keep = tonumber(ARGV[10])
			if keep then
				local excess = redis.call("ZCARD", KEYS[3]) - keep
				if excess > 0 then
					local evicted = redis.call("ZRANGE", KEYS[3], 0, excess - 1)
					for _, old in ipairs(evicted) do
						redis.call("DEL", ARGV[1] .. old)
					end
					redis.call("ZREMRANGEBYRANK", KEYS[3], 0, excess - 1)
				end
			end
		end
		redis.call("PUBLISH", ARGV[11], ARGV[7])
	end
	return 0
`)

func (e *RedisEngine) MoveToFailed(ctx context.Context, tx FailureTx) (TransitionOutcome, error) {
	var mode string
	var score int64
	switch tx.Move() {
	case MoveDelayed:
		mode, score = "delayed", tx.PromoteAt()
	case MoveRetry:
		mode = "retry"
	case MoveFinished:
		mode, score = "failed", tx.FinishedOn()
	default:
		return OutcomeUnknown, fmt.Errorf("failure transaction was not built")
	}

	res, err := failCmd.Run(ctx, e.client,
		[]string{e.keys.active, e.keys.delayed, e.keys.failed, e.keys.wait},
		e.keys.base,
		tx.JobID(),
		tx.LockToken(),
		boolArg(tx.IgnoresLock()),
		tx.AttemptsMade(),
		tx.Stacktrace(),
		tx.FailedReason(),
		mode,
		score,
		keepArg(tx.Keep()),
		e.keys.channel("failed", tx.JobID()),
	).Result()
	if err != nil {
		return OutcomeUnknown, &forqerrors.OperationError{Operation: "moveToFailed", Err: err}
	}
	return OutcomeFromCode(res.(int64)), nil
}

var retryCmd = redis.NewScript(`
	local jobKey = ARGV[1] .. ARGV[2]
	if redis.call("EXISTS", jobKey) == 0 then
		return -1
	end
	if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
		return -4
	end
	redis.call("HDEL", jobKey, "failedReason", "finishedOn")
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 0
`)

func (e *RedisEngine) RetryJob(ctx context.Context, id string) (TransitionOutcome, error) {
	res, err := retryCmd.Run(ctx, e.client,
		[]string{e.keys.failed, e.keys.wait},
		e.keys.base, id).Result()
	if err != nil {
		return OutcomeUnknown, &forqerrors.OperationError{Operation: "retryJob", Err: err}
	}
	return OutcomeFromCode(res.(int64)), nil
}

var removeCmd = redis.NewScript(`
	local jobKey = ARGV[1] .. ARGV[2]
	local lockKey = jobKey .. ":lock"

	if redis.call("EXISTS", jobKey) == 0 then
		return -1
	end
	local lock = redis.call("GET", lockKey)
	if lock and lock ~= ARGV[3] then
		return -2
	end

	redis.call("LREM", KEYS[1], 0, ARGV[2])
	redis.call("LREM", KEYS[2], 0, ARGV[2])
	redis.call("LREM", KEYS[3], 0, ARGV[2])
	redis.call("ZREM", KEYS[4], ARGV[2])
	redis.call("ZREM", KEYS[5], ARGV[2])
	redis.call("ZREM", KEYS[6], ARGV[2])
	redis.call("DEL", jobKey, lockKey)
	redis.call("PUBLISH", ARGV[4], ARGV[2])
	return 0
`)

func (e *RedisEngine) Remove(ctx context.Context, id, lockToken string) (TransitionOutcome, error) {
	res, err := removeCmd.Run(ctx, e.client,
		[]string{e.keys.wait, e.keys.active, e.keys.paused, e.keys.delayed, e.keys.completed, e.keys.failed},
		e.keys.base, id, lockToken, e.keys.channel("removed", id)).Result()
	if err != nil {
		return OutcomeUnknown, &forqerrors.OperationError{Operation: "remove", Err: err}
	}
	return OutcomeFromCode(res.(int64)), nil
}

var setFieldCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	if ARGV[3] ~= "" then
		redis.call("PUBLISH", ARGV[3], ARGV[2])
	end
	return 0
`)

func (e *RedisEngine) UpdateProgress(ctx context.Context, id, progress string) (TransitionOutcome, error) {
	res, err := setFieldCmd.Run(ctx, e.client,
		[]string{e.keys.job(id)},
		"progress", progress, e.keys.channel("progress", id)).Result()
	if err != nil {
		return OutcomeUnknown, &forqerrors.OperationError{Operation: "updateProgress", Err: err}
	}
	return OutcomeFromCode(res.(int64)), nil
}

func (e *RedisEngine) UpdateData(ctx context.Context, id, data string) (TransitionOutcome, error) {
	res, err := setFieldCmd.Run(ctx, e.client,
		[]string{e.keys.job(id)},
		"data", data, "").Result()
	if err != nil {
		return OutcomeUnknown, &forqerrors.OperationError{Operation: "updateData", Err: err}
	}
	return OutcomeFromCode(res.(int64)), nil
}

func (e *RedisEngine) AcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.keys.lock(id), token, ttl).Result()
	if err != nil {
		return false, &forqerrors.OperationError{Operation: "acquireLock", Err: err}
	}
	return ok, nil
}

var inListCmd = redis.NewScript(`
	local items = redis.call("LRANGE", KEYS[1], 0, -1)
	for _, item in ipairs(items) do
		if item == ARGV[1] then
			return 1
		end
	end
	return 0
`)

func (e *RedisEngine) InList(ctx context.Context, list List, id string) (bool, error) {
	res, err := inListCmd.Run(ctx, e.client, []string{e.keys.list(list)}, id).Result()
	if err != nil {
		return false, &forqerrors.OperationError{Operation: "isJobInList", Err: err}
	}
	return res.(int64) == 1, nil
}

func (e *RedisEngine) InSet(ctx context.Context, set Set, id string) (bool, error) {
	_, err := e.client.ZScore(ctx, e.keys.set(set), id).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, &forqerrors.OperationError{Operation: "isJobInSet", Err: err}
	}
	return true, nil
}

var isFinishedCmd = redis.NewScript(`
	if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
		return 1
	end
	if redis.call("ZSCORE", KEYS[2], ARGV[1]) then
		return 2
	end
	return 0
`)

func (e *RedisEngine) IsFinished(ctx context.Context, id string) (FinishedState, error) {
	res, err := isFinishedCmd.Run(ctx, e.client,
		[]string{e.keys.completed, e.keys.failed}, id).Result()
	if err != nil {
		return NotFinished, &forqerrors.OperationError{Operation: "isFinished", Err: err}
	}
	switch res.(int64) {
	case 1:
		return FinishedCompleted, nil
	case 2:
		return FinishedFailed, nil
	default:
		return NotFinished, nil
	}
}

var promoteCmd = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	if #due > 0 then
		for _, id in ipairs(due) do
			redis.call("LPUSH", KEYS[2], id)
		end
		redis.call("ZREM", KEYS[1], unpack(due))
	end
	return #due
`)

func (e *RedisEngine) PromoteDue(ctx context.Context, now int64, limit int) (int, error) {
	res, err := promoteCmd.Run(ctx, e.client,
		[]string{e.keys.delayed, e.keys.wait}, now, limit).Result()
	if err != nil {
		return 0, &forqerrors.OperationError{Operation: "promoteDue", Err: err}
	}
	return int(res.(int64)), nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Notification
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Notifications() <-chan Notification {
	return s.out
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

// pump forwards messages until the source closes or the subscription is
// closed. The caller stops reading once it has its answer, so the send
// must never be the only way out.
func (s *redisSubscription) pump(msgs <-chan *redis.Message, failedCh string) {
	defer close(s.out)
	for msg := range msgs {
		n := Notification{
			Failed:  msg.Channel == failedCh,
			Payload: msg.Payload,
		}
		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}

func (e *RedisEngine) SubscribeFinished(ctx context.Context, id string) (Subscription, error) {
	completedCh := e.keys.channel("completed", id)
	failedCh := e.keys.channel("failed", id)

	pubsub := e.client.Subscribe(ctx, completedCh, failedCh)

	// Wait for the subscribe confirmation so the caller's preceding
	// status poll and this subscription leave no unobserved window.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, &forqerrors.OperationError{Operation: "subscribeFinished", Err: err}
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Notification, 1),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel(), failedCh)

	return sub, nil
}

func (e *RedisEngine) Close() error {
	return nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// keepArg encodes a retention policy for the scripts: "remove" deletes
// the record, a number trims the finished set to that many entries, and
// "all" keeps everything.
func keepArg(k job.KeepPolicy) string {
	if k.Remove {
		return "remove"
	}
	if k.KeepCount > 0 {
		return strconv.Itoa(k.KeepCount)
	}
	return "all"
}

func wireFromReply(raw interface{}) map[string]string {
	flat, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		field, fok := flat[i].(string)
		value, vok := flat[i+1].(string)
		if fok && vok {
			fields[field] = value
		}
	}
	return fields
}

type queueKeys struct {
	base      string
	id        string
	wait      string
	active    string
	paused    string
	delayed   string
	completed string
	failed    string
}

func newQueueKeys(prefix, queue string) queueKeys {
	base := fmt.Sprintf("%s:%s:", prefix, queue)
	return queueKeys{
		base:      base,
		id:        base + "id",
		wait:      base + "wait",
		active:    base + "active",
		paused:    base + "paused",
		delayed:   base + "delayed",
		completed: base + "completed",
		failed:    base + "failed",
	}
}

func (k queueKeys) job(id string) string {
	return k.base + id
}

func (k queueKeys) lock(id string) string {
	return k.base + id + ":lock"
}

func (k queueKeys) list(l List) string {
	switch l {
	case ListWait:
		return k.wait
	case ListActive:
		return k.active
	default:
		return k.paused
	}
}

func (k queueKeys) set(s Set) string {
	switch s {
	case SetDelayed:
		return k.delayed
	case SetCompleted:
		return k.completed
	default:
		return k.failed
	}
}

func (k queueKeys) channel(kind, id string) string {
	return fmt.Sprintf("%sevents:%s:%s", k.base, kind, id)
}
