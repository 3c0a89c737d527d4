// Package queue is a Redis-backed work queue with delayed retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Task is the envelope stored in Redis.
type Task struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Moves due members of the delayed set back onto the ready list in one step
// so a task is never lost or duplicated between the two.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("LPUSH", KEYS[2], member)
end
return #due`)

// Queue implements usecase.TaskQueue on a Redis list named queue:<name>.
type Queue struct {
	client *redis.Client
	name   string
}

// New creates a new Queue.
func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) readyKey() string   { return "queue:" + q.name }
func (q *Queue) delayedKey() string { return "queue:" + q.name + ":delayed" }
func (q *Queue) deadKey() string    { return "queue:" + q.name + ":dead" }

// Enqueue pushes a new task. payload is JSON encoded.
func (q *Queue) Enqueue(ctx context.Context, task string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", task, err)
	}
	return q.push(ctx, Task{Name: task, Payload: body, EnqueuedAt: time.Now().UTC()})
}

func (q *Queue) push(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.readyKey(), raw).Err()
}

// schedule parks t in the delayed set until at.
func (q *Queue) schedule(ctx context.Context, t Task, at time.Time) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: raw}).Err()
}

func (q *Queue) bury(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.deadKey(), raw).Err()
}

// pop waits up to timeout for the next ready task. It returns nil, nil on timeout.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, q.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// PromoteDue moves up to limit delayed tasks that are due at now back to the ready list.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey(), q.readyKey()}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Stats reports ready, delayed and dead task counts.
func (q *Queue) Stats(ctx context.Context) (ready, delayed, dead int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, q.readyKey())
	delayedCmd := pipe.ZCard(ctx, q.delayedKey())
	deadCmd := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return readyCmd.Val(), delayedCmd.Val(), deadCmd.Val(), nil
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}
