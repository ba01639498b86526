package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"resume-analysis-pipeline/internal/config"
	"resume-analysis-pipeline/internal/models"
)

// Queue coordinates waiting, in-flight, delayed, and terminal analysis jobs in
// Redis. Entry IDs are AnalysisResult IDs; payload blobs are stored per ID so
// the admin surface can re-inspect terminal entries until they are pruned.
type Queue struct {
	client        *redis.Client
	waitingKey    string
	activeKey     string
	delayedKey    string
	completedKey  string
	failedKey     string
	payloadPrefix string
	retention     int64
	visibilityTTL time.Duration
	payloadTTL    time.Duration
}

// Status is a point-in-time snapshot of queue depths.
type Status struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// New builds a queue client from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewFromClient(client, cfg.QueueRetention, cfg.VisibilityTimeout, cfg.PayloadTTL)
}

// NewFromClient wraps an existing client. Zero values fall back to defaults.
func NewFromClient(client *redis.Client, retention int64, visibility, payloadTTL time.Duration) *Queue {
	if retention <= 0 {
		retention = 100
	}
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	if payloadTTL == 0 {
		payloadTTL = 24 * time.Hour
	}
	return &Queue{
		client:        client,
		waitingKey:    "analysis:waiting",
		activeKey:     "analysis:active",
		delayedKey:    "analysis:delayed",
		completedKey:  "analysis:completed",
		failedKey:     "analysis:failed",
		payloadPrefix: "analysis:payload:",
		retention:     retention,
		visibilityTTL: visibility,
		payloadTTL:    payloadTTL,
	}
}

func (q *Queue) payloadKey(id string) string {
	return q.payloadPrefix + id
}

func (q *Queue) attemptsKey(id string) string {
	return q.payloadPrefix + "attempts:" + id
}

// Enqueue stores the entry payload and pushes its ID onto the waiting list.
func (q *Queue) Enqueue(ctx context.Context, entry models.QueueEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.payloadKey(entry.ID), body, q.payloadTTL)
	pipe.LRem(ctx, q.failedKey, 0, entry.ID)
	pipe.RPush(ctx, q.waitingKey, entry.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next waiting entry and places it in-flight with a
// visibility deadline. ok is false when the queue is empty.
func (q *Queue) DequeueWithLease(ctx context.Context) (models.QueueEntry, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.waitingKey, q.activeKey}, deadline).Result()
	if err == redis.Nil {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return models.QueueEntry{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	body, err := q.client.Get(ctx, q.payloadKey(id)).Bytes()
	if err == redis.Nil {
		// Payload expired or entry was administratively removed; drop the lease.
		_ = q.client.ZRem(ctx, q.activeKey, id).Err()
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	var entry models.QueueEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		_ = q.client.ZRem(ctx, q.activeKey, id).Err()
		return models.QueueEntry{}, false, fmt.Errorf("unmarshal queue entry %s: %w", id, err)
	}
	return entry, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight entry.
func (q *Queue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.activeKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Complete moves an in-flight entry to the bounded completed list.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, id)
	pipe.LPush(ctx, q.completedKey, id)
	pipe.LTrim(ctx, q.completedKey, 0, q.retention-1)
	pipe.Del(ctx, q.payloadKey(id), q.attemptsKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail moves an in-flight entry to the bounded failed list. The payload is
// kept (until its TTL) so operators can inspect what was dispatched.
func (q *Queue) Fail(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, id)
	pipe.LPush(ctx, q.failedKey, id)
	pipe.LTrim(ctx, q.failedKey, 0, q.retention-1)
	_, err := pipe.Exec(ctx)
	return err
}

// IncrAttempts bumps and returns the delivery attempt count for an entry.
// The counter survives worker restarts and expires with the payload.
func (q *Queue) IncrAttempts(ctx context.Context, id string) (int, error) {
	key := q.attemptsKey(id)
	n, err := q.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = q.client.Expire(ctx, key, q.payloadTTL).Err()
	return int(n), nil
}

// Delay parks an entry for deferred redelivery, e.g. retry backoff.
func (q *Queue) Delay(ctx context.Context, id string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, id)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed entries back onto the waiting list. It
// returns how many were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.delayedKey, id)
		pipe.RPush(ctx, q.waitingKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. That is
// the at-least-once half of the delivery contract: a crashed worker's entry
// comes back and may be delivered again.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.activeKey, id)
		pipe.RPush(ctx, q.waitingKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Status returns current queue depths.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey)
	active := pipe.ZCard(ctx, q.activeKey)
	completed := pipe.LLen(ctx, q.completedKey)
	failed := pipe.LLen(ctx, q.failedKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, err
	}
	return Status{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// ClearFailed removes all failed entries and their payloads, returning how
// many were cleared.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.failedKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.payloadKey(id), q.attemptsKey(id))
	}
	pipe.Del(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
