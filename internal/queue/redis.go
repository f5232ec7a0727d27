package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pagerbell/pagerbell/internal/database"
)

const (
	keyPrefix    = "pagerbell:queue:"
	delayedInfix = "delayed:"
	pumpInterval = time.Second
	popTimeout   = 2 * time.Second
)

// RedisQueue is the production Queue: one redis list per lane for ready
// tasks, one sorted set per lane (scored by ETA) for delayed tasks. Many
// stateless worker processes can consume the same lanes; delivery is
// at-least-once.
type RedisQueue struct {
	client *redis.Client
	db     *gorm.DB
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRedisQueue creates a queue over an existing redis client. db is used
// to record permanent task failures and may be nil.
func NewRedisQueue(client *redis.Client, db *gorm.DB, log zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client:   client,
		db:       db,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task name
func (q *RedisQueue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Submit enqueues a task, delayed when an ETA lies in the future
func (q *RedisQueue) Submit(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}, opts ...SubmitOption) (string, error) {
	t := &Task{
		ID:      uuid.NewString(),
		Name:    name,
		Args:    args,
		Kwargs:  kwargs,
		Lane:    LaneDefault,
		ETA:     time.Now().UTC(),
		Attempt: 1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := q.push(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (q *RedisQueue) push(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if t.ETA.After(time.Now().UTC()) {
		return q.client.ZAdd(ctx, keyPrefix+delayedInfix+t.Lane, redis.Z{
			Score:  float64(t.ETA.UnixMilli()),
			Member: payload,
		}).Err()
	}
	return q.client.LPush(ctx, keyPrefix+t.Lane, payload).Err()
}

// Run consumes the default and retry lanes with the given number of workers
// until the context is cancelled. BRPOP key order puts the default lane
// first so fresh work keeps priority over retried work.
func (q *RedisQueue) Run(ctx context.Context, workers int) {
	lanes := []string{LaneDefault, LaneRetry}

	for _, lane := range lanes {
		go q.pump(ctx, lane)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx, lanes)
		}()
	}
	wg.Wait()
}

// pump promotes due delayed tasks from the lane's sorted set onto its list
func (q *RedisQueue) pump(ctx context.Context, lane string) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	zkey := keyPrefix + delayedInfix + lane
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
			members, err := q.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
				Min: "-inf",
				Max: now,
			}).Result()
			if err != nil {
				q.log.Warn().Err(err).Str("lane", lane).Msg("failed to read delayed tasks")
				continue
			}
			for _, m := range members {
				// remove-then-push: a member removed by a competing pump is
				// skipped here, so each delayed task is promoted once
				removed, err := q.client.ZRem(ctx, zkey, m).Result()
				if err != nil || removed == 0 {
					continue
				}
				if err := q.client.LPush(ctx, keyPrefix+lane, m).Err(); err != nil {
					q.log.Error().Err(err).Str("lane", lane).Msg("failed to promote delayed task")
				}
			}
		}
	}
}

func (q *RedisQueue) consume(ctx context.Context, lanes []string) {
	keys := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		keys = append(keys, keyPrefix+lane)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BRPop(ctx, popTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.log.Warn().Err(err).Msg("queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		// res is [key, payload]
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			q.log.Error().Err(err).Msg("discarding undecodable task payload")
			continue
		}
		q.deliver(ctx, &t)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, t *Task) {
	q.mu.RLock()
	h, ok := q.handlers[t.Name]
	q.mu.RUnlock()
	if !ok {
		q.log.Error().Str("task", t.Name).Msg("no handler registered for task")
		return
	}
	if err := h(ctx, t); err != nil {
		q.retry(ctx, t, err)
	}
}

func (q *RedisQueue) retry(ctx context.Context, t *Task, cause error) {
	if t.Attempt >= MaxAttempts {
		q.log.Error().
			Err(cause).
			Str("task", t.Name).
			Str("task_id", t.ID).
			Int("attempts", t.Attempt).
			Msg("task exhausted retry budget")
		q.recordFailure(t, cause)
		return
	}
	next := *t
	next.Attempt = t.Attempt + 1
	next.Lane = LaneRetry
	next.ETA = time.Now().UTC().Add(backoffFor(t.Attempt))
	q.log.Warn().
		Err(cause).
		Str("task", t.Name).
		Int("attempt", next.Attempt).
		Time("eta", next.ETA).
		Msg("task failed, re-submitting on retry lane")
	if err := q.push(ctx, &next); err != nil {
		q.log.Error().Err(err).Str("task", t.Name).Msg("failed to re-submit task")
	}
}

func (q *RedisQueue) recordFailure(t *Task, cause error) {
	if q.db == nil {
		return
	}
	payload, _ := json.Marshal(t)
	failure := &database.TaskFailure{
		TaskID:    t.ID,
		TaskName:  t.Name,
		Payload:   database.JSON(payload),
		LastError: cause.Error(),
		Attempts:  t.Attempt,
	}
	if err := q.db.Create(failure).Error; err != nil {
		q.log.Error().Err(err).Str("task", t.Name).Msg("failed to record task failure")
	}
}
