package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"TWPull/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a list-backed job queue with delayed retries (sorted set), a
// dead-letter list and a per-job status record. Long backfill and repair runs
// are executed by its workers so HTTP callers can return immediately and poll
// the status by run id.
type RedisQueue struct {
	logger    *logger.Logger
	config    *QueueConfig
	client    *redis.Client
	jobs      map[string]Job
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	stopCh    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	keyPrefix string
	now       func() time.Time
}

var _ QueueService = (*RedisQueue)(nil)

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

// NewRedisQueue creates a queue that both accepts and executes jobs.
func NewRedisQueue(lgr *logger.Logger, config *QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	if config == nil {
		config = &QueueConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}
	if config.StatusTTL <= 0 {
		config.StatusTTL = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	rq := &RedisQueue{
		logger:    lgr,
		config:    config,
		client:    client,
		jobs:      make(map[string]Job),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		keyPrefix: "twpull:queue",
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(rq)
	}

	return rq
}

// RegisterJobs registers one job per message type; duplicates are ignored.
func (r *RedisQueue) RegisterJobs(jobs []Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range jobs {
		if _, exists := r.jobs[job.Type()]; exists {
			r.logger.Warn("job already registered", logger.String("job", job.Name()))
			continue
		}
		r.jobs[job.Type()] = job
		r.logger.Info("job registered",
			logger.String("job", job.Name()),
			logger.String("type", job.Type()))
	}
}

// Start pings Redis and starts the workers and the retry mover.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	r.isRunning = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
		return fmt.Errorf("redis ping: %w", err)
	}

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.retryProcessor()

	r.logger.Info("redis queue started",
		logger.Int("workers", r.config.Workers),
		logger.String("addr", r.client.Options().Addr),
		logger.String("prefix", r.keyPrefix))
	return nil
}

// Stop cancels running jobs and waits for the workers. A job cancelled by
// Stop is pushed back and resumes on the next Start.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.logger.Info("stopping redis queue...")
	r.cancel()
	close(r.stopCh)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		r.logger.Info("redis queue stopped gracefully")
		return nil
	}
}

// Enqueue adds a message under a fresh id and returns the id.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) (string, error) {
	id := uuid.NewString()
	return id, r.EnqueueWithID(ctx, id, msgType, payload)
}

// EnqueueWithID adds a message whose status is readable under id.
func (r *RedisQueue) EnqueueWithID(ctx context.Context, id, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.isRunning
	_, known := r.jobs[msgType]
	r.mu.RUnlock()

	if !running {
		return fmt.Errorf("queue not running")
	}
	if !known {
		return fmt.Errorf("no job registered for type: %s", msgType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := r.now()
	msg := Message{ID: id, Type: msgType, Payload: raw, Timestamp: now}
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	st, err := json.Marshal(JobStatus{ID: id, Type: msgType, State: StateQueued, EnqueuedAt: now, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.statusKey(id), st, r.config.StatusTTL)
	pipe.LPush(ctx, r.queueKey(), msgData)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Status returns the last recorded state of id.
func (r *RedisQueue) Status(ctx context.Context, id string) (JobStatus, error) {
	var st JobStatus
	b, err := r.client.Get(ctx, r.statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, ErrUnknownJob
	}
	if err != nil {
		return st, fmt.Errorf("job status: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode job status: %w", err)
	}
	return st, nil
}

// Pending returns the number of waiting, delayed and dead messages.
func (r *RedisQueue) Pending(ctx context.Context) (waiting, delayed, dead int64, err error) {
	pipe := r.client.Pipeline()
	w := pipe.LLen(ctx, r.queueKey())
	d := pipe.ZCard(ctx, r.retryKey())
	dl := pipe.LLen(ctx, r.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue pending: %w", err)
	}
	return w.Val(), d.Val(), dl.Val(), nil
}

func (r *RedisQueue) setStatus(msg Message, state JobState, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, gerr := r.Status(ctx, msg.ID)
	if gerr != nil {
		cur = JobStatus{ID: msg.ID, Type: msg.Type, EnqueuedAt: msg.Timestamp}
	}
	next := cur.advance(state, msg.Attempts, err, r.now())
	b, merr := json.Marshal(next)
	if merr != nil {
		return
	}
	if serr := r.client.Set(ctx, r.statusKey(msg.ID), b, r.config.StatusTTL).Err(); serr != nil {
		r.logger.Warn("job status not saved", logger.String("id", msg.ID), logger.Error(serr))
	}
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.logger.Debug("queue worker started", logger.Int("worker_id", id))

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		default:
			r.processNextMessage()
		}
	}
}

func (r *RedisQueue) processNextMessage() {
	result, err := r.client.BRPop(r.ctx, time.Second, r.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		r.logger.Error("brpop error", logger.Error(err))
		time.Sleep(time.Second)
		return
	}
	if len(result) < 2 {
		return
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		r.logger.Error("unmarshal message", logger.Error(err))
		return
	}
	r.processMessage(msg)
}

func (r *RedisQueue) processMessage(msg Message) {
	r.mu.RLock()
	job, exists := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !exists {
		r.logger.Error("no job found", logger.String("type", msg.Type), logger.String("id", msg.ID))
		r.setStatus(msg, StateDead, fmt.Errorf("no job for type %s", msg.Type))
		return
	}

	ctx := r.ctx
	if r.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, r.config.JobTimeout)
		defer cancel()
	}
	r.setStatus(msg, StateRunning, nil)

	start := r.now()
	err := job.Handle(ctx, msg.Payload)
	elapsed := time.Since(start)
	if err == nil {
		r.setStatus(msg, StateSucceeded, nil)
		r.logger.Info("message processed",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Duration("elapsed", elapsed))
		return
	}

	if r.ctx.Err() != nil {
		// Shutdown, not a job failure.
		r.requeue(msg)
		return
	}
	r.handleProcessingError(msg, job, err)
}

func (r *RedisQueue) requeue(msg Message) {
	r.logger.Warn("job interrupted by shutdown, requeued", logger.String("id", msg.ID))
	r.setStatus(msg, StateQueued, nil)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.RPush(ctx, r.queueKey(), data).Err(); err != nil {
		r.logger.Error("requeue", logger.String("id", msg.ID), logger.Error(err))
	}
}

func (r *RedisQueue) handleProcessingError(msg Message, job Job, err error) {
	r.logger.Error("message processing error",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err))

	msg.Attempts++
	if msg.Attempts <= r.config.RetryLimit {
		retryTime := r.now().Add(r.config.RetryDelay)
		r.setStatus(msg, StateRetrying, err)
		r.park(r.retryKey(), msg, &retryTime)
		return
	}
	r.logger.Error("max retries reached", logger.String("id", msg.ID), logger.String("job", job.Name()))
	r.setStatus(msg, StateDead, err)
	r.park(r.deadLetterKey(), msg, nil)
}

// park moves msg to the retry set (when at is set) or the dead-letter list.
func (r *RedisQueue) park(key string, msg Message, at *time.Time) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal message", logger.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if at != nil {
		err = r.client.ZAdd(ctx, key, redis.Z{Score: float64(at.Unix()), Member: data}).Err()
	} else {
		err = r.client.LPush(ctx, key, data).Err()
	}
	if err != nil {
		r.logger.Error("park message", logger.String("key", key), logger.Error(err))
	}
}

func (r *RedisQueue) retryProcessor() {
	defer r.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.processRetryMessages()
		}
	}
}

func (r *RedisQueue) processRetryMessages() {
	due, err := r.client.ZRangeByScore(r.ctx, r.retryKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(r.now().Unix(), 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("fetch retry messages", logger.Error(err))
		}
		return
	}

	for _, data := range due {
		if r.ctx.Err() != nil {
			return
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(r.ctx, r.retryKey(), data)
		pipe.LPush(r.ctx, r.queueKey(), data)
		if _, err := pipe.Exec(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("move retry to queue", logger.Error(err))
		}
	}
}

func (r *RedisQueue) queueKey() string           { return r.keyPrefix + ":messages" }
func (r *RedisQueue) retryKey() string           { return r.keyPrefix + ":retry" }
func (r *RedisQueue) deadLetterKey() string      { return r.keyPrefix + ":dlq" }
func (r *RedisQueue) statusKey(id string) string { return r.keyPrefix + ":status:" + id }
