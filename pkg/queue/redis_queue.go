// Package queue hands generation jobs from the API to background consumers
// over a Redis stream. Job state lives in a hash next to the stream so
// callers can poll it after the stream entry is gone.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"contentengine/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

const (
	KindGenerate = "generate"
	KindWorkflow = "workflow"
)

// Job is a queued generation request and its progress.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Pillar       string    `json:"pillar,omitempty"`
	Framework    string    `json:"framework,omitempty"`
	Workflow     string    `json:"workflow,omitempty"`
	MaxAttempts  int       `json:"maxAttempts,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ItemIDs      []string  `json:"itemIds,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Spec is what a caller enqueues.
type Spec struct {
	Kind        string `json:"kind,omitempty"`
	Pillar      string `json:"pillar,omitempty"`
	Framework   string `json:"framework,omitempty"`
	Workflow    string `json:"workflow,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

func (s Spec) validate() error {
	switch s.Kind {
	case KindGenerate:
		if strings.TrimSpace(s.Pillar) == "" {
			return errors.New("pillar required")
		}
	case KindWorkflow:
		if strings.TrimSpace(s.Workflow) == "" {
			return errors.New("workflow required")
		}
	default:
		return fmt.Errorf("unknown job kind %q", s.Kind)
	}
	if s.MaxAttempts < 0 {
		return errors.New("maxAttempts must not be negative")
	}
	return nil
}

// ErrInvalidJob is returned by Enqueue for a malformed Spec.
var ErrInvalidJob = errors.New("invalid job")

// Handler runs one job and returns the ids of the drafts it produced.
type Handler func(ctx context.Context, job Job) ([]string, error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that must not be retried. Generation
// failures (budget, validation, fatal provider errors) are permanent:
// re-running them would only spend more budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	once         sync.Once
	now          func() time.Time
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisJobQueueWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

// NewRedisJobQueueWithClient shares an existing client, e.g. with the
// usage ledger.
func NewRedisJobQueueWithClient(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "generators"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 7 * 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		// Generation with waits between calls can take minutes.
		claimIdle = 10 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, spec Spec) (Job, error) {
	spec.Kind = strings.TrimSpace(spec.Kind)
	if spec.Kind == "" {
		spec.Kind = KindGenerate
		if spec.Workflow != "" {
			spec.Kind = KindWorkflow
		}
	}
	if err := spec.validate(); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	q.ensureGroup(ctx)
	now := q.now().UTC()
	job := Job{
		ID:          util.NewID(),
		Kind:        spec.Kind,
		Pillar:      strings.TrimSpace(spec.Pillar),
		Framework:   strings.TrimSpace(spec.Framework),
		Workflow:    strings.TrimSpace(spec.Workflow),
		MaxAttempts: spec.MaxAttempts,
		Actor:       strings.TrimSpace(spec.Actor),
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": job.ID},
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so jobs enqueued before the first consumer are delivered.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.logger.Warn("create consumer group", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := q.Poll(ctx, consumer, handler); err != nil && ctx.Err() == nil {
			q.logger.Warn("queue poll failed", "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.retryDelay):
			}
		}
	}
}

// Poll reclaims stale deliveries, then reads and handles up to ReadCount
// new messages. It returns the number of messages handled.
func (q *RedisJobQueue) Poll(ctx context.Context, consumer string, handler Handler) (int, error) {
	q.ensureGroup(ctx)
	handled := 0
	if msgs, err := q.claimPending(ctx, consumer); err == nil {
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
			handled++
		}
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.readCount,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return handled, nil
	}
	if err != nil {
		return handled, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			q.handleMessage(ctx, msg, handler)
			handled++
		}
	}
	return handled, nil
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID)
	if err != nil {
		q.logger.Warn("job state missing, dropping message", "job_id", jobID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	log := q.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	items, err := handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, jobID, items)
		q.ackAndDel(ctx, msg.ID)
		log.Info("job done", "items", len(items))
		return
	}
	if IsPermanent(err) || job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, jobID, err.Error(), items)
		q.ackAndDel(ctx, msg.ID)
		log.Warn("job failed", "err", err)
		return
	}
	_ = q.markQueued(ctx, jobID, err.Error())
	log.Warn("job will be retried", "err", err)
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID string) (Job, error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", jobID)
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = q.now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.update(ctx, jobID, func(job *Job) {
		job.Status = StatusQueued
		job.ErrorMessage = errMsg
	})
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string, items []string) error {
	return q.update(ctx, jobID, func(job *Job) {
		job.Status = StatusDone
		job.ErrorMessage = ""
		job.ItemIDs = items
	})
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string, items []string) error {
	return q.update(ctx, jobID, func(job *Job) {
		job.Status = StatusFailed
		job.ErrorMessage = errMsg
		job.ItemIDs = items
	})
}

func (q *RedisJobQueue) update(ctx context.Context, jobID string, fn func(*Job)) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	fn(&job)
	job.UpdatedAt = q.now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":          job.ID,
		"kind":        job.Kind,
		"pillar":      job.Pillar,
		"framework":   job.Framework,
		"workflow":    job.Workflow,
		"maxAttempts": strconv.Itoa(job.MaxAttempts),
		"actor":       job.Actor,
		"status":      job.Status,
		"error":       job.ErrorMessage,
		"items":       strings.Join(job.ItemIDs, ","),
		"attempts":    strconv.Itoa(job.Attempts),
		"createdAt":   job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		Kind:         data["kind"],
		Pillar:       data["pillar"],
		Framework:    data["framework"],
		Workflow:     data["workflow"],
		Actor:        data["actor"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if v := data["items"]; v != "" {
		job.ItemIDs = strings.Split(v, ",")
	}
	if n, err := strconv.Atoi(data["maxAttempts"]); err == nil {
		job.MaxAttempts = n
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
