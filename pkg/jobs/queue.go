package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDuplicateJob is returned when a job id is already pending or running.
var ErrDuplicateJob = errors.New("job already queued")

// Job represents a queued background task.
type Job struct {
	ID       string
	Type     string
	Key      string
	Priority int
	Payload  interface{}
	Attempt  int
	Enqueued time.Time

	notBefore time.Time
	seq       uint64
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// Hooks observe job lifecycle transitions. All hooks are optional and run outside the queue lock.
type Hooks struct {
	OnStart   func(Job)
	OnRetry   func(Job, error, time.Duration)
	OnSuccess func(Job)
	OnFailure func(Job, error)
	OnCancel  func(Job)
}

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers       int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Retryable decides whether a failed job is retried. Defaults to retrying every error.
	Retryable func(error) bool
	// DependencyFailure decides whether an error counts against the breaker. Defaults to Retryable.
	DependencyFailure func(error) bool
	Breaker           *Breaker
	Hooks             Hooks
	Logger            *zap.Logger
}

// Queue is an in-memory priority dispatcher. Higher priorities run first, FIFO within a priority,
// and jobs sharing a non-empty Key never run concurrently.
type Queue struct {
	name    string
	handler Handler
	cfg     QueueConfig
	logger  *zap.Logger

	mu      sync.Mutex
	pending []*Job
	running map[string]int
	ids     map[string]struct{}
	seq     uint64
	changed chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay * 32
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}
	if cfg.DependencyFailure == nil {
		cfg.DependencyFailure = cfg.Retryable
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger,
		running: make(map[string]int),
		ids:     make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", q.cfg.Workers)
}

// Stop cancels workers and waits for running handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.broadcastLocked()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Enqueue adds a job to the pending set.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		return fmt.Errorf("queue %s not started", q.name)
	}
	if err := q.ctx.Err(); err != nil {
		return fmt.Errorf("queue %s stopped: %w", q.name, err)
	}
	if _, exists := q.ids[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}
	q.ids[job.ID] = struct{}{}
	q.pushLocked(&job)
	return nil
}

// Cancel removes a job that has not started yet. It returns false once the job is running or gone.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	var cancelled *Job
	for i, j := range q.pending {
		if j.ID == id {
			cancelled = j
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			delete(q.ids, id)
			break
		}
	}
	q.mu.Unlock()

	if cancelled == nil {
		return false
	}
	q.logger.Sugar().Infow("job cancelled", "queue", q.name, "job_id", id, "type", cancelled.Type)
	if q.cfg.Hooks.OnCancel != nil {
		q.cfg.Hooks.OnCancel(*cancelled)
	}
	return true
}

// Pending returns the number of jobs waiting to run, including those backing off.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) pushLocked(job *Job) {
	q.seq++
	job.seq = q.seq
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.Priority != job.Priority {
			return p.Priority < job.Priority
		}
		return p.seq > job.seq
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = job
	q.broadcastLocked()
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// next blocks until a runnable job is available or the queue stops.
func (q *Queue) next() (*Job, bool) {
	for {
		q.mu.Lock()
		if q.ctx.Err() != nil {
			q.mu.Unlock()
			return nil, false
		}

		wait := time.Duration(-1)
		if len(q.pending) > 0 {
			allowed, cooldown := true, time.Duration(0)
			if q.cfg.Breaker != nil {
				allowed, cooldown = q.cfg.Breaker.Allow()
			}
			if allowed {
				job, delay := q.takeLocked()
				if job != nil {
					q.mu.Unlock()
					return job, true
				}
				if q.cfg.Breaker != nil {
					q.cfg.Breaker.Abandon()
				}
				wait = delay
			} else {
				wait = cooldown
			}
		}
		changed := q.changed
		q.mu.Unlock()

		var timer <-chan time.Time
		if wait >= 0 {
			t := time.NewTimer(wait)
			timer = t.C
			select {
			case <-q.ctx.Done():
			case <-changed:
			case <-timer:
			}
			t.Stop()
			continue
		}
		select {
		case <-q.ctx.Done():
		case <-changed:
		}
	}
}

// takeLocked removes the first runnable job. When none is runnable it returns the
// delay until the earliest backoff expires, or -1 if only key conflicts block.
func (q *Queue) takeLocked() (*Job, time.Duration) {
	now := time.Now()
	wait := time.Duration(-1)
	for i, j := range q.pending {
		if j.Key != "" && q.running[j.Key] > 0 {
			continue
		}
		if d := j.notBefore.Sub(now); d > 0 {
			if wait < 0 || d < wait {
				wait = d
			}
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		if j.Key != "" {
			q.running[j.Key]++
		}
		return j, 0
	}
	return nil, wait
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		q.run(workerID, job)
	}
}

func (q *Queue) run(workerID int, job *Job) {
	job.Attempt++
	if q.cfg.Hooks.OnStart != nil {
		q.cfg.Hooks.OnStart(*job)
	}

	err := q.invoke(job)

	q.mu.Lock()
	if job.Key != "" {
		if q.running[job.Key]--; q.running[job.Key] <= 0 {
			delete(q.running, job.Key)
		}
	}
	q.mu.Unlock()

	if q.cfg.Breaker != nil {
		if err != nil && q.cfg.DependencyFailure(err) {
			q.cfg.Breaker.RecordFailure()
		} else {
			q.cfg.Breaker.RecordSuccess()
		}
	}

	switch {
	case err == nil:
		q.finish(job)
		if q.cfg.Hooks.OnSuccess != nil {
			q.cfg.Hooks.OnSuccess(*job)
		}
	case q.cfg.Retryable(err) && job.Attempt <= q.cfg.MaxRetries && q.ctx.Err() == nil:
		delay := q.backoff(job.Attempt)
		q.logger.Sugar().Warnw("job failed, retrying", "queue", q.name, "worker", workerID, "job_id", job.ID,
			"type", job.Type, "attempt", job.Attempt, "delay", delay, "error", err)
		if q.cfg.Hooks.OnRetry != nil {
			q.cfg.Hooks.OnRetry(*job, err, delay)
		}
		q.mu.Lock()
		job.notBefore = time.Now().Add(delay)
		q.pushLocked(job)
		q.mu.Unlock()
	default:
		q.logger.Sugar().Errorw("job failed", "queue", q.name, "worker", workerID, "job_id", job.ID,
			"type", job.Type, "attempt", job.Attempt, "error", err)
		q.finish(job)
		if q.cfg.Hooks.OnFailure != nil {
			q.cfg.Hooks.OnFailure(*job, err)
		}
	}
}

func (q *Queue) invoke(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return q.handler(q.ctx, *job)
}

func (q *Queue) finish(job *Job) {
	q.mu.Lock()
	delete(q.ids, job.ID)
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *Queue) backoff(attempt int) time.Duration {
	return Backoff(q.cfg.RetryDelay, q.cfg.MaxRetryDelay, attempt)
}

// Backoff returns base*2^(attempt-1) capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
