package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
)

var (
	// ErrLaneFull is returned when a lane already holds MaxQueued waiting tasks.
	ErrLaneFull = errors.New("lane queue is full")

	// ErrTaskCancelled is returned when the caller's context ended before the task started.
	ErrTaskCancelled = errors.New("task cancelled before start")

	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("command queue closed")
)

// Task is a unit of work run inside a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still waiting after this long.
	WarnAfter time.Duration
}

// Config holds queue configuration.
type Config struct {
	// MaxQueued bounds waiting tasks per lane; 0 means unbounded.
	MaxQueued int
	Logger    zerolog.Logger
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

type taskResult struct {
	value any
	err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

// lane runs its tasks one at a time in FIFO order.
type lane struct {
	name    string
	queue   []*taskRecord
	running int
}

// Queue serializes tasks per lane. Different lanes run concurrently.
// Lanes are created on first use and removed once idle.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool

	maxQueued int
	logger    zerolog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:     make(map[string]*lane),
		maxQueued: cfg.MaxQueued,
		logger:    cfg.Logger.With().Str("component", "commandqueue").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// LaneFor returns the lane name of a conversation.
func LaneFor(conversationID string) string {
	return "conversation-" + conversationID
}

// Enqueue runs task in laneName after every earlier task in that lane and
// waits for its result. A context that ends while the task is still queued
// withdraws it; once started, the task observes the cancellation itself.
func (q *Queue) Enqueue(ctx context.Context, laneName string, task Task, opts *TaskOptions) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTaskCancelled, err)
	}
	var o TaskOptions
	if opts != nil {
		o = *opts
	}

	ctx, span := tracing.StartSpan(ctx, "deskflow.commandqueue", "commandqueue.enqueue", attribute.String("lane", laneName))
	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		tracing.EndSpan(span, ErrQueueClosed)
		return nil, ErrQueueClosed
	}
	l, ok := q.lanes[laneName]
	if !ok {
		l = &lane{name: laneName}
		q.lanes[laneName] = l
	}
	if q.maxQueued > 0 && len(l.queue) >= q.maxQueued {
		q.releaseIfIdleLocked(l)
		q.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrLaneFull, laneName)
		tracing.EndSpan(span, err)
		return nil, err
	}
	q.seq++
	rec := &taskRecord{
		id:         fmt.Sprintf("%s-%d", laneName, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	l.queue = append(l.queue, rec)
	queueSize := len(l.queue)
	q.dispatchLocked(l)
	q.mu.Unlock()

	logger.Debug().Str("lane", laneName).Str("taskId", rec.id).Int("queueSize", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneName, queueSize)

	if o.WarnAfter > 0 {
		timer := time.AfterFunc(o.WarnAfter, func() { q.warnIfWaiting(l, rec) })
		defer timer.Stop()
	}

	var res taskResult
	select {
	case res = <-rec.result:
	case <-ctx.Done():
		q.mu.Lock()
		withdrawn := q.withdrawLocked(l, rec)
		q.mu.Unlock()
		if withdrawn {
			err := fmt.Errorf("%w: %w", ErrTaskCancelled, ctx.Err())
			logger.Debug().Str("lane", laneName).Str("taskId", rec.id).Msg("Queued task withdrawn")
			tracing.EndSpan(span, err)
			return nil, err
		}
		res = <-rec.result
	}

	tracing.EndSpan(span, res.err)
	return res.value, res.err
}

// dispatchLocked starts the head task when the lane is free.
func (q *Queue) dispatchLocked(l *lane) {
	if l.running > 0 || len(l.queue) == 0 {
		return
	}
	rec := l.queue[0]
	l.queue = l.queue[1:]
	l.running++
	q.wg.Add(1)
	go q.run(l, rec)
}

func (q *Queue) run(l *lane, rec *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(rec.ctx, "deskflow.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", l.name),
		attribute.String("task_id", rec.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, q.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)

	start := time.Now()
	value, err := q.invoke(runCtx, rec.task)
	duration := time.Since(start)

	stopCancel()
	cancel()

	q.mu.Lock()
	l.running--
	queueSize := len(l.queue)
	q.dispatchLocked(l)
	q.releaseIfIdleLocked(l)
	q.mu.Unlock()

	rec.result <- taskResult{value: value, err: err}

	if err != nil {
		logger.Debug().Str("lane", l.name).Str("taskId", rec.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", l.name).Str("taskId", rec.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(l.name, duration, err == nil, queueSize)
	tracing.EndSpan(span, err)
}

// invoke runs the task, turning a panic into an error so the lane keeps moving.
func (q *Queue) invoke(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (q *Queue) withdrawLocked(l *lane, rec *taskRecord) bool {
	for i, r := range l.queue {
		if r == rec {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			observability.SetQueueSize(l.name, len(l.queue))
			q.releaseIfIdleLocked(l)
			return true
		}
	}
	return false
}

// releaseIfIdleLocked drops a lane with nothing queued or running.
func (q *Queue) releaseIfIdleLocked(l *lane) {
	if l.running == 0 && len(l.queue) == 0 && q.lanes[l.name] == l {
		delete(q.lanes, l.name)
		observability.DeleteQueueLane(l.name)
	}
}

func (q *Queue) warnIfWaiting(l *lane, rec *taskRecord) {
	q.mu.Lock()
	pos := -1
	for i, r := range l.queue {
		if r == rec {
			pos = i
			break
		}
	}
	q.mu.Unlock()

	if pos >= 0 {
		q.logger.Warn().
			Str("lane", l.name).
			Str("taskId", rec.id).
			Int64("waitMs", time.Since(rec.enqueuedAt).Milliseconds()).
			Int("queuePos", pos).
			Msg("Task waiting longer than expected")
	}
}

// Busy reports whether the lane has a running or queued task.
func (q *Queue) Busy(laneName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.lanes[laneName]
	return ok
}

// Stats returns the state of every live lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		stats[name] = LaneStats{Queued: len(l.queue), Running: l.running}
	}
	return stats
}

// Lanes returns the names of live lanes, sorted.
func (q *Queue) Lanes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.lanes))
	for name := range q.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitForActive waits until no lane has running or queued tasks.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		idle := len(q.lanes) == 0
		q.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
