package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/chatrelay/internal/types"
)

const laneBuffer = 100

// Job is one inbound router message waiting to be appended to the backend.
type Job struct {
	SessionID types.SessionID
	Message   *types.RouterMessage
	Received  time.Time
}

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that messages within a
// session are appended in arrival order, while the semaphore limits the
// total number of concurrent appends across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Job
	semaphore *semaphore.Weighted
	processor func(context.Context, *Job)
	active    atomic.Int64 // accepted but not yet finished
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent jobs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, dropping jobs not yet started, closes all
// lanes, and waits for in-flight processors to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a job to the session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full or
// the queue has stopped.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.ctx == nil {
		return fmt.Errorf("queue not running")
	}

	lane, exists := q.lanes[job.SessionID]
	if !exists {
		lane = make(chan *Job, laneBuffer)
		q.lanes[job.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	q.active.Add(1)
	select {
	case lane <- job:
		return nil
	default:
		q.active.Add(-1)
		return fmt.Errorf("queue full for session %s", job.SessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously.
func (q *Queue) processLane(lane chan *Job) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			if q.processor != nil {
				q.processor(q.ctx, job)
			} else {
				q.logger.Warn("push job dropped, no processor", "session_id", job.SessionID)
			}
			q.semaphore.Release(1)
			q.active.Add(-1)
		case <-q.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until every accepted job has been processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued job.
func (q *Queue) SetProcessor(fn func(context.Context, *Job)) {
	q.processor = fn
}
