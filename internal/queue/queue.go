// ABOUTME: Per-conversation FIFO job queues with one lazily started worker each
// ABOUTME: Bounds admission by pending plus in-flight depth and recovers panicking tasks

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	// ErrQueueFull is returned when a conversation already has the maximum
	// number of pending and in-flight tasks.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned by Enqueue after Close has been called.
	ErrClosed = errors.New("queue registry closed")
)

// Task is one unit of work. The context is cancelled if shutdown gives up
// waiting for it.
type Task func(ctx context.Context)

// conversationQueue holds the FIFO for a single conversation.
// All fields are guarded by Registry.mu.
type conversationQueue struct {
	pending  []Task
	inFlight bool
	working  bool // a worker goroutine owns this queue
}

func (q *conversationQueue) depth() int {
	d := len(q.pending)
	if q.inFlight {
		d++
	}
	return d
}

// Registry owns every conversation queue. Queues are created on first use and
// kept for the life of the process.
type Registry struct {
	mu       sync.Mutex
	queues   map[string]*conversationQueue
	maxDepth int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Registry. maxDepth <= 0 disables the admission limit.
func New(maxDepth int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		queues:   make(map[string]*conversationQueue),
		maxDepth: maxDepth,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "queue"),
	}
}

// Enqueue appends task to the conversation's queue and returns the depth
// including the new task. The depth check and the append happen under the
// same lock, so at most maxDepth tasks are ever admitted concurrently.
func (r *Registry) Enqueue(conversationID string, task Task) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	q, ok := r.queues[conversationID]
	if !ok {
		q = &conversationQueue{}
		r.queues[conversationID] = q
	}

	depth := q.depth()
	if r.maxDepth > 0 && depth >= r.maxDepth {
		return depth, fmt.Errorf("%w: %d of %d", ErrQueueFull, depth, r.maxDepth)
	}

	q.pending = append(q.pending, task)
	if !q.working {
		q.working = true
		r.wg.Add(1)
		go r.work(conversationID, q)
	}

	return depth + 1, nil
}

// work drains one conversation's queue and exits when it is empty.
func (r *Registry) work(conversationID string, q *conversationQueue) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		if r.closed || len(q.pending) == 0 {
			q.working = false
			q.inFlight = false
			r.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inFlight = true
		r.mu.Unlock()

		r.run(conversationID, task)

		r.mu.Lock()
		q.inFlight = false
		r.mu.Unlock()
	}
}

// run executes a task, converting a panic into a log line.
func (r *Registry) run(conversationID string, task Task) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked",
				"conversation_id", conversationID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(r.ctx)
}

// Depth returns pending plus in-flight tasks for a conversation.
func (r *Registry) Depth(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[conversationID]
	if !ok {
		return 0
	}
	return q.depth()
}

// Depths returns the depth of every conversation with outstanding work.
func (r *Registry) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int)
	for id, q := range r.queues {
		if d := q.depth(); d > 0 {
			out[id] = d
		}
	}
	return out
}

// Close stops admission and discards tasks that have not started, then waits
// for in-flight tasks. If ctx expires first, in-flight tasks have their
// context cancelled and ctx's error is returned.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	discarded := 0
	for _, q := range r.queues {
		discarded += len(q.pending)
		q.pending = nil
	}
	r.mu.Unlock()

	if discarded > 0 {
		r.logger.Warn("discarding queued tasks on shutdown", "count", discarded)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
