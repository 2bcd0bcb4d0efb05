package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"
)

// Task types handled by the queue.
const (
	TaskGenerate = "generate"
)

// Task is one durable unit of background work. Delivery is at least
// once: handlers must be idempotent.
type Task struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	MessageID    string `json:"message_id,omitempty"`
	Conversation string `json:"conversation_id,omitempty"`
	Model        string `json:"model,omitempty"`
	Attempts     int    `json:"attempts"`
	CreatedTS    int64  `json:"created_ts"`
}

// Handler processes one task. Returning an error requeues the task until
// the attempt ceiling is reached.
type Handler func(ctx context.Context, t Task) error

// Queue is a pebble-backed task queue. Pending tasks survive restarts
// and are replayed in enqueue order by a small worker pool.
type Queue struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	workers     int
	maxAttempts int
	interval    time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// inflight keeps a worker from double-claiming a task while its
	// pending key is still present.
	inflight map[string]struct{}
}

func NewQueue(workers, maxAttempts int) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		handlers:    map[string]Handler{},
		workers:     workers,
		maxAttempts: maxAttempts,
		interval:    2 * time.Second,
		wake:        make(chan struct{}, 1),
		inflight:    map[string]struct{}{},
	}
}

// Register installs the handler for a task type. Must be called before
// Start.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

// Enqueue persists a task and nudges the dispatcher. The call returns
// once the task is durable; execution is asynchronous.
func (q *Queue) Enqueue(t Task) error {
	if t.ID == "" {
		t.ID = utils.GenTaskID()
	}
	if t.CreatedTS == 0 {
		t.CreatedTS = time.Now().UTC().UnixNano()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	key, err := store.EnqueueTask(data)
	if err != nil {
		logger.Error("task_enqueue_failed", "task", t.ID, "type", t.Type, "error", err)
		return err
	}
	logger.Info("task_enqueued", "task", t.ID, "type", t.Type, "key", key)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatcher and workers. Pending tasks left over
// from a previous run are picked up immediately.
func (q *Queue) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel

	jobs := make(chan claimed)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, jobs)
	}
	q.wg.Add(1)
	go q.dispatch(ctx, jobs)
	logger.Info("coord_queue_started", "workers", q.workers, "max_attempts", q.maxAttempts)
}

// Stop cancels workers and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	logger.Info("coord_queue_stopped")
}

type claimed struct {
	key  string
	task Task
}

func (q *Queue) dispatch(ctx context.Context, jobs chan<- claimed) {
	defer q.wg.Done()
	defer close(jobs)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		keys, vals, err := store.PendingTasks(64)
		if err != nil {
			logger.Error("task_scan_failed", "error", err)
		}
		for i, key := range keys {
			q.mu.Lock()
			if _, busy := q.inflight[key]; busy {
				q.mu.Unlock()
				continue
			}
			q.inflight[key] = struct{}{}
			q.mu.Unlock()

			var t Task
			if err := json.Unmarshal(vals[i], &t); err != nil {
				logger.Error("task_decode_failed", "key", key, "error", err)
				_ = store.DeadLetterTask(key, vals[i])
				q.release(key)
				continue
			}
			select {
			case jobs <- claimed{key: key, task: t}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context, jobs <-chan claimed) {
	defer q.wg.Done()
	for c := range jobs {
		q.run(ctx, c)
	}
}

func (q *Queue) run(ctx context.Context, c claimed) {
	defer q.release(c.key)
	q.mu.Lock()
	h := q.handlers[c.task.Type]
	q.mu.Unlock()
	if h == nil {
		logger.Error("task_no_handler", "task", c.task.ID, "type", c.task.Type)
		data, _ := json.Marshal(c.task)
		_ = store.DeadLetterTask(c.key, data)
		return
	}
	err := h(ctx, c.task)
	if err == nil {
		if derr := store.CompleteTask(c.key); derr != nil {
			logger.Error("task_complete_failed", "task", c.task.ID, "error", derr)
		}
		logger.Info("task_completed", "task", c.task.ID, "type", c.task.Type, "attempts", c.task.Attempts+1)
		return
	}
	c.task.Attempts++
	logger.Warn("task_failed", "task", c.task.ID, "type", c.task.Type, "attempt", c.task.Attempts, "error", err)
	data, merr := json.Marshal(c.task)
	if merr != nil {
		return
	}
	if c.task.Attempts >= q.maxAttempts {
		logger.Error("task_dead_lettered", "task", c.task.ID, "type", c.task.Type, "attempts", c.task.Attempts)
		_ = store.DeadLetterTask(c.key, data)
		return
	}
	_ = store.UpdateTask(c.key, data)
}
