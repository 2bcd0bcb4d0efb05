package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/store"
)

func openQueue(t *testing.T, workers, maxAttempts int) *Queue {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q := NewQueue(workers, maxAttempts)
	q.interval = 20 * time.Millisecond
	return q
}

func TestTaskDeliveredAndCompleted(t *testing.T) {
	q := openQueue(t, 2, 3)
	done := make(chan Task, 1)
	q.Register(TaskGenerate, func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Enqueue(Task{Type: TaskGenerate, MessageID: "msg-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case task := <-done:
		if task.MessageID != "msg-1" {
			t.Fatalf("unexpected task %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task never delivered")
	}

	// Queue drains once the handler succeeds.
	deadline := time.Now().Add(2 * time.Second)
	for {
		keys, _, err := store.PendingTasks(0)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(keys) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task not removed after success: %v", keys)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFailingTaskRetriesThenDeadLetters(t *testing.T) {
	q := openQueue(t, 1, 2)
	var mu sync.Mutex
	attempts := 0
	q.Register(TaskGenerate, func(ctx context.Context, task Task) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("provider down")
	})
	q.Start(context.Background())
	defer q.Stop()

	if err := q.Enqueue(Task{Type: TaskGenerate, MessageID: "msg-2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		keys, _, err := store.PendingTasks(0)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(keys) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task still pending after dead-letter ceiling")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestPendingTasksSurviveRestart(t *testing.T) {
	logger.Init()
	dir := t.TempDir()
	if err := store.Open(dir); err != nil {
		t.Fatalf("open store: %v", err)
	}
	q := NewQueue(1, 3)
	if err := q.Enqueue(Task{Type: TaskGenerate, MessageID: "msg-3"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: the durable task is still there and gets delivered.
	if err := store.Open(dir); err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	q2 := NewQueue(1, 3)
	q2.interval = 20 * time.Millisecond
	done := make(chan Task, 1)
	q2.Register(TaskGenerate, func(ctx context.Context, task Task) error {
		done <- task
		return nil
	})
	q2.Start(context.Background())
	defer q2.Stop()

	select {
	case task := <-done:
		if task.MessageID != "msg-3" {
			t.Fatalf("unexpected task %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("durable task not replayed after restart")
	}
}
