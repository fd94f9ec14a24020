package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := q.Do(ctx, func(context.Context) error {
				mu.Lock()
				n := len(order)
				order = append(order, n)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Do failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Submission order is not fixed across goroutines, but each task must
	// have observed the state left by the previous one.
	if len(order) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(order))
	}
	for i, n := range order {
		if n != i {
			t.Errorf("order[%d] = %d, tasks interleaved", i, n)
		}
	}
}

func TestQueueTaskErrorDoesNotStopTheQueue(t *testing.T) {
	q := NewQueue()
	defer q.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	if err := q.Do(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected the task's own error, got %v", err)
	}

	ran := false
	if err := q.Do(ctx, func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("Do after failed task: %v", err)
	}
	if !ran {
		t.Error("queue stopped after a task error")
	}
}

func TestQueueDoHonorsContext(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	// Occupy the worker so the next Do blocks on submission.
	started := make(chan struct{})
	release := make(chan struct{})
	go q.Do(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(release)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Close()
	err := q.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled after Close, got %v", err)
	}
}
