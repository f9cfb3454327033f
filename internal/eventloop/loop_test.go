package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("loop returned error: %v", err)
			}
		case <-time.After(time.Second):
			t.Errorf("loop did not stop")
		}
	})
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New()
	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	for _, name := range []string{"a", "b", "c"} {
		name := name
		l.Post(name, func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if name == "c" {
				close(done)
			}
		})
	}
	startLoop(t, l)
	waitFor(t, done, "tasks")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestInterruptRunsBeforeQueuedTasks(t *testing.T) {
	l := New()
	var order []string
	done := make(chan struct{})

	l.Post("first", func() {
		order = append(order, "first")
		// Queued while a task is running: the interrupt must win over
		// the already queued second task.
		l.Post("second", func() {
			order = append(order, "second")
			close(done)
		})
		l.RequestInterrupt(func() { order = append(order, "interrupt") })
	})
	startLoop(t, l)
	waitFor(t, done, "second task")

	want := []string{"first", "interrupt", "second"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", order, want)
		}
	}
}

func TestInterruptRunsOnLoopGoroutine(t *testing.T) {
	l := New()
	current := make(chan string, 1)
	l.Post("capture", func() { current <- l.Current() })

	ran := make(chan string, 1)
	startLoop(t, l)
	if got := <-current; got != "capture" {
		t.Fatalf("expected current task name, got %q", got)
	}

	go l.RequestInterrupt(func() { ran <- l.Current() })
	select {
	case name := <-ran:
		if name != "" {
			t.Fatalf("interrupt ran inside task %q, want between tasks", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("interrupt never ran")
	}
}

func TestSafePointDrainsInterruptsInsideTask(t *testing.T) {
	l := New()
	release := make(chan struct{})
	ran := make(chan struct{})
	handled := make(chan int, 1)

	l.Post("blocking", func() {
		for {
			select {
			case <-l.Interrupted():
				handled <- l.SafePoint()
			case <-release:
				return
			}
		}
	})
	startLoop(t, l)

	l.RequestInterrupt(func() { close(ran) })
	waitFor(t, ran, "interrupt inside task")
	if n := <-handled; n != 1 {
		t.Fatalf("expected one interrupt at the safe point, got %d", n)
	}
	close(release)
}

func TestSafePointWithoutPendingInterrupts(t *testing.T) {
	l := New()
	if n := l.SafePoint(); n != 0 {
		t.Fatalf("expected no interrupts, got %d", n)
	}
}

func TestEveryPostsPeriodically(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan struct{}, 16)
	l.Every(ctx, "tick", 10*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	startLoop(t, l)

	for i := 0; i < 3; i++ {
		waitFor(t, ticks, "tick")
	}
}

func TestEverySkipsTicksWhileBlocked(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Every(ctx, "tick", 5*time.Millisecond, func() {})

	release := make(chan struct{})
	l.Post("blocker", func() { <-release })
	startLoop(t, l)

	time.Sleep(100 * time.Millisecond)
	l.mu.Lock()
	queued := 0
	for _, task := range l.tasks {
		if task.name == "tick" {
			queued++
		}
	}
	l.mu.Unlock()
	close(release)

	if queued > 1 {
		t.Fatalf("expected at most one queued tick while blocked, got %d", queued)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !l.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("loop never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
	if l.Running() {
		t.Fatalf("loop still reports running")
	}
}
