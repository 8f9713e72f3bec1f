package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/logger"
)

func testManager() *Manager {
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	return NewManager(busproxy.NewBus(log), Config{MaxConnectRetries: 3}, log)
}

func TestQueueExecutesFIFO(t *testing.T) {
	m := testManager()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	for _, name := range []string{"first", "second", "third"} {
		name := name
		m.ExecuteCommand(&Command{
			Name: name,
			Invoke: func() error {
				mu.Lock()
				order = append(order, name)
				finished := len(order) == 3
				mu.Unlock()
				if finished {
					close(done)
				}
				return nil
			},
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("order[%d] = %s, want %s", i, order[i], name)
		}
	}
}

func TestQueueSingleFlight(t *testing.T) {
	m := testManager()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		m.ExecuteCommand(&Command{
			Name: "probe",
			Invoke: func() error {
				defer wg.Done()
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			},
		})
	}

	wg.Wait()
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in flight = %d, want 1", got)
	}
}

func TestQueueRetryAtHead(t *testing.T) {
	m := testManager()

	var mu sync.Mutex
	var order []string
	attempts := 0
	done := make(chan struct{})

	m.ExecuteCommand(&Command{
		Name:       "flaky",
		MaxRetries: 2,
		Invoke: func() error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			order = append(order, "flaky")
			if attempts < 3 {
				return errors.New("Device busy")
			}
			return nil
		},
	})
	m.ExecuteCommand(&Command{
		Name: "follower",
		Invoke: func() error {
			mu.Lock()
			order = append(order, "follower")
			mu.Unlock()
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// The flaky command retries at the head; the follower only runs
	// after the final success.
	want := []string{"flaky", "flaky", "flaky", "follower"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueueDropsAfterRetryCap(t *testing.T) {
	m := testManager()

	var attempts int32
	done := make(chan struct{})

	m.ExecuteCommand(&Command{
		Name:       "doomed",
		MaxRetries: 2,
		Invoke: func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("Operation failed")
		},
	})
	m.ExecuteCommand(&Command{
		Name: "sentinel",
		Invoke: func() error {
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (initial plus two retries)", got)
	}
}

func TestQueueDropsOnConnectionLoss(t *testing.T) {
	m := testManager()

	var attempts int32
	done := make(chan struct{})

	m.ExecuteCommand(&Command{
		Name:       "lost",
		MaxRetries: 5,
		Invoke: func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("Not connected")
		},
	})
	m.ExecuteCommand(&Command{
		Name: "sentinel",
		Invoke: func() error {
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries after connection loss)", got)
	}
}

func TestQueueRecoversFromPanickingCommand(t *testing.T) {
	m := testManager()

	done := make(chan struct{})

	m.ExecuteCommand(&Command{
		Name:   "bad",
		Invoke: func() error { panic("listener bug") },
	})
	m.ExecuteCommand(&Command{
		Name: "sentinel",
		Invoke: func() error {
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not recover from panic")
	}
}

func TestDisposedManagerDropsCommands(t *testing.T) {
	m := testManager()
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}

	executed := make(chan struct{}, 1)
	m.ExecuteCommand(&Command{
		Name: "late",
		Invoke: func() error {
			executed <- struct{}{}
			return nil
		},
	})

	select {
	case <-executed:
		t.Error("command executed after dispose")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerDisposeIsIdempotent(t *testing.T) {
	m := testManager()
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("second Dispose() error = %v", err)
	}
}
