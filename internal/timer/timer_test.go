package timer

import (
	"sync"
	"testing"
	"time"

	logx "expensed/pkg/logx"
)

func TestInProcFiresOnce(t *testing.T) {
	t.Parallel()
	s := NewInProc(logx.Nop())
	defer s.Close()

	fired := make(chan string, 4)
	s.SetHandler(func(id string, _ time.Time) { fired <- id })

	if err := s.Register("tpl-1", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case id := <-fired:
		if id != "tpl-1" {
			t.Fatalf("fired id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	// Fired timers drop out of the live list.
	if got := s.ListAll(); len(got) != 0 {
		t.Fatalf("ListAll after fire = %v", got)
	}
}

func TestInProcUpsertReplacesTimer(t *testing.T) {
	t.Parallel()
	s := NewInProc(logx.Nop())
	defer s.Close()

	var mu sync.Mutex
	var count int
	s.SetHandler(func(string, time.Time) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Re-register before the first deadline; only the replacement may fire.
	if err := s.Register("tpl-1", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("tpl-1", time.Now().Add(60*time.Millisecond)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := s.ListAll(); len(got) != 1 {
		t.Fatalf("ListAll = %v, want one entry", got)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("fired %d times, want 1", count)
	}
}

func TestInProcCancel(t *testing.T) {
	t.Parallel()
	s := NewInProc(logx.Nop())
	defer s.Close()

	fired := make(chan string, 1)
	s.SetHandler(func(id string, _ time.Time) { fired <- id })

	if err := s.Register("tpl-1", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Cancel("tpl-1")
	// Cancel is idempotent.
	s.Cancel("tpl-1")

	select {
	case id := <-fired:
		t.Fatalf("cancelled timer fired: %q", id)
	case <-time.After(150 * time.Millisecond):
	}
	if got := s.ListAll(); len(got) != 0 {
		t.Fatalf("ListAll = %v, want empty", got)
	}
}

func TestInProcRegisterWithoutHandler(t *testing.T) {
	t.Parallel()
	s := NewInProc(logx.Nop())
	defer s.Close()
	if err := s.Register("tpl-1", time.Now()); err == nil {
		t.Fatal("expected error when no handler is installed")
	}
}
