package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/faults"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(DefaultConfig(), nil)
	t.Cleanup(m.Close)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)

	lock, err := m.Acquire(context.Background(), TaskResource("t1"), "exec-1", ModeExecute, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock.Resource != "task:t1" {
		t.Errorf("expected canonical resource task:t1, got %s", lock.Resource)
	}

	holders := m.HolderOf("task:t1")
	if len(holders) != 1 || holders[0] != "exec-1" {
		t.Errorf("expected exec-1 to hold task:t1, got %v", holders)
	}

	m.Release(lock.ID)
	if holders := m.HolderOf("task:t1"); len(holders) != 0 {
		t.Errorf("expected no holders after release, got %v", holders)
	}
}

func TestReleaseUnknownLockIsNotAnError(t *testing.T) {
	m := newTestManager(t)
	m.Release("no-such-lock") // must not panic
	m.Release("no-such-lock")
}

func TestNegativeTimeoutFailsImmediately(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Acquire(context.Background(), "file:/x", "exec-1", ModeWrite, AcquireOptions{}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	_, err := m.Acquire(context.Background(), "file:/x", "exec-2", ModeWrite, AcquireOptions{Timeout: -1})
	if err == nil {
		t.Fatal("expected contended negative-timeout acquire to fail")
	}
	if !faults.IsKind(err, faults.Timeout) {
		t.Errorf("expected Timeout fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("expected immediate failure, took %v", elapsed)
	}
}

func TestZeroTimeoutWaitsDefaultTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	m := NewManager(cfg, nil)
	t.Cleanup(m.Close)

	first, err := m.Acquire(context.Background(), "file:/shared.go", "exec-1", ModeWrite, AcquireOptions{})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// The second writer passes no timeout; it must wait out the default
	// rather than fail on contention.
	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Release(first.ID)
	}()

	second, err := m.Acquire(context.Background(), "file:/shared.go", "exec-2", ModeWrite, AcquireOptions{})
	if err != nil {
		t.Fatalf("zero-timeout acquire should wait for the default timeout: %v", err)
	}
	if second.HolderID != "exec-2" {
		t.Errorf("expected exec-2 to hold the lock, got %s", second.HolderID)
	}
}

func TestZeroTimeoutExpiresAfterDefaultTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	m := NewManager(cfg, nil)
	t.Cleanup(m.Close)

	if _, err := m.Acquire(context.Background(), "file:/x", "exec-1", ModeWrite, AcquireOptions{}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	_, err := m.Acquire(context.Background(), "file:/x", "exec-2", ModeWrite, AcquireOptions{})
	if err == nil {
		t.Fatal("expected timeout once the default lapses")
	}
	if !faults.IsKind(err, faults.Timeout) {
		t.Errorf("expected Timeout fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("acquire gave up before the default timeout: %v", elapsed)
	}
}

func TestWriteWriteExclusion(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Acquire(context.Background(), "file:/x", "exec-1", ModeWrite, AcquireOptions{}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err := m.Acquire(context.Background(), "file:/x", "exec-2", ModeWrite, AcquireOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected second writer to time out")
	}
}

func TestReadersShareWritersExclude(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Acquire(context.Background(), "file:/x", "r1", ModeRead, AcquireOptions{}); err != nil {
		t.Fatalf("reader 1: %v", err)
	}
	if _, err := m.Acquire(context.Background(), "file:/x", "r2", ModeRead, AcquireOptions{}); err != nil {
		t.Fatalf("reader 2 should share: %v", err)
	}

	_, err := m.Acquire(context.Background(), "file:/x", "w1", ModeWrite, AcquireOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected writer to be excluded by readers")
	}
}

func TestBlockedAcquireSucceedsAfterRelease(t *testing.T) {
	m := newTestManager(t)

	lock, err := m.Acquire(context.Background(), "file:/x", "exec-1", ModeWrite, AcquireOptions{})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var second *Lock
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = m.Acquire(context.Background(), "file:/x", "exec-2", ModeWrite, AcquireOptions{Timeout: 2 * time.Second})
	}()

	time.Sleep(50 * time.Millisecond)
	m.Release(lock.ID)
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("blocked acquire should succeed after release: %v", secondErr)
	}
	if second.HolderID != "exec-2" {
		t.Errorf("expected exec-2 to hold the lock, got %s", second.HolderID)
	}
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Acquire(context.Background(), "file:/x", "exec-1", ModeWrite, AcquireOptions{TTL: 20 * time.Millisecond}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Expiration is observed lazily on the next acquisition.
	if _, err := m.Acquire(context.Background(), "file:/x", "exec-2", ModeWrite, AcquireOptions{}); err != nil {
		t.Fatalf("expected expired lock to be reclaimed: %v", err)
	}
}

func TestDeadlockDetectionAbortsYoungestWaiter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// exec-1 holds A, exec-2 holds B.
	if _, err := m.Acquire(ctx, "res:A", "exec-1", ModeExecute, AcquireOptions{}); err != nil {
		t.Fatalf("exec-1 acquire A: %v", err)
	}
	if _, err := m.Acquire(ctx, "res:B", "exec-2", ModeExecute, AcquireOptions{}); err != nil {
		t.Fatalf("exec-2 acquire B: %v", err)
	}

	// exec-1 waits for B, then exec-2 waits for A: a cycle.
	errCh := make(chan error, 2)
	go func() {
		_, err := m.Acquire(ctx, "res:B", "exec-1", ModeExecute, AcquireOptions{Timeout: 2 * time.Second})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		_, err := m.Acquire(ctx, "res:A", "exec-2", ModeExecute, AcquireOptions{Timeout: 2 * time.Second})
		errCh <- err
	}()

	// One of the two must be aborted well before the timeouts lapse.
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected the aborted waiter to fail")
		}
		if !faults.IsKind(err, faults.Invariant) {
			t.Errorf("expected Invariant fault for deadlock abort, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("deadlock was not broken in time")
	}
}

func TestDeadlockVictimSelectionIsDeterministic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "res:A", "h1", ModeExecute, AcquireOptions{}); err != nil {
		t.Fatalf("h1 acquire A: %v", err)
	}
	if _, err := m.Acquire(ctx, "res:B", "h2", ModeExecute, AcquireOptions{}); err != nil {
		t.Fatalf("h2 acquire B: %v", err)
	}

	// Park both cycle waiters by hand with the same wait start so only
	// the tie-break decides the victim. Across repeated walks the pick
	// must never change with map iteration order.
	since := time.Now()
	wOnB := &waiter{holderID: "h1", mode: ModeExecute, since: since,
		ready: make(chan struct{}), aborted: make(chan struct{})}
	wOnA := &waiter{holderID: "h2", mode: ModeExecute, since: since,
		ready: make(chan struct{}), aborted: make(chan struct{})}

	m.mu.Lock()
	m.waiting["res:B"] = []*waiter{wOnB}
	m.waiting["res:A"] = []*waiter{wOnA}
	for i := 0; i < 20; i++ {
		victim := m.findDeadlockLocked("res:A", "h2")
		if victim == nil {
			m.mu.Unlock()
			t.Fatal("expected a deadlock victim")
		}
		// res:A sorts before res:B, so its waiter is always the victim.
		if victim != wOnA {
			m.mu.Unlock()
			t.Fatalf("victim changed across walks: got holder %s", victim.holderID)
		}
	}
	m.mu.Unlock()
}

func TestAuditTrail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAuditTrail = true
	m := NewManager(cfg, nil)
	defer m.Close()

	lock, err := m.Acquire(context.Background(), "file:/x", "exec-1", ModeWrite, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(lock.ID)

	trail := m.AuditTrail()
	if len(trail) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(trail))
	}
	if trail[0].Event != "acquired" || trail[1].Event != "released" {
		t.Errorf("unexpected audit events: %v, %v", trail[0].Event, trail[1].Event)
	}
}

func TestReleaseHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "res:A", "exec-1", ModeExecute, AcquireOptions{}); err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if _, err := m.Acquire(ctx, "res:B", "exec-1", ModeExecute, AcquireOptions{}); err != nil {
		t.Fatalf("acquire B: %v", err)
	}

	m.ReleaseHolder("exec-1")

	if held := m.Held(); len(held) != 0 {
		t.Errorf("expected no held locks after ReleaseHolder, got %d", len(held))
	}
}
