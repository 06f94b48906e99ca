// Package locks grants and revokes named-resource locks with timeouts
// and deadlock detection. Resource names are canonical strings such as
// task:<id>, agent:<id>, and file:<absolute-path>.
package locks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/pkg/faults"
)

// Mode is the access mode of a lock.
type Mode string

const (
	// ModeExecute is exclusive, used for task and agent reservations.
	ModeExecute Mode = "execute"
	// ModeWrite is exclusive, used for file reservations.
	ModeWrite Mode = "write"
	// ModeRead is shared with other readers, exclusive with writers.
	ModeRead Mode = "read"
)

// exclusive returns true for modes that cannot share a resource.
func (m Mode) exclusive() bool {
	return m != ModeRead
}

// Lock is a granted reservation on a named resource.
type Lock struct {
	// ID is the unique identifier for this lock.
	ID string `json:"id"`
	// Resource is the canonical resource name.
	Resource string `json:"resource"`
	// HolderID identifies the owner (typically an execution id).
	HolderID string `json:"holder_id"`
	// Mode is the access mode.
	Mode Mode `json:"mode"`
	// AcquiredAt is when the lock was granted.
	AcquiredAt time.Time `json:"acquired_at"`
	// ExpiresAt is when the lock lapses if not released.
	ExpiresAt time.Time `json:"expires_at"`
	// SessionID optionally groups locks by session.
	SessionID string `json:"session_id,omitempty"`
	// Metadata carries caller context for the audit trail.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AcquireOptions tunes a single acquisition.
type AcquireOptions struct {
	// Timeout bounds the wait. Zero uses the manager default; negative
	// fails immediately if contended.
	Timeout time.Duration
	// TTL bounds the lock lifetime once granted. Zero uses the manager default.
	TTL time.Duration
	// SessionID optionally groups locks by session.
	SessionID string
	// Metadata carries caller context for the audit trail.
	Metadata map[string]string
}

// AuditEntry records one lock lifecycle event.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Event    string    `json:"event"` // acquired | released | expired | deadlock_abort
	LockID   string    `json:"lock_id"`
	Resource string    `json:"resource"`
	HolderID string    `json:"holder_id"`
	Mode     Mode      `json:"mode"`
}

// Config tunes the lock manager.
type Config struct {
	// DefaultTimeout bounds acquisitions that pass no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration
	// DefaultTTL bounds lock lifetime when the caller passes none.
	DefaultTTL time.Duration
	// CleanupInterval is the background sweep period for expired locks.
	CleanupInterval time.Duration
	// EnableDeadlockDetection turns on wait-for cycle detection.
	EnableDeadlockDetection bool
	// EnableAuditTrail records lifecycle events.
	EnableAuditTrail bool
}

// DefaultConfig returns the default lock manager tuning.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:          30 * time.Second,
		MaxTimeout:              5 * time.Minute,
		DefaultTTL:              10 * time.Minute,
		CleanupInterval:         30 * time.Second,
		EnableDeadlockDetection: true,
		EnableAuditTrail:        false,
	}
}

// waiter is a pending acquisition parked on a resource.
type waiter struct {
	holderID string
	mode     Mode
	since    time.Time
	ready    chan struct{} // closed when the waiter should re-check
	aborted  chan struct{} // closed when deadlock detection kills the waiter
}

// Manager grants and revokes locks. All public methods are safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *logging.DebugLogger

	mu sync.Mutex
	// held maps resource name to the locks currently granted on it.
	held map[string][]*Lock
	// byID maps lock id to its lock for O(1) release.
	byID map[string]*Lock
	// waiting maps resource name to parked acquisitions, oldest first.
	waiting map[string][]*waiter
	// holderResources maps holder id to the resources it holds, for the
	// wait-for graph.
	holderResources map[string]map[string]bool
	audit           []AuditEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a lock manager and starts its cleanup sweep.
func NewManager(cfg Config, logger *logging.DebugLogger) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	m := &Manager{
		cfg:             cfg,
		logger:          logger,
		held:            make(map[string][]*Lock),
		byID:            make(map[string]*Lock),
		waiting:         make(map[string][]*waiter),
		holderResources: make(map[string]map[string]bool),
		stopCh:          make(chan struct{}),
	}

	go m.cleanupLoop()
	return m
}

// Close stops the background sweep. Held locks remain until released.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Acquire blocks until the lock is granted, the timeout lapses, the
// context is canceled, or deadlock detection aborts the caller.
// A zero timeout falls back to the manager default; a negative timeout
// fails immediately when the resource is contended.
func (m *Manager) Acquire(ctx context.Context, resource, holderID string, mode Mode, opts AcquireOptions) (*Lock, error) {
	if resource == "" || holderID == "" {
		return nil, faults.New(faults.Validation, "locks", "Acquire", "resource and holder are required")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	if m.cfg.MaxTimeout > 0 && timeout > m.cfg.MaxTimeout {
		timeout = m.cfg.MaxTimeout
	}

	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		m.expireLocked(time.Now())

		if m.grantableLocked(resource, holderID, mode) {
			lock := m.grantLocked(resource, holderID, mode, opts)
			m.mu.Unlock()
			return lock, nil
		}

		if timeout == 0 || !time.Now().Before(deadline) {
			m.mu.Unlock()
			return nil, faults.New(faults.Timeout, "locks", "Acquire",
				"lock timeout on %s", resource).
				With("resource", resource).
				With("holder", holderID)
		}

		w := &waiter{
			holderID: holderID,
			mode:     mode,
			since:    time.Now(),
			ready:    make(chan struct{}),
			aborted:  make(chan struct{}),
		}
		m.waiting[resource] = append(m.waiting[resource], w)

		if m.cfg.EnableDeadlockDetection {
			if victim := m.findDeadlockLocked(resource, holderID); victim != nil {
				m.abortWaiterLocked(victim)
			}
		}
		m.mu.Unlock()

		select {
		case <-w.ready:
			// Resource may be available; loop and re-check.
		case <-w.aborted:
			m.removeWaiter(resource, w)
			return nil, faults.New(faults.Invariant, "locks", "Acquire",
				"deadlock detected, waiter aborted").
				With("resource", resource).
				With("holder", holderID)
		case <-time.After(time.Until(deadline)):
			m.removeWaiter(resource, w)
			return nil, faults.New(faults.Timeout, "locks", "Acquire",
				"lock timeout on %s", resource).
				With("resource", resource).
				With("holder", holderID)
		case <-ctx.Done():
			m.removeWaiter(resource, w)
			return nil, faults.Wrap(ctx.Err(), faults.Canceled, "locks", "Acquire",
				"acquisition canceled")
		}
		m.removeWaiter(resource, w)
	}
}

// Release revokes a lock by id. Releasing an unknown lock is not an error.
func (m *Manager) Release(lockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.byID[lockID]
	if !ok {
		return
	}
	m.dropLocked(lock, "released")
}

// ReleaseHolder revokes every lock owned by the holder.
func (m *Manager) ReleaseHolder(holderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resources := m.holderResources[holderID]
	for resource := range resources {
		for _, lock := range append([]*Lock(nil), m.held[resource]...) {
			if lock.HolderID == holderID {
				m.dropLocked(lock, "released")
			}
		}
	}
}

// Held returns a snapshot of all currently granted locks.
func (m *Manager) Held() []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Lock
	for _, locks := range m.held {
		for _, l := range locks {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HolderOf returns the holder ids on a resource, or nil if unheld.
func (m *Manager) HolderOf(resource string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var holders []string
	for _, l := range m.held[resource] {
		holders = append(holders, l.HolderID)
	}
	return holders
}

// AuditTrail returns a copy of recorded lifecycle events.
func (m *Manager) AuditTrail() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

// grantableLocked reports whether (resource, mode) can be granted now.
func (m *Manager) grantableLocked(resource, holderID string, mode Mode) bool {
	for _, l := range m.held[resource] {
		if l.HolderID == holderID {
			// Re-entrant grant for the same holder.
			continue
		}
		if mode.exclusive() || l.Mode.exclusive() {
			return false
		}
	}
	return true
}

// grantLocked records a granted lock. Caller holds m.mu.
func (m *Manager) grantLocked(resource, holderID string, mode Mode, opts AcquireOptions) *Lock {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	now := time.Now()
	lock := &Lock{
		ID:         uuid.New().String(),
		Resource:   resource,
		HolderID:   holderID,
		Mode:       mode,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		SessionID:  opts.SessionID,
		Metadata:   opts.Metadata,
	}

	m.held[resource] = append(m.held[resource], lock)
	m.byID[lock.ID] = lock
	if m.holderResources[holderID] == nil {
		m.holderResources[holderID] = make(map[string]bool)
	}
	m.holderResources[holderID][resource] = true

	m.recordLocked("acquired", lock)
	m.logger.Log("[locks] granted %s %s to %s", mode, resource, holderID)
	return lock
}

// dropLocked removes a lock and wakes waiters. Caller holds m.mu.
func (m *Manager) dropLocked(lock *Lock, event string) {
	locks := m.held[lock.Resource]
	for i, l := range locks {
		if l.ID == lock.ID {
			m.held[lock.Resource] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(m.held[lock.Resource]) == 0 {
		delete(m.held, lock.Resource)
	}
	delete(m.byID, lock.ID)

	stillHolds := false
	for _, l := range m.held[lock.Resource] {
		if l.HolderID == lock.HolderID {
			stillHolds = true
			break
		}
	}
	if !stillHolds {
		if set := m.holderResources[lock.HolderID]; set != nil {
			delete(set, lock.Resource)
			if len(set) == 0 {
				delete(m.holderResources, lock.HolderID)
			}
		}
	}

	m.recordLocked(event, lock)
	m.logger.Log("[locks] %s %s held by %s", event, lock.Resource, lock.HolderID)

	for _, w := range m.waiting[lock.Resource] {
		select {
		case <-w.ready:
		default:
			close(w.ready)
		}
	}
}

// expireLocked drops locks whose ExpiresAt has passed. Caller holds m.mu.
func (m *Manager) expireLocked(now time.Time) {
	for _, locks := range m.held {
		for _, l := range append([]*Lock(nil), locks...) {
			if now.After(l.ExpiresAt) {
				m.dropLocked(l, "expired")
			}
		}
	}
}

// findDeadlockLocked walks the wait-for graph from the new waiter.
// Returns the youngest waiter on the cycle, or nil when none exists.
// Caller holds m.mu.
func (m *Manager) findDeadlockLocked(resource, holderID string) *waiter {
	// wait-for edges: waiter's holder -> each holder of the contended resource.
	waitsOn := make(map[string][]string)
	for res, ws := range m.waiting {
		for _, w := range ws {
			for _, l := range m.held[res] {
				if l.HolderID != w.holderID {
					waitsOn[w.holderID] = append(waitsOn[w.holderID], l.HolderID)
				}
			}
		}
	}

	// Walk from holderID looking for a path back to holderID.
	visited := make(map[string]bool)
	var onCycle bool
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == holderID && len(visited) > 0 {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range waitsOn[id] {
			if walk(next) {
				return true
			}
		}
		return false
	}
	onCycle = walk(holderID)
	if !onCycle {
		return nil
	}

	// Abort the youngest waiter among those on the cycle, ties broken by
	// resource then holder order for determinism.
	type candidate struct {
		resource string
		w        *waiter
	}
	var candidates []candidate
	for res, ws := range m.waiting {
		for _, w := range ws {
			if visited[w.holderID] {
				candidates = append(candidates, candidate{res, w})
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := candidates[i].w, candidates[j].w
		if !wi.since.Equal(wj.since) {
			return wi.since.After(wj.since)
		}
		if candidates[i].resource != candidates[j].resource {
			return candidates[i].resource < candidates[j].resource
		}
		return wi.holderID < wj.holderID
	})
	return candidates[0].w
}

// abortWaiterLocked signals a waiter to give up. Caller holds m.mu.
func (m *Manager) abortWaiterLocked(w *waiter) {
	select {
	case <-w.aborted:
	default:
		close(w.aborted)
	}
	m.logger.Log("[locks] deadlock: aborting waiter %s", w.holderID)
}

// removeWaiter clears a parked waiter after it stops waiting.
func (m *Manager) removeWaiter(resource string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.waiting[resource]
	for i, have := range ws {
		if have == w {
			m.waiting[resource] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiting[resource]) == 0 {
		delete(m.waiting, resource)
	}
}

// recordLocked appends an audit entry when the trail is enabled.
func (m *Manager) recordLocked(event string, lock *Lock) {
	if !m.cfg.EnableAuditTrail {
		return
	}
	m.audit = append(m.audit, AuditEntry{
		Time:     time.Now(),
		Event:    event,
		LockID:   lock.ID,
		Resource: lock.Resource,
		HolderID: lock.HolderID,
		Mode:     lock.Mode,
	})
}

// cleanupLoop sweeps expired locks until Close.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			m.expireLocked(now)
			m.mu.Unlock()
		}
	}
}

// TaskResource returns the canonical resource name for a task.
func TaskResource(taskID string) string { return fmt.Sprintf("task:%s", taskID) }

// AgentResource returns the canonical resource name for an agent.
func AgentResource(agentID string) string { return fmt.Sprintf("agent:%s", agentID) }

// FileResource returns the canonical resource name for a file path.
func FileResource(path string) string { return fmt.Sprintf("file:%s", path) }
