package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"blockcollab/backend/internal/metrics"
	"blockcollab/backend/internal/model"
)

// LockStatus is the client-observed projection of a block's lock.
type LockStatus int

const (
	Unlocked LockStatus = iota
	HeldByMe
	HeldByOther
)

func (s LockStatus) String() string {
	switch s {
	case HeldByMe:
		return "held-by-me"
	case HeldByOther:
		return "held-by-other"
	default:
		return "unlocked"
	}
}

// LeaseManager tracks the leases the local user was granted on one document
// and turns lock intents into gateway calls.
type LeaseManager struct {
	gw      Gateway
	docID   string
	userID  string
	timeout time.Duration

	mu      sync.Mutex
	granted map[string]model.Lease
	// blocks given back locally, with the expiry of the lease that was
	// released; zero until a snapshot or grant tells us which lease it was
	released map[string]time.Time

	// fire-and-forget releases still in flight
	inflight sync.WaitGroup
}

func NewLeaseManager(gw Gateway, docID, userID string, timeout time.Duration) *LeaseManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LeaseManager{
		gw:       gw,
		docID:    docID,
		userID:   userID,
		timeout:  timeout,
		granted:  make(map[string]model.Lease),
		released: make(map[string]time.Time),
	}
}

// Acquire asks the store for the block's lock. A rejection because another
// user holds a live lease comes back as model.ErrLockConflict.
func (m *LeaseManager) Acquire(ctx context.Context, blockID string) (model.Lease, error) {
	if m.userID == "" {
		return model.Lease{}, model.ErrNotAuthenticated
	}
	lease, err := m.gw.AcquireLock(ctx, m.docID, blockID)
	metrics.GatewayCalls.WithLabelValues("acquire", metrics.Result(err)).Inc()
	if err != nil {
		return model.Lease{}, err
	}
	m.grant(blockID, lease)
	return lease, nil
}

// Renew extends a lease the local user already holds. Losing the race with
// expiry or another holder is not fatal: the grant is dropped and the error
// returned for logging.
func (m *LeaseManager) Renew(ctx context.Context, blockID string) error {
	if m.userID == "" {
		return model.ErrNotAuthenticated
	}
	lease, err := m.gw.RenewLock(ctx, m.docID, blockID)
	metrics.GatewayCalls.WithLabelValues("renew", metrics.Result(err)).Inc()
	if err != nil {
		if errors.Is(err, model.ErrLockConflict) || errors.Is(err, model.ErrNotFound) {
			m.drop(blockID)
		}
		return err
	}
	m.grant(blockID, lease)
	return nil
}

// Release forgets the local grant and sends a release intent without waiting
// for it. The call runs on its own bounded context so it outlives the caller.
func (m *LeaseManager) Release(blockID string) {
	m.mu.Lock()
	var until time.Time
	if l, ok := m.granted[blockID]; ok {
		until = l.ExpiresAt
	}
	delete(m.granted, blockID)
	m.released[blockID] = until
	m.mu.Unlock()
	if m.userID == "" {
		return
	}
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		err := m.gw.ReleaseLock(ctx, m.docID, blockID)
		metrics.GatewayCalls.WithLabelValues("release", metrics.Result(err)).Inc()
		if err != nil {
			log.Printf("release lock failed doc=%s block=%s err=%v", m.docID, blockID, err)
		}
	}()
}

// ReleaseAll releases every lease the local user holds, either according to
// the snapshot or to a grant not yet reflected in one. Returns how many
// releases were sent.
func (m *LeaseManager) ReleaseAll(blocks []model.Block, now time.Time) int {
	ids := make(map[string]struct{})
	for _, b := range blocks {
		if m.Status(b, now) == HeldByMe {
			ids[b.ID] = struct{}{}
		}
	}
	m.mu.Lock()
	for id, l := range m.granted {
		if l.Active(now) {
			ids[id] = struct{}{}
		}
	}
	m.mu.Unlock()

	for id := range ids {
		m.Release(id)
	}
	return len(ids)
}

// Status projects the lock state of b for the local user.
func (m *LeaseManager) Status(b model.Block, now time.Time) LockStatus {
	s, _ := m.Project(b, now)
	return s
}

// Project returns the lock status and the time left on the lease that
// determines it. A live holder in the snapshot always wins; a local grant only
// counts while the snapshot shows no live holder. A lease the local user has
// given back projects as unlocked even while the snapshot still shows it.
func (m *LeaseManager) Project(b model.Block, now time.Time) (LockStatus, time.Duration) {
	if b.LockedByOther(m.userID, now) {
		return HeldByOther, b.LockRemaining(now)
	}
	m.mu.Lock()
	l, ok := m.granted[b.ID]
	gone := m.isReleased(b)
	m.mu.Unlock()
	if b.HeldBy(m.userID, now) && !gone {
		return HeldByMe, b.LockRemaining(now)
	}
	if ok && l.Active(now) {
		return HeldByMe, l.ExpiresAt.Sub(now)
	}
	return Unlocked, 0
}

// isReleased reports whether the snapshot's lease on b is one the local user
// already gave back. Callers hold m.mu.
func (m *LeaseManager) isReleased(b model.Block) bool {
	until, ok := m.released[b.ID]
	if !ok || b.LockHolder != m.userID {
		return false
	}
	return until.IsZero() || !b.LockExpiresAt.After(until)
}

// Observe drops local grants contradicted by a snapshot: the block is gone or
// someone else now holds it. Released marks end once the snapshot no longer
// shows the released lease.
func (m *LeaseManager) Observe(blocks []model.Block, now time.Time) {
	byID := make(map[string]model.Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, until := range m.released {
		b, ok := byID[id]
		switch {
		case !ok || !b.HeldBy(m.userID, now):
			delete(m.released, id)
		case until.IsZero():
			m.released[id] = b.LockExpiresAt
		case b.LockExpiresAt.After(until):
			// a newer lease, taken from another session
			delete(m.released, id)
		}
	}
	for id, l := range m.granted {
		b, ok := byID[id]
		if !ok || b.LockedByOther(m.userID, now) || !l.Active(now) {
			delete(m.granted, id)
			continue
		}
		// snapshot carries a newer expiry than our grant
		if b.HeldBy(m.userID, now) && b.LockExpiresAt.After(l.ExpiresAt) {
			l.ExpiresAt = b.LockExpiresAt
			m.granted[id] = l
		}
	}
}

// HeldIDs lists blocks with an active local grant, sorted.
func (m *LeaseManager) HeldIDs(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.granted))
	for id, l := range m.granted {
		if l.Active(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *LeaseManager) grant(blockID string, l model.Lease) {
	if l.Holder == "" {
		l.Holder = m.userID
	}
	l.DocID, l.BlockID = m.docID, blockID
	m.mu.Lock()
	m.granted[blockID] = l
	delete(m.released, blockID)
	m.mu.Unlock()
}

func (m *LeaseManager) drop(blockID string) {
	m.mu.Lock()
	delete(m.granted, blockID)
	m.mu.Unlock()
}

// wait blocks until fire-and-forget releases have returned.
func (m *LeaseManager) wait() { m.inflight.Wait() }
