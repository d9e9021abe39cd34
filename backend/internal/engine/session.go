package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"blockcollab/backend/internal/metrics"
	"blockcollab/backend/internal/model"
)

// ErrSessionClosed is returned by intents issued after Close.
var ErrSessionClosed = errors.New("session closed")

type Config struct {
	DocID  string
	UserID string

	ClockInterval time.Duration // default 1s
	CallTimeout   time.Duration // default 30s
	RenewEvery    time.Duration // default 10s; minimum gap between renewals triggered by edits
	MaxInFlight   int           // default 8; concurrent updates in one commit

	Highlights *HighlightCache
	Guard      *BootstrapGuard
	Now        func() time.Time
}

func (c *Config) setDefaults() {
	if c.ClockInterval <= 0 {
		c.ClockInterval = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = 10 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type EventKind int

const (
	EventLockGranted EventKind = iota
	EventLockRejected
	EventRenewFailed
	EventBootstrapFailed
	EventCommitted
	EventSubscriptionLost
)

func (k EventKind) String() string {
	switch k {
	case EventLockGranted:
		return "lock-granted"
	case EventLockRejected:
		return "lock-rejected"
	case EventRenewFailed:
		return "renew-failed"
	case EventBootstrapFailed:
		return "bootstrap-failed"
	case EventCommitted:
		return "committed"
	case EventSubscriptionLost:
		return "subscription-lost"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports the outcome of an asynchronous intent.
type Event struct {
	Kind    EventKind
	BlockID string
	Lease   model.Lease
	Report  *Report
	Err     error
}

// Session is one user's editing session on one document. The View is the
// only state callers read; everything else goes through intents.
type Session struct {
	cfg Config
	gw  Gateway

	docMu sync.RWMutex
	doc   model.Document

	drafts *DraftBuffer
	leases *LeaseManager
	rec    *Reconciler
	commit *CommitCoordinator
	clock  *LeaseClock
	hl     *HighlightCache
	sub    Subscription

	ctx    context.Context
	cancel context.CancelFunc

	views  chan View
	events chan Event
	done   chan struct{}
	loop   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	renewMu   sync.Mutex
	lastRenew map[string]time.Time
}

// Open loads the document, subscribes to its blocks and starts the lease clock.
func Open(ctx context.Context, gw Gateway, cfg Config) (*Session, error) {
	cfg.setDefaults()
	if cfg.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if cfg.DocID == "" {
		return nil, fmt.Errorf("%w: document id is required", model.ErrInvalidArgument)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	doc, err := gw.GetDocument(callCtx, cfg.DocID)
	cancel()
	metrics.GatewayCalls.WithLabelValues("get_document", metrics.Result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("open doc %s: %w", cfg.DocID, err)
	}

	s := &Session{
		cfg:       cfg,
		gw:        gw,
		doc:       doc,
		drafts:    NewDraftBuffer(),
		views:     make(chan View, 1),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		loop:      make(chan struct{}),
		lastRenew: make(map[string]time.Time),
	}
	s.leases = NewLeaseManager(gw, cfg.DocID, cfg.UserID, cfg.CallTimeout)
	s.rec = NewReconciler(cfg.DocID, gw, s.drafts, s.leases, cfg.Guard)
	s.commit = NewCommitCoordinator(gw, cfg.DocID, s.drafts, s.rec, s.leases, cfg.MaxInFlight, cfg.CallTimeout, cfg.Now)
	s.hl = cfg.Highlights
	if s.hl == nil {
		if s.hl, err = NewHighlightCache(16); err != nil {
			return nil, err
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	sub, err := gw.Subscribe(s.ctx, cfg.DocID)
	metrics.GatewayCalls.WithLabelValues("subscribe", metrics.Result(err)).Inc()
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("subscribe doc %s: %w", cfg.DocID, err)
	}
	s.sub = sub

	go s.run()
	s.clock = NewLeaseClock(cfg.ClockInterval, func(time.Time) { s.publish() })
	s.clock.Start()
	return s, nil
}

func (s *Session) run() {
	defer close(s.loop)
	snapshots := s.sub.Snapshots()
	for {
		select {
		case <-s.ctx.Done():
			return
		case blocks, ok := <-snapshots:
			if !ok {
				if !s.closed.Load() {
					s.emit(Event{Kind: EventSubscriptionLost, Err: model.ErrUnavailable})
				}
				return
			}
			s.handleSnapshot(blocks)
		}
	}
}

func (s *Session) handleSnapshot(blocks []model.Block) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("snapshot handling panic doc=%s: %v", s.cfg.DocID, r)
		}
	}()
	if s.rec.Apply(blocks, s.cfg.Now()) {
		s.bootstrap()
	}
	s.publish()
}

func (s *Session) bootstrap() {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
		defer cancel()
		created, err := s.rec.Bootstrap(ctx, s.Document().Content)
		if err != nil {
			log.Printf("bootstrap failed doc=%s err=%v", s.cfg.DocID, err)
			s.emit(Event{Kind: EventBootstrapFailed, Err: err})
			return
		}
		if created {
			log.Printf("bootstrap block created doc=%s", s.cfg.DocID)
		}
	}()
}

// publish replaces any unread view with the current one.
func (s *Session) publish() {
	if s.closed.Load() {
		return
	}
	v := s.rec.View(s.cfg.Now())
	for {
		select {
		case s.views <- v:
			return
		default:
		}
		select {
		case <-s.views:
		default:
		}
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		log.Printf("session event dropped doc=%s kind=%s block=%s", s.cfg.DocID, e.Kind, e.BlockID)
	}
}

// Views delivers the latest view after every snapshot, intent and clock tick.
// Only the newest unread view is kept.
func (s *Session) Views() <-chan View { return s.views }

// Events delivers outcomes of asynchronous intents. Full buffers drop events.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once Close has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Document() model.Document {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	return s.doc
}

func (s *Session) View() View { return s.rec.View(s.cfg.Now()) }

// Acquire sends a lock intent. The outcome arrives as an event and in the
// next view.
func (s *Session) Acquire(blockID string) {
	if s.closed.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		lease, err := s.leases.Acquire(ctx, blockID)
		if s.closed.Load() {
			// session ended while waiting; give the lock back
			if err == nil {
				s.leases.Release(blockID)
			}
			return
		}
		if err != nil {
			log.Printf("acquire lock rejected doc=%s block=%s err=%v", s.cfg.DocID, blockID, err)
			s.emit(Event{Kind: EventLockRejected, BlockID: blockID, Err: err})
			return
		}
		s.markRenewed(blockID)
		s.emit(Event{Kind: EventLockGranted, BlockID: blockID, Lease: lease})
		s.publish()
	}()
}

// Release gives a lock back without waiting for the store.
func (s *Session) Release(blockID string) {
	s.leases.Release(blockID)
	s.publish()
}

// SetDraft records pending text for a block. When the local user holds the
// block's lock the lease is renewed, at most once per RenewEvery.
func (s *Session) SetDraft(blockID, text string) {
	if s.closed.Load() {
		return
	}
	s.drafts.Set(blockID, text)
	if b, ok := s.rec.Committed(blockID); ok && s.leases.Status(b, s.cfg.Now()) == HeldByMe && s.renewDue(blockID) {
		go s.renew(blockID)
	}
	s.publish()
}

func (s *Session) DiscardDraft(blockID string) {
	s.drafts.Clear(blockID)
	s.publish()
}

func (s *Session) renewDue(blockID string) bool {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()
	now := s.cfg.Now()
	if last, ok := s.lastRenew[blockID]; ok && now.Sub(last) < s.cfg.RenewEvery {
		return false
	}
	s.lastRenew[blockID] = now
	return true
}

func (s *Session) markRenewed(blockID string) {
	s.renewMu.Lock()
	s.lastRenew[blockID] = s.cfg.Now()
	s.renewMu.Unlock()
}

func (s *Session) renew(blockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	if err := s.leases.Renew(ctx, blockID); err != nil {
		log.Printf("renew lock failed doc=%s block=%s err=%v", s.cfg.DocID, blockID, err)
		if !s.closed.Load() {
			s.emit(Event{Kind: EventRenewFailed, BlockID: blockID, Err: err})
			s.publish()
		}
	}
}

// AddAfter creates an empty text block right after blockID, or at the end
// when blockID is empty. The block shows up with the next snapshot.
func (s *Session) AddAfter(ctx context.Context, blockID string) (model.Block, error) {
	if s.closed.Load() {
		return model.Block{}, ErrSessionClosed
	}
	index := 0
	if blockID != "" {
		b, ok := s.rec.Committed(blockID)
		if !ok {
			return model.Block{}, fmt.Errorf("block %s: %w", blockID, model.ErrNotFound)
		}
		index = b.Index + 1
	} else if blocks := s.rec.Blocks(); len(blocks) > 0 {
		index = blocks[len(blocks)-1].Index + 1
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	b, err := s.gw.CreateBlock(ctx, s.cfg.DocID, index, model.KindText, "")
	metrics.GatewayCalls.WithLabelValues("create", metrics.Result(err)).Inc()
	return b, err
}

// Delete removes a block. A block another user holds a live lock on cannot
// be deleted.
func (s *Session) Delete(ctx context.Context, blockID string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	b, ok := s.rec.Committed(blockID)
	if !ok {
		return fmt.Errorf("block %s: %w", blockID, model.ErrNotFound)
	}
	if s.leases.Status(b, s.cfg.Now()) == HeldByOther {
		return fmt.Errorf("block %s held by %s: %w", blockID, b.LockHolder, model.ErrLockConflict)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	err := s.gw.DeleteBlock(ctx, s.cfg.DocID, blockID)
	metrics.GatewayCalls.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	s.drafts.Clear(blockID)
	s.leases.drop(blockID)
	s.publish()
	return nil
}

// CommitAll is the save action: document fields, dirty drafts, then lock release.
func (s *Session) CommitAll(ctx context.Context, fields *model.DocumentFields) (Report, error) {
	if s.closed.Load() {
		return Report{}, ErrSessionClosed
	}
	rep, err := s.commit.CommitAll(ctx, fields)
	if err != nil {
		return rep, err
	}
	s.docMu.Lock()
	if fields != nil && rep.DocumentErr == nil {
		fields.Apply(&s.doc)
	}
	owner := s.doc.OwnerID
	s.docMu.Unlock()
	s.hl.Invalidate(s.cfg.DocID, owner)
	log.Printf("commit doc=%s total=%d ok=%d failed=%d released=%d", s.cfg.DocID, rep.Total, rep.Succeeded, rep.Failed, rep.Released)
	s.emit(Event{Kind: EventCommitted, Report: &rep})
	s.publish()
	return rep, nil
}

// Highlights returns the [[...]] spans of the committed document.
func (s *Session) Highlights() []Highlight {
	return s.hl.Get(s.cfg.DocID, s.Document().OwnerID, s.rec.Blocks())
}

// Close stops the clock, tears down the subscription and sends best-effort
// releases for every live lock the local user holds. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.clock.Stop()
		s.cancel()
		err = s.sub.Close()
		<-s.loop
		n := s.leases.ReleaseAll(s.rec.Blocks(), s.cfg.Now())
		log.Printf("session closed doc=%s released=%d", s.cfg.DocID, n)
		close(s.done)
	})
	return err
}
