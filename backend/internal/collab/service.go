// Package collab is the block store service: it authorizes callers, guards
// block writes with leases and announces every change to subscribers on
// this instance and, through Kafka, on the others.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"blockcollab/backend/internal/cache"
	"blockcollab/backend/internal/metrics"
	"blockcollab/backend/internal/model"
	"blockcollab/backend/internal/store"
)

const (
	DefaultLockTTL     = 30 * time.Second
	DefaultAcquireWait = 200 * time.Millisecond
	enqueueWait        = 50 * time.Millisecond
)

type Options struct {
	LockTTL time.Duration
	// WriteSlots bounds concurrent store writes; AcquireWait is how long a
	// request waits for a slot before failing with ErrBusy.
	WriteSlots  int
	AcquireWait time.Duration
	// Origin names this instance in published events.
	Origin string
	Now    func() time.Time
}

type BlockService struct {
	store    store.BlockStore
	leases   cache.LeaseCache
	presence cache.PresenceCache

	notifier Refresher
	events   *KafkaDispatcher

	sem         *SemaphoreControl
	ttl         time.Duration
	acquireWait time.Duration
	origin      string
	now         func() time.Time
}

func NewBlockService(st store.BlockStore, leases cache.LeaseCache, presence cache.PresenceCache, opt Options) *BlockService {
	if opt.LockTTL <= 0 {
		opt.LockTTL = DefaultLockTTL
	}
	if opt.AcquireWait <= 0 {
		opt.AcquireWait = DefaultAcquireWait
	}
	if opt.Origin == "" {
		opt.Origin = uuid.NewString()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &BlockService{
		store:       st,
		leases:      leases,
		presence:    presence,
		sem:         NewSemaphoreControl(opt.WriteSlots),
		ttl:         opt.LockTTL,
		acquireWait: opt.AcquireWait,
		origin:      opt.Origin,
		now:         opt.Now,
	}
}

// SetNotifier wires the local subscriber hub. The hub loads snapshots through
// the service, hence the setter.
func (s *BlockService) SetNotifier(r Refresher) { s.notifier = r }

// SetDispatcher enables Kafka change events.
func (s *BlockService) SetDispatcher(d *KafkaDispatcher) { s.events = d }

func (s *BlockService) Origin() string         { return s.origin }
func (s *BlockService) LockTTL() time.Duration { return s.ttl }

// Authorize loads the document and checks that user may edit it.
func (s *BlockService) Authorize(ctx context.Context, user, docID string) (model.Document, error) {
	if user == "" {
		return model.Document{}, model.ErrNotAuthenticated
	}
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return model.Document{}, err
	}
	if !doc.CanAccess(user) {
		return model.Document{}, fmt.Errorf("%w: %s may not edit %s", model.ErrPermissionDenied, user, docID)
	}
	return doc, nil
}

func (s *BlockService) CreateDocument(ctx context.Context, user string, doc model.Document) (model.Document, error) {
	if user == "" {
		return model.Document{}, model.ErrNotAuthenticated
	}
	doc.Title = strings.TrimSpace(doc.Title)
	if doc.Title == "" {
		return model.Document{}, fmt.Errorf("%w: title is required", model.ErrInvalidArgument)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := s.now().UTC()
	doc.OwnerID = user
	doc.CreatedAt, doc.UpdatedAt = now, now
	if err := s.write(ctx, func(ctx context.Context) error { return s.store.CreateDocument(ctx, doc) }); err != nil {
		return model.Document{}, err
	}
	return s.store.GetDocument(ctx, doc.ID)
}

func (s *BlockService) GetDocument(ctx context.Context, user, docID string) (model.Document, error) {
	return s.Authorize(ctx, user, docID)
}

func (s *BlockService) UpdateDocument(ctx context.Context, user string, fields model.DocumentFields) (model.Document, error) {
	if _, err := s.Authorize(ctx, user, fields.DocID); err != nil {
		return model.Document{}, err
	}
	if err := fields.Validate(); err != nil {
		return model.Document{}, err
	}
	var doc model.Document
	err := s.write(ctx, func(ctx context.Context) (err error) {
		doc, err = s.store.UpdateDocument(ctx, fields, s.now().UTC())
		return err
	})
	if err != nil {
		return model.Document{}, err
	}
	s.publish(ctx, BlockEvent{EventType: EventDocumentUpdated, DocID: doc.ID, ActorID: user})
	return doc, nil
}

// SetCollaborators replaces the collaborator list. Only the owner may do it.
func (s *BlockService) SetCollaborators(ctx context.Context, user, docID string, users []string) error {
	doc, err := s.Authorize(ctx, user, docID)
	if err != nil {
		return err
	}
	if doc.OwnerID != user {
		return fmt.Errorf("%w: only the owner may change collaborators", model.ErrPermissionDenied)
	}
	return s.write(ctx, func(ctx context.Context) error { return s.store.SetCollaborators(ctx, docID, users) })
}

func (s *BlockService) ListBlocks(ctx context.Context, user, docID string) ([]model.Block, error) {
	if _, err := s.Authorize(ctx, user, docID); err != nil {
		return nil, err
	}
	return s.Snapshot(ctx, docID)
}

// Snapshot is the stored blocks merged with their live leases.
func (s *BlockService) Snapshot(ctx context.Context, docID string) ([]model.Block, error) {
	blocks, err := s.store.ListBlocks(ctx, docID)
	if err != nil {
		return nil, err
	}
	leases, err := s.leases.Leases(ctx, docID, s.now())
	if err != nil {
		return nil, fmt.Errorf("load leases %s: %w", docID, err)
	}
	for i := range blocks {
		if l, ok := leases[blocks[i].ID]; ok {
			blocks[i].LockHolder = l.Holder
			blocks[i].LockExpiresAt = l.ExpiresAt
		}
	}
	return blocks, nil
}

func (s *BlockService) CreateBlock(ctx context.Context, user, docID string, nb model.NewBlock) (b model.Block, err error) {
	defer func() { metrics.BlockWrites.WithLabelValues("create", metrics.Result(err)).Inc() }()
	if _, err = s.Authorize(ctx, user, docID); err != nil {
		return model.Block{}, err
	}
	if nb.Index < 0 {
		return model.Block{}, fmt.Errorf("%w: negative index", model.ErrInvalidArgument)
	}
	if nb.Kind == "" {
		nb.Kind = model.KindText
	}
	b = model.Block{
		ID:             uuid.NewString(),
		Index:          nb.Index,
		Kind:           nb.Kind,
		Text:           nb.Text,
		LastModifiedBy: user,
		LastModifiedAt: s.now().UTC(),
	}
	if err = s.write(ctx, func(ctx context.Context) error { return s.store.InsertBlock(ctx, docID, b) }); err != nil {
		return model.Block{}, err
	}
	s.publish(ctx, BlockEvent{EventType: EventBlockCreated, DocID: docID, BlockID: b.ID, ActorID: user})
	return b, nil
}

// UpdateBlock applies a conditional write. Holding the lock is not required,
// but a live lock of another user refuses the write.
func (s *BlockService) UpdateBlock(ctx context.Context, user string, upd model.BlockUpdate) (b model.Block, err error) {
	defer func() { metrics.BlockWrites.WithLabelValues("update", metrics.Result(err)).Inc() }()
	if _, err = s.Authorize(ctx, user, upd.DocID); err != nil {
		return model.Block{}, err
	}
	if upd.Index != nil && *upd.Index < 0 {
		return model.Block{}, fmt.Errorf("%w: negative index", model.ErrInvalidArgument)
	}
	if err = s.checkLock(ctx, user, upd.DocID, upd.BlockID); err != nil {
		return model.Block{}, err
	}
	err = s.write(ctx, func(ctx context.Context) (err error) {
		b, err = s.store.UpdateBlock(ctx, upd, user, s.now().UTC())
		return err
	})
	if err != nil {
		return model.Block{}, err
	}
	s.publish(ctx, BlockEvent{EventType: EventBlockUpdated, DocID: upd.DocID, BlockID: b.ID, ActorID: user, Version: b.Version})
	return b, nil
}

// DeleteBlock removes a block unless another user holds a live lock on it.
func (s *BlockService) DeleteBlock(ctx context.Context, user, docID, blockID string) (err error) {
	defer func() { metrics.BlockWrites.WithLabelValues("delete", metrics.Result(err)).Inc() }()
	if _, err = s.Authorize(ctx, user, docID); err != nil {
		return err
	}
	if err = s.checkLock(ctx, user, docID, blockID); err != nil {
		return err
	}
	if err = s.write(ctx, func(ctx context.Context) error { return s.store.DeleteBlock(ctx, docID, blockID) }); err != nil {
		return err
	}
	if err := s.leases.Drop(ctx, docID, blockID); err != nil {
		log.Printf("drop lease of deleted block doc=%s block=%s err=%v", docID, blockID, err)
	}
	s.publish(ctx, BlockEvent{EventType: EventBlockDeleted, DocID: docID, BlockID: blockID, ActorID: user})
	return nil
}

func (s *BlockService) checkLock(ctx context.Context, user, docID, blockID string) error {
	l, held, err := s.leases.Get(ctx, docID, blockID, s.now())
	if err != nil {
		return fmt.Errorf("load lease %s/%s: %w", docID, blockID, err)
	}
	if held && l.Holder != user {
		return fmt.Errorf("%w: block %s is locked by %s", model.ErrLockConflict, blockID, l.Holder)
	}
	return nil
}

// AcquireLock grants user the block's lock for the lock TTL when it is free,
// expired or already theirs.
func (s *BlockService) AcquireLock(ctx context.Context, user, docID, blockID string) (l model.Lease, err error) {
	defer func() { metrics.LeaseOps.WithLabelValues("acquire", metrics.Result(err)).Inc() }()
	if _, err = s.Authorize(ctx, user, docID); err != nil {
		return model.Lease{}, err
	}
	if _, err = s.store.GetBlock(ctx, docID, blockID); err != nil {
		return model.Lease{}, err
	}
	l, err = s.leases.Acquire(ctx, docID, blockID, user, s.now(), s.ttl)
	if err != nil {
		return l, err
	}
	s.publish(ctx, BlockEvent{EventType: EventLockChanged, DocID: docID, BlockID: blockID, ActorID: user})
	return l, nil
}

// RenewLock extends a lock user already holds.
func (s *BlockService) RenewLock(ctx context.Context, user, docID, blockID string) (l model.Lease, err error) {
	defer func() { metrics.LeaseOps.WithLabelValues("renew", metrics.Result(err)).Inc() }()
	if _, err = s.Authorize(ctx, user, docID); err != nil {
		return model.Lease{}, err
	}
	l, err = s.leases.Renew(ctx, docID, blockID, user, s.now(), s.ttl)
	if err != nil {
		return l, err
	}
	s.publish(ctx, BlockEvent{EventType: EventLockChanged, DocID: docID, BlockID: blockID, ActorID: user})
	return l, nil
}

// ReleaseLock drops user's lock. Releasing a lock user does not hold is not
// an error.
func (s *BlockService) ReleaseLock(ctx context.Context, user, docID, blockID string) (err error) {
	defer func() { metrics.LeaseOps.WithLabelValues("release", metrics.Result(err)).Inc() }()
	if _, err = s.Authorize(ctx, user, docID); err != nil {
		return err
	}
	released, err := s.leases.Release(ctx, docID, blockID, user)
	if err != nil {
		return err
	}
	if released {
		s.publish(ctx, BlockEvent{EventType: EventLockChanged, DocID: docID, BlockID: blockID, ActorID: user})
	}
	return nil
}

// Editors lists the users that have the document open.
func (s *BlockService) Editors(ctx context.Context, user, docID string) ([]cache.PresenceMember, error) {
	if _, err := s.Authorize(ctx, user, docID); err != nil {
		return nil, err
	}
	if s.presence == nil {
		return nil, nil
	}
	return s.presence.GetAliveMembersWithNames(ctx, docID)
}

// Touch refreshes user's presence on the document.
func (s *BlockService) Touch(ctx context.Context, docID, user, username string) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.AddMember(ctx, docID, user, username, 2*s.ttl)
}

// Leave removes user's presence.
func (s *BlockService) Leave(ctx context.Context, docID, user string) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.RemoveMember(ctx, docID, user)
}

// SweepPresence prunes expired editors on every document with presence
// entries and returns who is still there.
func (s *BlockService) SweepPresence(ctx context.Context) (map[string][]cache.PresenceMember, error) {
	if s.presence == nil {
		return nil, nil
	}
	docs, err := s.presence.GetDocuments(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]cache.PresenceMember, len(docs))
	for _, docID := range docs {
		members, err := s.presence.GetAliveMembersWithNames(ctx, docID)
		if err != nil {
			log.Printf("sweep presence failed doc=%s err=%v", docID, err)
			continue
		}
		out[docID] = members
	}
	return out, nil
}

// write runs fn holding a write slot.
func (s *BlockService) write(ctx context.Context, fn func(ctx context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, s.acquireWait)
	err := s.sem.Acquire(wctx)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = s.sem.Release() }()
	return fn(ctx)
}

func (s *BlockService) publish(ctx context.Context, evt BlockEvent) {
	if s.notifier != nil {
		s.notifier.Refresh(evt.DocID)
	}
	if s.events == nil {
		return
	}
	evt.EventID = uuid.NewString()
	evt.Origin = s.origin
	evt.At = s.now().UTC()

	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueWait)
	defer cancel()
	if err := s.events.Enqueue(ectx, evt); err != nil {
		if !errors.Is(err, ErrDispatcherClosed) {
			metrics.Events.WithLabelValues("dropped").Inc()
		}
		log.Printf("drop block event doc=%s type=%s err=%v", evt.DocID, evt.EventType, err)
	}
}
