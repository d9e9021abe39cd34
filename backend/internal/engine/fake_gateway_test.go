package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"blockcollab/backend/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeGateway is an in-memory block store acting for a single user.
type fakeGateway struct {
	mu sync.Mutex

	user string
	ttl  time.Duration
	now  func() time.Time

	doc    model.Document
	blocks map[string]*model.Block
	nextID int

	// injected failures
	updateErr map[string]error
	createErr error
	docErr    error

	updates  []model.BlockUpdate
	creates  int
	renews   int
	released []string
	deleted  []string
	docSaves []model.DocumentFields

	// when set, UpdateBlock waits on it
	gate chan struct{}
	// UpdateBlock latency
	delay   time.Duration
	waiting int

	subs []*fakeSub
}

func newFakeGateway(user string, blocks ...model.Block) *fakeGateway {
	f := &fakeGateway{
		user:      user,
		ttl:       30 * time.Second,
		now:       func() time.Time { return t0 },
		doc:       model.Document{ID: "doc1", OwnerID: user, Title: "t", Category: "go"},
		blocks:    make(map[string]*model.Block),
		updateErr: make(map[string]error),
	}
	for _, b := range blocks {
		f.blocks[b.ID] = &b
	}
	return f
}

func (f *fakeGateway) snapshot() []model.Block {
	out := make([]model.Block, 0, len(f.blocks))
	for _, b := range f.blocks {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// push sends the current block list to every open subscription.
func (f *fakeGateway) push() {
	f.mu.Lock()
	snap := f.snapshot()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.send(snap)
	}
}

func (f *fakeGateway) block(id string) model.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[id]; ok {
		return *b
	}
	return model.Block{}
}

func (f *fakeGateway) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.released...)
	sort.Strings(out)
	return out
}

func (f *fakeGateway) blockedUpdates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeGateway) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

func (f *fakeGateway) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeGateway) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc, nil
}

func (f *fakeGateway) UpdateDocument(ctx context.Context, fields model.DocumentFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docSaves = append(f.docSaves, fields)
	if f.docErr != nil {
		return f.docErr
	}
	fields.Apply(&f.doc)
	return nil
}

func (f *fakeGateway) CreateBlock(ctx context.Context, docID string, index int, kind, text string) (model.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return model.Block{}, f.createErr
	}
	f.nextID++
	b := &model.Block{ID: fmt.Sprintf("new%d", f.nextID), Index: index, Kind: kind, Text: text}
	f.blocks[b.ID] = b
	return *b, nil
}

func (f *fakeGateway) UpdateBlock(ctx context.Context, upd model.BlockUpdate) (int64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.gate != nil {
		f.mu.Lock()
		f.waiting++
		f.mu.Unlock()
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
	if err := f.updateErr[upd.BlockID]; err != nil {
		return 0, err
	}
	b, ok := f.blocks[upd.BlockID]
	if !ok {
		return 0, model.ErrNotFound
	}
	if upd.ExpectedVersion != nil && *upd.ExpectedVersion != b.Version {
		return 0, model.ErrVersionConflict
	}
	if upd.Text != nil {
		b.Text = *upd.Text
	}
	b.Version++
	return b.Version, nil
}

func (f *fakeGateway) DeleteBlock(ctx context.Context, docID, blockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blocks[blockID]; !ok {
		return model.ErrNotFound
	}
	delete(f.blocks, blockID)
	f.deleted = append(f.deleted, blockID)
	return nil
}

func (f *fakeGateway) AcquireLock(ctx context.Context, docID, blockID string) (model.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockID]
	if !ok {
		return model.Lease{}, model.ErrNotFound
	}
	now := f.now()
	if b.LockedByOther(f.user, now) {
		return model.Lease{}, model.ErrLockConflict
	}
	b.LockHolder = f.user
	b.LockExpiresAt = now.Add(f.ttl)
	return model.Lease{DocID: docID, BlockID: blockID, Holder: f.user, ExpiresAt: b.LockExpiresAt}, nil
}

func (f *fakeGateway) RenewLock(ctx context.Context, docID, blockID string) (model.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockID]
	if !ok {
		return model.Lease{}, model.ErrNotFound
	}
	f.renews++
	now := f.now()
	if !b.HeldBy(f.user, now) {
		return model.Lease{}, model.ErrLockConflict
	}
	b.LockExpiresAt = now.Add(f.ttl)
	return model.Lease{DocID: docID, BlockID: blockID, Holder: f.user, ExpiresAt: b.LockExpiresAt}, nil
}

func (f *fakeGateway) ReleaseLock(ctx context.Context, docID, blockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, blockID)
	if b, ok := f.blocks[blockID]; ok && b.LockHolder == f.user {
		b.LockHolder = ""
		b.LockExpiresAt = time.Time{}
	}
	return nil
}

func (f *fakeGateway) Subscribe(ctx context.Context, docID string) (Subscription, error) {
	s := &fakeSub{ch: make(chan []model.Block, 1)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	snap := f.snapshot()
	f.mu.Unlock()
	s.send(snap)
	return s, nil
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan []model.Block
	closed bool
}

func (s *fakeSub) send(blocks []model.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- blocks
}

func (s *fakeSub) Snapshots() <-chan []model.Block { return s.ch }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
