package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"blockcollab/backend/internal/metrics"
	"blockcollab/backend/internal/model"
)

// BlockView is one rendered block: committed state plus the local draft and
// the projected lock status.
type BlockView struct {
	model.Block
	DisplayText string
	HasDraft    bool
	Status      LockStatus
	Remaining   time.Duration
}

// LockLabel is the short lock caption shown next to a block.
func (v BlockView) LockLabel() string {
	secs := int((v.Remaining + time.Second - 1) / time.Second)
	switch v.Status {
	case HeldByMe:
		return fmt.Sprintf("editing (%ds left)", secs)
	case HeldByOther:
		return fmt.Sprintf("locked by %s (%ds left)", v.LockHolder, secs)
	default:
		return "unlocked"
	}
}

// View is the ordered, read-only document view.
type View struct {
	DocID         string
	Blocks        []BlockView
	Bootstrapping bool
	At            time.Time
}

// Block finds a block by id.
func (v View) Block(id string) (BlockView, bool) {
	for _, b := range v.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return BlockView{}, false
}

// BootstrapGuard allows one in-flight empty-document bootstrap per document.
// It is process scoped and may be shared by sessions on the same document.
type BootstrapGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewBootstrapGuard() *BootstrapGuard {
	return &BootstrapGuard{inflight: make(map[string]struct{})}
}

func (g *BootstrapGuard) tryEnter(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inflight[docID]; ok {
		return false
	}
	g.inflight[docID] = struct{}{}
	return true
}

func (g *BootstrapGuard) leave(docID string) {
	g.mu.Lock()
	delete(g.inflight, docID)
	g.mu.Unlock()
}

// Pending reports whether a bootstrap for docID is waiting for its snapshot.
func (g *BootstrapGuard) Pending(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[docID]
	return ok
}

// Reconciler merges remote snapshots with local drafts and leases.
type Reconciler struct {
	docID  string
	drafts *DraftBuffer
	leases *LeaseManager
	gw     Gateway
	guard  *BootstrapGuard

	mu     sync.RWMutex
	blocks []model.Block
	seen   bool
}

func NewReconciler(docID string, gw Gateway, drafts *DraftBuffer, leases *LeaseManager, guard *BootstrapGuard) *Reconciler {
	if guard == nil {
		guard = NewBootstrapGuard()
	}
	return &Reconciler{docID: docID, gw: gw, drafts: drafts, leases: leases, guard: guard}
}

// Apply installs a snapshot. Entries without an id or repeating an id are
// skipped. Blocks are sorted by index, ties keep arrival order. Returns true
// when the document has no blocks and needs a bootstrap.
func (r *Reconciler) Apply(raw []model.Block, now time.Time) bool {
	next := make([]model.Block, 0, len(raw))
	ids := make(map[string]struct{}, len(raw))
	for _, b := range raw {
		if b.ID == "" {
			log.Printf("reconcile: skip block without id doc=%s index=%d", r.docID, b.Index)
			continue
		}
		if _, dup := ids[b.ID]; dup {
			log.Printf("reconcile: skip duplicate block doc=%s block=%s", r.docID, b.ID)
			continue
		}
		ids[b.ID] = struct{}{}
		if b.Kind == "" {
			b.Kind = model.KindText
		}
		next = append(next, b)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Index < next[j].Index })

	r.mu.Lock()
	prev := make(map[string]model.Block, len(r.blocks))
	for _, b := range r.blocks {
		prev[b.ID] = b
	}
	for i, b := range next {
		// a snapshot older than a write we already saw confirmed keeps our text
		if p, ok := prev[b.ID]; ok && p.Version > b.Version {
			next[i].Text = p.Text
			next[i].Version = p.Version
			next[i].LastModifiedBy = p.LastModifiedBy
			next[i].LastModifiedAt = p.LastModifiedAt
		}
	}
	r.blocks = next
	r.seen = true
	r.mu.Unlock()

	if r.leases != nil {
		r.leases.Observe(next, now)
	}
	if len(next) > 0 {
		r.guard.leave(r.docID)
		return false
	}
	return true
}

// Bootstrap creates the single first block of an empty document, seeded with
// legacy content. It returns false without calling the gateway when a
// bootstrap is already waiting for its snapshot or blocks already exist. The
// created block is not rendered until a snapshot carries it.
func (r *Reconciler) Bootstrap(ctx context.Context, legacy string) (bool, error) {
	r.mu.RLock()
	n := len(r.blocks)
	r.mu.RUnlock()
	if n > 0 {
		return false, nil
	}
	if !r.guard.tryEnter(r.docID) {
		return false, nil
	}
	_, err := r.gw.CreateBlock(ctx, r.docID, 0, model.KindText, legacy)
	metrics.GatewayCalls.WithLabelValues("create", metrics.Result(err)).Inc()
	if err != nil {
		r.guard.leave(r.docID)
		return false, fmt.Errorf("bootstrap doc %s: %w", r.docID, err)
	}
	return true, nil
}

// View renders the current snapshot at now.
func (r *Reconciler) View(now time.Time) View {
	r.mu.RLock()
	blocks := make([]model.Block, len(r.blocks))
	copy(blocks, r.blocks)
	seen := r.seen
	r.mu.RUnlock()

	v := View{
		DocID:         r.docID,
		Blocks:        make([]BlockView, 0, len(blocks)),
		Bootstrapping: seen && len(blocks) == 0,
		At:            now,
	}
	for _, b := range blocks {
		bv := BlockView{Block: b, DisplayText: b.Text}
		if d, ok := r.drafts.Get(b.ID); ok {
			bv.DisplayText = d
			bv.HasDraft = true
		}
		if r.leases != nil {
			bv.Status, bv.Remaining = r.leases.Project(b, now)
		}
		v.Blocks = append(v.Blocks, bv)
	}
	return v
}

// Blocks returns a copy of the committed, sorted block list.
func (r *Reconciler) Blocks() []model.Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Block, len(r.blocks))
	copy(out, r.blocks)
	return out
}

func (r *Reconciler) Committed(blockID string) (model.Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.blocks {
		if b.ID == blockID {
			return b, true
		}
	}
	return model.Block{}, false
}

// CommittedText is the lookup handed to DraftBuffer.CollectDirty.
func (r *Reconciler) CommittedText(blockID string) (string, bool) {
	b, ok := r.Committed(blockID)
	return b.Text, ok
}

// MarkCommitted records a write the store confirmed before the snapshot
// showing it arrives. Versions never go backwards.
func (r *Reconciler) MarkCommitted(blockID, text string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.blocks {
		if r.blocks[i].ID != blockID {
			continue
		}
		if version > r.blocks[i].Version {
			r.blocks[i].Text = text
			r.blocks[i].Version = version
		}
		return
	}
}
