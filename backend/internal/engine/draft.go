package engine

import (
	"sort"
	"sync"
)

// Dirty is a draft whose text differs from the committed text at collection time.
type Dirty struct {
	BlockID string
	Text    string
}

// DraftBuffer holds uncommitted per-block text. Snapshots never touch it.
type DraftBuffer struct {
	mu     sync.RWMutex
	drafts map[string]string
}

func NewDraftBuffer() *DraftBuffer {
	return &DraftBuffer{drafts: make(map[string]string)}
}

func (d *DraftBuffer) Set(blockID, text string) {
	d.mu.Lock()
	d.drafts[blockID] = text
	d.mu.Unlock()
}

func (d *DraftBuffer) Get(blockID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.drafts[blockID]
	return t, ok
}

func (d *DraftBuffer) Clear(blockID string) {
	d.mu.Lock()
	delete(d.drafts, blockID)
	d.mu.Unlock()
}

// ClearIf removes the draft only if it still equals text, so an edit made
// while a commit was in flight survives.
func (d *DraftBuffer) ClearIf(blockID, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.drafts[blockID]; ok && cur == text {
		delete(d.drafts, blockID)
		return true
	}
	return false
}

func (d *DraftBuffer) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.drafts)
}

// CollectDirty compares every draft with the committed text as it is now.
// Drafts for blocks the lookup does not know are skipped and kept.
func (d *DraftBuffer) CollectDirty(committed func(blockID string) (string, bool)) []Dirty {
	d.mu.RLock()
	out := make([]Dirty, 0, len(d.drafts))
	for id, text := range d.drafts {
		out = append(out, Dirty{BlockID: id, Text: text})
	}
	d.mu.RUnlock()

	dirty := out[:0]
	for _, e := range out {
		cur, ok := committed(e.BlockID)
		if !ok || cur == e.Text {
			continue
		}
		dirty = append(dirty, e)
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].BlockID < dirty[j].BlockID })
	return dirty
}
