package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"blockcollab/backend/internal/metrics"
	"blockcollab/backend/internal/model"
)

type SnapshotLoader interface {
	Snapshot(ctx context.Context, docID string) ([]model.Block, error)
}

type refreshState struct {
	again bool
}

// Hub tracks the subscribers of each document on this instance and pushes
// fresh snapshots to them.
type Hub struct {
	loader  SnapshotLoader
	timeout time.Duration

	mu sync.RWMutex
	// docID -> set of connections; one user may have several
	rooms map[string]map[*Conn]struct{}

	group singleflight.Group

	refreshMu sync.Mutex
	refreshes map[string]*refreshState
	wg        sync.WaitGroup
}

func NewHub(loader SnapshotLoader) *Hub {
	return &Hub{
		loader:    loader,
		timeout:   5 * time.Second,
		rooms:     make(map[string]map[*Conn]struct{}),
		refreshes: make(map[string]*refreshState),
	}
}

// Join adds c to the document's room.
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	if _, ok := h.rooms[docID][c]; !ok {
		h.rooms[docID][c] = struct{}{}
		metrics.Subscribers.Inc()
	}
}

// Leave removes c from the document's room.
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			metrics.Subscribers.Dec()
		}
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) Subscribers(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// Load returns the document's snapshot; concurrent loads share one read.
func (h *Hub) Load(ctx context.Context, docID string) ([]model.Block, error) {
	v, err, _ := h.group.Do(docID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		return h.loader.Snapshot(lctx, docID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Block), nil
}

// Refresh schedules a snapshot push to the document's subscribers. Calls
// made while a push is running collapse into one more push after it.
func (h *Hub) Refresh(docID string) {
	if h.Subscribers(docID) == 0 {
		return
	}
	h.refreshMu.Lock()
	st := h.refreshes[docID]
	if st != nil {
		st.again = true
		h.refreshMu.Unlock()
		return
	}
	h.refreshes[docID] = &refreshState{}
	h.refreshMu.Unlock()

	h.wg.Add(1)
	go h.refreshLoop(docID)
}

func (h *Hub) refreshLoop(docID string) {
	defer h.wg.Done()
	for {
		// a load already in flight may predate the change
		h.group.Forget(docID)
		if err := h.push(context.Background(), docID); err != nil {
			log.Printf("refresh snapshot failed doc=%s err=%v", docID, err)
		}

		h.refreshMu.Lock()
		st := h.refreshes[docID]
		if st.again {
			st.again = false
			h.refreshMu.Unlock()
			continue
		}
		delete(h.refreshes, docID)
		h.refreshMu.Unlock()
		return
	}
}

func (h *Hub) push(ctx context.Context, docID string) error {
	conns := h.conns(docID)
	if len(conns) == 0 {
		return nil
	}
	blocks, err := h.Load(ctx, docID)
	if err != nil {
		return err
	}
	msg := snapshotMessage(docID, blocks)
	for _, c := range conns {
		c.SendSnapshot(msg)
	}
	return nil
}

// Broadcast enqueues msg to every subscriber of the document, dropping it
// for subscribers whose queue is full.
func (h *Hub) Broadcast(docID string, msg OutboundMessage) {
	for _, c := range h.conns(docID) {
		c.Enqueue(msg)
	}
}

// Wait blocks until scheduled refreshes have finished.
func (h *Hub) Wait() { h.wg.Wait() }
