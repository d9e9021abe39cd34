package ws

import (
	"context"
	"log"
	"slices"
	"time"

	"blockcollab/backend/internal/cache"
)

// PresenceSource reports the live editors of every document.
type PresenceSource interface {
	SweepPresence(ctx context.Context) (map[string][]cache.PresenceMember, error)
}

// RunPresenceSweep periodically prunes stale editors and broadcasts the
// member list to local subscribers of each document whose list changed.
// It returns when ctx is done.
func (h *Hub) RunPresenceSweep(ctx context.Context, src PresenceSource, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	last := make(map[string][]string)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.sweepPresence(ctx, src, last)
		}
	}
}

func (h *Hub) sweepPresence(ctx context.Context, src PresenceSource, last map[string][]string) {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	rooms, err := src.SweepPresence(sctx)
	if err != nil {
		log.Printf("presence sweep failed: %v", err)
		return
	}
	for docID := range last {
		if _, ok := rooms[docID]; !ok {
			delete(last, docID)
		}
	}
	for docID, members := range rooms {
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.UserID)
		}
		slices.Sort(ids)
		if prev, ok := last[docID]; ok && slices.Equal(prev, ids) {
			continue
		}
		last[docID] = ids
		if h.Subscribers(docID) == 0 {
			continue
		}
		h.Broadcast(docID, ServerMessage{Type: "presence", DocID: docID, Members: members})
	}
}
