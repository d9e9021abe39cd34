package ws

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"blockcollab/backend/internal/cache"
	"blockcollab/backend/internal/model"
)

// Service is the part of the block service a subscription needs.
type Service interface {
	SnapshotLoader
	Authorize(ctx context.Context, user, docID string) (model.Document, error)
	Editors(ctx context.Context, user, docID string) ([]cache.PresenceMember, error)
	Touch(ctx context.Context, docID, user, username string) error
	Leave(ctx context.Context, docID, user string) error
}

// DefaultOrigins allow local development front ends.
var DefaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// originChecker accepts requests without an Origin (non-browser clients, or
// "null") and browsers whose origin starts with an allowed prefix.
func originChecker(prefixes []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range prefixes {
			if p == "*" || (p != "" && strings.HasPrefix(origin, p)) {
				return true
			}
		}
		return false
	}
}

type Manager struct {
	h        *Hub
	svc      Service
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, svc Service, allowedOrigins []string) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultOrigins
	}
	return &Manager{
		h:        h,
		svc:      svc,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
	}
}

// Serve checks access, upgrades the request and streams snapshots of docID
// until the connection closes. An error is returned only when the request
// was refused before upgrading, so the caller can still answer over HTTP.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, docID, userID, username string) error {
	if _, err := m.svc.Authorize(r.Context(), userID, docID); err != nil {
		return err
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		log.Printf("websocket upgrade error: %v (origin=%s)", err, r.Header.Get("Origin"))
		return nil
	}
	ctx := context.WithoutCancel(r.Context())

	c := NewConn(conn, m.h, m.svc, docID, userID, username)
	m.h.Join(docID, c)
	defer m.h.Leave(docID, c)

	// start writing first so queued messages go out
	go c.writeLoop()

	if blocks, err := m.h.Load(ctx, docID); err != nil {
		log.Printf("initial snapshot failed doc=%s err=%v", docID, err)
		c.Enqueue(ServerMessage{Type: "error", DocID: docID, Content: model.Code(err)})
	} else {
		c.SendSnapshot(snapshotMessage(docID, blocks))
	}
	if err := m.svc.Touch(ctx, docID, userID, username); err != nil {
		log.Printf("touch presence error (user=%s, doc=%s): %v", userID, docID, err)
	}

	c.readLoop(ctx)

	if err := m.svc.Leave(ctx, docID, userID); err != nil {
		log.Printf("leave presence error (user=%s, doc=%s): %v", userID, docID, err)
	}
	return nil
}
