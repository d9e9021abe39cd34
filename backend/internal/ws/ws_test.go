package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockcollab/backend/internal/cache"
	"blockcollab/backend/internal/model"
)

type fakeService struct {
	mu      sync.Mutex
	blocks  []model.Block
	loads   atomic.Int32
	gate    chan struct{}
	touched []string
	left    []string
}

func (f *fakeService) Snapshot(ctx context.Context, docID string) ([]model.Block, error) {
	f.loads.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Block(nil), f.blocks...), nil
}

func (f *fakeService) Authorize(ctx context.Context, user, docID string) (model.Document, error) {
	if user != "alice" {
		return model.Document{}, model.ErrPermissionDenied
	}
	return model.Document{ID: docID, OwnerID: "alice"}, nil
}

func (f *fakeService) Editors(ctx context.Context, user, docID string) ([]cache.PresenceMember, error) {
	return []cache.PresenceMember{{UserID: "alice", Username: "Alice"}}, nil
}

func (f *fakeService) Touch(ctx context.Context, docID, user, username string) error {
	f.mu.Lock()
	f.touched = append(f.touched, user)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Leave(ctx context.Context, docID, user string) error {
	f.mu.Lock()
	f.left = append(f.left, user)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) setBlocks(b ...model.Block) {
	f.mu.Lock()
	f.blocks = b
	f.mu.Unlock()
}

func TestHubRefreshKeepsLatestSnapshot(t *testing.T) {
	svc := &fakeService{}
	h := NewHub(svc)
	c := NewConn(nil, h, svc, "d1", "alice", "Alice")
	h.Join("d1", c)
	h.Join("d1", c)
	assert.Equal(t, 1, h.Subscribers("d1"))

	svc.setBlocks(model.Block{ID: "b1", Version: 1})
	h.Refresh("d1")
	h.Wait()
	svc.setBlocks(model.Block{ID: "b1", Version: 2})
	h.Refresh("d1")
	h.Wait()

	msg := <-c.snapshots
	require.Len(t, msg.Blocks, 1)
	assert.EqualValues(t, 2, msg.Blocks[0].Version)

	h.Leave("d1", c)
	assert.Zero(t, h.Subscribers("d1"))
	// nobody listening, nothing loaded
	before := svc.loads.Load()
	h.Refresh("d1")
	h.Wait()
	assert.Equal(t, before, svc.loads.Load())
}

func TestHubRefreshCoalesces(t *testing.T) {
	svc := &fakeService{gate: make(chan struct{})}
	h := NewHub(svc)
	c := NewConn(nil, h, svc, "d1", "alice", "Alice")
	h.Join("d1", c)

	h.Refresh("d1")
	require.Eventually(t, func() bool { return svc.loads.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		h.Refresh("d1")
	}
	close(svc.gate)
	h.Wait()

	// one running load plus one catch-up load
	assert.EqualValues(t, 2, svc.loads.Load())
}

type fakePresence struct {
	mu    sync.Mutex
	rooms map[string][]cache.PresenceMember
}

func (f *fakePresence) SweepPresence(ctx context.Context) (map[string][]cache.PresenceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]cache.PresenceMember, len(f.rooms))
	for k, v := range f.rooms {
		out[k] = v
	}
	return out, nil
}

func TestHubPresenceSweepBroadcastsChanges(t *testing.T) {
	svc := &fakeService{}
	h := NewHub(svc)
	c := NewConn(nil, h, svc, "d1", "alice", "Alice")
	h.Join("d1", c)

	src := &fakePresence{rooms: map[string][]cache.PresenceMember{
		"d1": {{UserID: "alice", Username: "Alice"}},
		"d2": {{UserID: "bob", Username: "Bob"}},
	}}
	last := make(map[string][]string)
	h.sweepPresence(context.Background(), src, last)
	require.Len(t, c.send, 1)
	msg := (<-c.send).(ServerMessage)
	assert.Equal(t, "presence", msg.Type)
	assert.Equal(t, "d1", msg.DocID)
	assert.Equal(t, []cache.PresenceMember{{UserID: "alice", Username: "Alice"}}, msg.Members)

	// unchanged membership is not sent again
	h.sweepPresence(context.Background(), src, last)
	assert.Empty(t, c.send)

	src.mu.Lock()
	src.rooms["d1"] = append(src.rooms["d1"], cache.PresenceMember{UserID: "bob", Username: "Bob"})
	src.mu.Unlock()
	h.sweepPresence(context.Background(), src, last)
	require.Len(t, c.send, 1)
	msg = (<-c.send).(ServerMessage)
	assert.Len(t, msg.Members, 2)
}

func TestConnEnqueueDropsWhenFull(t *testing.T) {
	c := NewConn(nil, nil, nil, "d1", "alice", "Alice")
	for i := 0; i < cap(c.send)+5; i++ {
		c.Enqueue(ServerMessage{Type: "presence"})
	}
	assert.Len(t, c.send, cap(c.send))

	c.close()
	c.close()
	c.SendSnapshot(snapshotMessage("d1", nil))
	assert.Empty(t, c.snapshots)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker(DefaultOrigins)
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("")))
	assert.True(t, check(req("null")))
	assert.True(t, check(req("http://localhost:5173")))
	assert.False(t, check(req("https://evil.example")))
	assert.True(t, originChecker([]string{"*"})(req("https://evil.example")))
}

func TestManagerServe(t *testing.T) {
	svc := &fakeService{}
	svc.setBlocks(model.Block{ID: "b1", Text: "A", Version: 3})
	h := NewHub(svc)
	m := NewManager(h, svc, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if err := m.Serve(w, r, "d1", user, strings.ToUpper(user)); err != nil {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?user=mallory", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user=alice", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snap SnapshotMessage
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Blocks, 1)
	assert.Equal(t, "A", snap.Blocks[0].Text)

	require.Eventually(t, func() bool { return h.Subscribers("d1") == 1 }, time.Second, time.Millisecond)
	svc.setBlocks(model.Block{ID: "b1", Text: "B", Version: 4})
	h.Refresh("d1")
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "B", snap.Blocks[0].Text)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "show_alive_members"}))
	var pres ServerMessage
	require.NoError(t, conn.ReadJSON(&pres))
	assert.Equal(t, "presence", pres.Type)
	assert.Len(t, pres.Members, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return h.Subscribers("d1") == 0 }, 2*time.Second, 5*time.Millisecond)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"alice"}, svc.touched)
	assert.Equal(t, []string{"alice"}, svc.left)
}
