package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockcollab/backend/internal/model"
)

func openSession(t *testing.T, gw *fakeGateway, user string) *Session {
	t.Helper()
	s, err := Open(context.Background(), gw, Config{
		DocID:         "doc1",
		UserID:        user,
		ClockInterval: 10 * time.Millisecond,
		CallTimeout:   time.Second,
		Now:           func() time.Time { return t0 },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitView(t *testing.T, s *Session, cond func(View) bool) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-s.Views():
			if cond(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("no matching view; last: %+v", s.View())
			return View{}
		}
	}
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func TestSessionRendersDraftOverSnapshot(t *testing.T) {
	gw := newFakeGateway("alice", model.Block{ID: "b1", Text: "A", Version: 1})
	s := openSession(t, gw, "alice")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 1 })

	s.Acquire("b1")
	e := waitEvent(t, s, EventLockGranted)
	assert.Equal(t, "b1", e.BlockID)

	s.SetDraft("b1", "A-local")
	gw.push()

	v := waitView(t, s, func(v View) bool {
		b, ok := v.Block("b1")
		return ok && b.LockHolder == "alice"
	})
	b, _ := v.Block("b1")
	assert.Equal(t, "A-local", b.DisplayText)
	assert.Equal(t, HeldByMe, b.Status)
	assert.Equal(t, "editing (30s left)", b.LockLabel())

	s.DiscardDraft("b1")
	assert.Equal(t, "A", mustBlock(t, s.View(), "b1").DisplayText)
}

func mustBlock(t *testing.T, v View, id string) BlockView {
	t.Helper()
	b, ok := v.Block(id)
	require.True(t, ok, "block %s missing", id)
	return b
}

func TestSessionAcquireRejected(t *testing.T) {
	gw := newFakeGateway("bob", model.Block{ID: "b1", LockHolder: "alice", LockExpiresAt: t0.Add(time.Minute)})
	s := openSession(t, gw, "bob")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 1 })

	s.Acquire("b1")
	e := waitEvent(t, s, EventLockRejected)
	assert.ErrorIs(t, e.Err, model.ErrLockConflict)
	assert.Equal(t, HeldByOther, mustBlock(t, s.View(), "b1").Status)
}

func TestSessionBootstrapsEmptyDocument(t *testing.T) {
	gw := newFakeGateway("alice")
	gw.doc.Content = "legacy text"
	s := openSession(t, gw, "alice")

	require.Eventually(t, func() bool { return gw.createCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	gw.push()

	v := waitView(t, s, func(v View) bool { return len(v.Blocks) == 1 })
	assert.Equal(t, "legacy text", v.Blocks[0].Text)
	assert.False(t, v.Bootstrapping)
	assert.Equal(t, 1, gw.createCount())
}

func TestSessionCommitAll(t *testing.T) {
	gw := newFakeGateway("alice", model.Block{ID: "b1", Text: "A [[key]]", Version: 3})
	s := openSession(t, gw, "alice")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 1 })
	assert.Equal(t, []Highlight{{BlockID: "b1", Text: "key"}}, s.Highlights())

	s.Acquire("b1")
	waitEvent(t, s, EventLockGranted)
	s.SetDraft("b1", "A [[edited]]")

	rep, err := s.CommitAll(context.Background(), &model.DocumentFields{Title: strPtr("T"), Category: strPtr("go")})
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, 1, rep.Succeeded)

	e := waitEvent(t, s, EventCommitted)
	require.NotNil(t, e.Report)
	assert.Equal(t, rep.Summary(), e.Report.Summary())

	require.Eventually(t, func() bool { return len(gw.releasedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 4, gw.block("b1").Version)
	assert.Equal(t, "T", s.Document().Title)
	assert.Equal(t, []Highlight{{BlockID: "b1", Text: "edited"}}, s.Highlights())
}

func TestSessionDeletePolicy(t *testing.T) {
	gw := newFakeGateway("bob",
		model.Block{ID: "b1", Index: 0, LockHolder: "alice", LockExpiresAt: t0.Add(time.Minute)},
		model.Block{ID: "b2", Index: 1},
	)
	s := openSession(t, gw, "bob")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 2 })

	err := s.Delete(context.Background(), "b1")
	require.ErrorIs(t, err, model.ErrLockConflict)

	require.NoError(t, s.Delete(context.Background(), "b2"))
	assert.Equal(t, []string{"b2"}, gw.deleted)

	require.ErrorIs(t, s.Delete(context.Background(), "nope"), model.ErrNotFound)
}

func TestSessionAddAfter(t *testing.T) {
	gw := newFakeGateway("alice", model.Block{ID: "b1", Index: 0}, model.Block{ID: "b2", Index: 4})
	s := openSession(t, gw, "alice")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 2 })

	b, err := s.AddAfter(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Index)
	assert.Equal(t, model.KindText, b.Kind)
	assert.Empty(t, b.Text)

	b, err = s.AddAfter(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, b.Index)
}

func TestSessionCloseReleasesHeldLocks(t *testing.T) {
	gw := newFakeGateway("alice", model.Block{ID: "b1"}, model.Block{ID: "b2"})
	s := openSession(t, gw, "alice")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 2 })

	s.Acquire("b1")
	waitEvent(t, s, EventLockGranted)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	<-s.Done()
	s.leases.wait()
	assert.Equal(t, []string{"b1"}, gw.releasedIDs())

	_, err := s.CommitAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.AddAfter(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrSessionClosed)
	// stray intents after teardown are ignored
	s.Acquire("b2")
	s.SetDraft("b2", "late")
}

func TestOpenRequiresIdentity(t *testing.T) {
	_, err := Open(context.Background(), newFakeGateway(""), Config{DocID: "doc1"})
	require.ErrorIs(t, err, model.ErrNotAuthenticated)
}

func TestSessionReleaseShowsUnlockedImmediately(t *testing.T) {
	gw := newFakeGateway("alice", model.Block{ID: "b1", Text: "A", Version: 1})
	s := openSession(t, gw, "alice")
	waitView(t, s, func(v View) bool { return len(v.Blocks) == 1 })

	s.Acquire("b1")
	waitEvent(t, s, EventLockGranted)
	gw.push()
	waitView(t, s, func(v View) bool {
		b, ok := v.Block("b1")
		return ok && b.LockHolder == "alice"
	})

	s.Release("b1")
	b := mustBlock(t, s.View(), "b1")
	assert.Equal(t, "alice", b.LockHolder)
	assert.Equal(t, Unlocked, b.Status)
	assert.Equal(t, "unlocked", b.LockLabel())

	// editing after the release must not renew the lease
	s.renewMu.Lock()
	delete(s.lastRenew, "b1")
	s.renewMu.Unlock()
	s.SetDraft("b1", "A-after")
	assert.Never(t, func() bool { return gw.renewCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	s.leases.wait()
	assert.Equal(t, []string{"b1"}, gw.releasedIDs())
}
