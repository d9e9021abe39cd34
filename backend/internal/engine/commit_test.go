package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockcollab/backend/internal/model"
)

type commitFixture struct {
	gw     *fakeGateway
	drafts *DraftBuffer
	leases *LeaseManager
	rec    *Reconciler
	cc     *CommitCoordinator
}

func newCommitFixture(t *testing.T, blocks ...model.Block) *commitFixture {
	t.Helper()
	gw := newFakeGateway("alice", blocks...)
	f := &commitFixture{gw: gw, drafts: NewDraftBuffer()}
	f.leases = NewLeaseManager(gw, "doc1", "alice", time.Second)
	f.rec = NewReconciler("doc1", gw, f.drafts, f.leases, nil)
	f.rec.Apply(gw.snapshot(), t0)
	f.cc = NewCommitCoordinator(gw, "doc1", f.drafts, f.rec, f.leases, 4, time.Second, func() time.Time { return t0 })
	return f
}

func (f *commitFixture) lock(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.leases.Acquire(context.Background(), id)
		require.NoError(t, err)
	}
}

func strPtr(s string) *string { return &s }

func TestCommitAllSingleBlock(t *testing.T) {
	f := newCommitFixture(t, model.Block{ID: "b1", Index: 0, Text: "A", Version: 3})
	f.lock(t, "b1")
	f.drafts.Set("b1", "A-edited")

	rep, err := f.cc.CommitAll(context.Background(), nil)
	require.NoError(t, err)
	f.leases.wait()

	require.Len(t, f.gw.updates, 1)
	upd := f.gw.updates[0]
	assert.Equal(t, "b1", upd.BlockID)
	assert.Equal(t, "A-edited", *upd.Text)
	assert.EqualValues(t, 3, *upd.ExpectedVersion)
	assert.Nil(t, upd.Kind)

	assert.True(t, rep.OK())
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, "saved all changes and released locks", rep.Summary())

	b, _ := f.rec.Committed("b1")
	assert.EqualValues(t, 4, b.Version)
	assert.Equal(t, "A-edited", b.Text)
	assert.Zero(t, f.drafts.Len())
	assert.Equal(t, []string{"b1"}, f.gw.releasedIDs())
	assert.Empty(t, f.gw.block("b1").LockHolder)
}

func TestCommitAllPartialFailure(t *testing.T) {
	f := newCommitFixture(t,
		model.Block{ID: "b1", Index: 0, Text: "one", Version: 1},
		model.Block{ID: "b2", Index: 1, Text: "two", Version: 1},
	)
	f.lock(t, "b1", "b2")
	f.drafts.Set("b1", "one!")
	f.drafts.Set("b2", "two!")
	// someone else committed b1 in between
	f.gw.mu.Lock()
	f.gw.blocks["b1"].Version = 2
	f.gw.mu.Unlock()

	rep, err := f.cc.CommitAll(context.Background(), nil)
	require.NoError(t, err)
	f.leases.wait()

	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "b1", rep.Failures[0].BlockID)
	assert.Equal(t, FailureVersionConflict, rep.Failures[0].Kind)
	assert.Equal(t, "1 failed of 2, locks released", rep.Summary())

	_, kept := f.drafts.Get("b1")
	assert.True(t, kept)
	_, kept = f.drafts.Get("b2")
	assert.False(t, kept)
	assert.Equal(t, []string{"b1", "b2"}, f.gw.releasedIDs())
}

func TestCommitAllReleasesUnderTotalFailure(t *testing.T) {
	var blocks []model.Block
	for i := 0; i < 5; i++ {
		blocks = append(blocks, model.Block{ID: fmt.Sprintf("b%d", i), Index: i})
	}
	f := newCommitFixture(t, blocks...)
	for _, b := range blocks {
		f.lock(t, b.ID)
		f.drafts.Set(b.ID, "x")
		f.gw.updateErr[b.ID] = fmt.Errorf("update: %w", model.ErrUnavailable)
	}
	f.gw.updateErr["b4"] = model.ErrLockConflict

	rep, err := f.cc.CommitAll(context.Background(), nil)
	require.NoError(t, err)
	f.leases.wait()

	assert.Equal(t, 5, rep.Failed)
	assert.Zero(t, rep.Succeeded)
	assert.Equal(t, FailureTransport, rep.Failures[0].Kind)
	assert.Equal(t, FailureLockConflict, rep.Failures[4].Kind)
	assert.Equal(t, 5, rep.Released)
	assert.Len(t, f.gw.releasedIDs(), 5)
	assert.Equal(t, 5, f.drafts.Len())
}

func TestCommitAllNoChangesStillReleases(t *testing.T) {
	f := newCommitFixture(t, model.Block{ID: "b1", Text: "same"})
	f.lock(t, "b1")
	f.drafts.Set("b1", "same")

	rep, err := f.cc.CommitAll(context.Background(), nil)
	require.NoError(t, err)
	f.leases.wait()

	assert.True(t, rep.NoChanges)
	assert.Empty(t, f.gw.updates)
	assert.Equal(t, "saved (no content changes) and released locks", rep.Summary())
	assert.Equal(t, []string{"b1"}, f.gw.releasedIDs())
}

func TestCommitAllValidatesDocumentFields(t *testing.T) {
	f := newCommitFixture(t, model.Block{ID: "b1", Text: "A"})
	f.lock(t, "b1")
	f.drafts.Set("b1", "B")

	_, err := f.cc.CommitAll(context.Background(), &model.DocumentFields{Title: strPtr("  "), Category: strPtr("go")})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.Empty(t, f.gw.updates)
	assert.Empty(t, f.gw.docSaves)
	assert.Empty(t, f.gw.releasedIDs())
}

func TestCommitAllSavesDocumentFields(t *testing.T) {
	f := newCommitFixture(t, model.Block{ID: "b1", Text: "A"})
	f.drafts.Set("b1", "B")

	rep, err := f.cc.CommitAll(context.Background(), &model.DocumentFields{Title: strPtr("New"), Category: strPtr("rust")})
	require.NoError(t, err)
	assert.True(t, rep.OK())
	require.Len(t, f.gw.docSaves, 1)
	assert.Equal(t, "doc1", f.gw.docSaves[0].DocID)
	assert.Equal(t, "New", f.gw.doc.Title)

	f.gw.docErr = model.ErrPermissionDenied
	rep, err = f.cc.CommitAll(context.Background(), &model.DocumentFields{Title: strPtr("Other"), Category: strPtr("rust")})
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.ErrorIs(t, rep.DocumentErr, model.ErrPermissionDenied)
	assert.Contains(t, rep.Summary(), "document fields not saved")
}

func TestCommitAllRejectsConcurrentSave(t *testing.T) {
	f := newCommitFixture(t, model.Block{ID: "b1", Text: "A"})
	f.drafts.Set("b1", "B")
	f.gw.gate = make(chan struct{})

	done := make(chan Report)
	go func() {
		rep, _ := f.cc.CommitAll(context.Background(), nil)
		done <- rep
	}()

	require.Eventually(t, func() bool { return f.gw.blockedUpdates() == 1 }, time.Second, time.Millisecond)
	_, err := f.cc.CommitAll(context.Background(), nil)
	require.ErrorIs(t, err, ErrCommitInProgress)

	close(f.gw.gate)
	rep := <-done
	assert.Equal(t, 1, rep.Succeeded)
}

func TestCommitAllKeepsDraftEditedDuringCommit(t *testing.T) {
	f := newCommitFixture(t, model.Block{ID: "b1", Text: "A"})
	f.drafts.Set("b1", "B")
	f.gw.gate = make(chan struct{})

	done := make(chan Report)
	go func() {
		rep, _ := f.cc.CommitAll(context.Background(), nil)
		done <- rep
	}()
	require.Eventually(t, func() bool { return f.gw.blockedUpdates() == 1 }, time.Second, time.Millisecond)
	f.drafts.Set("b1", "BC")
	close(f.gw.gate)
	<-done

	d, ok := f.drafts.Get("b1")
	require.True(t, ok)
	assert.Equal(t, "BC", d)
}

func TestCommitAllBoundsEachUpdateSeparately(t *testing.T) {
	gw := newFakeGateway("alice",
		model.Block{ID: "b1", Index: 0, Text: "A", Version: 1},
		model.Block{ID: "b2", Index: 1, Text: "B", Version: 1},
		model.Block{ID: "b3", Index: 2, Text: "C", Version: 1})
	gw.delay = 60 * time.Millisecond
	drafts := NewDraftBuffer()
	leases := NewLeaseManager(gw, "doc1", "alice", time.Second)
	rec := NewReconciler("doc1", gw, drafts, leases, nil)
	rec.Apply(gw.snapshot(), t0)
	// one at a time: the batch outlasts a single call's timeout
	cc := NewCommitCoordinator(gw, "doc1", drafts, rec, leases, 1, 100*time.Millisecond, func() time.Time { return t0 })
	for _, id := range []string{"b1", "b2", "b3"} {
		drafts.Set(id, id+"-edited")
	}

	rep, err := cc.CommitAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Succeeded)
	assert.Empty(t, rep.Failures)
}
