package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"blockcollab/backend/internal/metrics"
	"blockcollab/backend/internal/model"
)

// ErrCommitInProgress is returned when a save is triggered while another runs.
var ErrCommitInProgress = errors.New("commit already in progress")

// FailureKind classifies why a block update in a batch failed.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureVersionConflict
	FailureLockConflict
	FailureTransport
)

func (k FailureKind) String() string {
	switch k {
	case FailureVersionConflict:
		return "version-conflict"
	case FailureLockConflict:
		return "lock-conflict"
	case FailureTransport:
		return "transport"
	default:
		return "other"
	}
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, model.ErrVersionConflict):
		return FailureVersionConflict
	case errors.Is(err, model.ErrLockConflict):
		return FailureLockConflict
	case errors.Is(err, model.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureTransport
	default:
		return FailureOther
	}
}

type CommitFailure struct {
	BlockID string
	Kind    FailureKind
	Err     error
}

// Report is the advisory outcome of one batch commit.
type Report struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  []CommitFailure
	NoChanges bool
	// Released counts release intents sent after the batch.
	Released int
	// DocumentErr is the outcome of the document-level write.
	DocumentErr error
}

func (r Report) OK() bool { return r.Failed == 0 && r.DocumentErr == nil }

func (r Report) Summary() string {
	var s string
	switch {
	case r.NoChanges:
		s = "saved (no content changes) and released locks"
	case r.Failed == 0:
		s = "saved all changes and released locks"
	default:
		s = fmt.Sprintf("%d failed of %d, locks released", r.Failed, r.Total)
	}
	if r.DocumentErr != nil {
		s += fmt.Sprintf("; document fields not saved: %v", r.DocumentErr)
	}
	return s
}

// CommitCoordinator flushes dirty drafts with conditional updates and then
// releases the local user's locks, whatever the outcome of the updates.
type CommitCoordinator struct {
	gw          Gateway
	docID       string
	drafts      *DraftBuffer
	rec         *Reconciler
	leases      *LeaseManager
	maxInFlight int
	callTimeout time.Duration
	now         func() time.Time

	running atomic.Bool
}

func NewCommitCoordinator(gw Gateway, docID string, drafts *DraftBuffer, rec *Reconciler, leases *LeaseManager, maxInFlight int, callTimeout time.Duration, now func() time.Time) *CommitCoordinator {
	if now == nil {
		now = time.Now
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &CommitCoordinator{
		gw:          gw,
		docID:       docID,
		drafts:      drafts,
		rec:         rec,
		leases:      leases,
		maxInFlight: maxInFlight,
		callTimeout: callTimeout,
		now:         now,
	}
}

// CommitAll saves the document fields (when given), commits every dirty
// draft and releases held locks. Only a validation failure or a concurrent
// save returns an error; everything else is accounted for in the Report.
// Every gateway call gets its own timeout, so updates queued behind the
// in-flight limit are not starved by the ones ahead of them.
func (c *CommitCoordinator) CommitAll(ctx context.Context, fields *model.DocumentFields) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, ErrCommitInProgress
	}
	defer c.running.Store(false)

	var (
		docErr  error
		docDone sync.WaitGroup
	)
	if fields != nil {
		if err := fields.Validate(); err != nil {
			return Report{}, err
		}
		f := *fields
		f.DocID = c.docID
		docDone.Add(1)
		go func() {
			defer docDone.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
			docErr = c.gw.UpdateDocument(callCtx, f)
			metrics.GatewayCalls.WithLabelValues("update_document", metrics.Result(docErr)).Inc()
		}()
	}

	dirty := c.drafts.CollectDirty(c.rec.CommittedText)
	rep := Report{Total: len(dirty), NoChanges: len(dirty) == 0}

	if len(dirty) > 0 {
		var (
			succeeded, failed atomic.Int64
			mu                sync.Mutex
			failures          []CommitFailure
		)
		g, gctx := errgroup.WithContext(ctx)
		if c.maxInFlight > 0 {
			g.SetLimit(c.maxInFlight)
		}
		for _, d := range dirty {
			base, _ := c.rec.Committed(d.BlockID)
			g.Go(func() error {
				text := d.Text
				expected := base.Version
				callCtx, cancel := context.WithTimeout(gctx, c.callTimeout)
				defer cancel()
				version, err := c.gw.UpdateBlock(callCtx, model.BlockUpdate{
					DocID:           c.docID,
					BlockID:         d.BlockID,
					Text:            &text,
					ExpectedVersion: &expected,
				})
				metrics.CommitItems.WithLabelValues(metrics.Result(err)).Inc()
				if err != nil {
					failed.Add(1)
					mu.Lock()
					failures = append(failures, CommitFailure{BlockID: d.BlockID, Kind: classify(err), Err: err})
					mu.Unlock()
					log.Printf("commit block failed doc=%s block=%s expected=%d err=%v", c.docID, d.BlockID, expected, err)
					// siblings keep going
					return nil
				}
				succeeded.Add(1)
				c.drafts.ClearIf(d.BlockID, text)
				c.rec.MarkCommitted(d.BlockID, text, version)
				return nil
			})
		}
		_ = g.Wait()
		rep.Succeeded = int(succeeded.Load())
		rep.Failed = int(failed.Load())
		sort.Slice(failures, func(i, j int) bool { return failures[i].BlockID < failures[j].BlockID })
		rep.Failures = failures
		if rep.Succeeded+rep.Failed != rep.Total {
			log.Printf("commit accounting mismatch doc=%s total=%d ok=%d failed=%d", c.docID, rep.Total, rep.Succeeded, rep.Failed)
		}
	}

	rep.Released = c.leases.ReleaseAll(c.rec.Blocks(), c.now())

	docDone.Wait()
	rep.DocumentErr = docErr

	outcome := "ok"
	switch {
	case rep.NoChanges:
		outcome = "noop"
	case rep.Failed > 0:
		outcome = "partial"
	}
	metrics.CommitBatches.WithLabelValues(outcome).Inc()
	return rep, nil
}
