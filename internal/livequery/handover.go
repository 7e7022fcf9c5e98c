package livequery

import (
	"fmt"

	"github.com/zoravur/livequery/internal/storage"
)

// PrepareHandover runs on the worker thread while it still holds the
// background snapshot. It records the current snapshot version; if Run
// decided nothing changed (no view present), it returns without producing
// a payload. Otherwise it exports the view, marks the initial run
// complete, and detaches the worker's local view reference — keeping it
// attached would pin snapshot resources and slow subsequent advances.
//
// newChanges computed by Run this cycle are folded into the
// already-accumulated changes rather than replacing them: see DESIGN.md
// OQ-1 for why successive handovers without an intervening Deliver must
// compose this way.
func (lq *LiveQuery) PrepareHandover(snap storage.Snapshot) error {
	lq.bgSnapshotVersion = snap.CurrentVersion()

	if lq.view == nil {
		return nil
	}

	ev, err := snap.ExportView(lq.view)
	if err != nil {
		lq.pendingErr = fmt.Errorf("%w: %v", ErrHandoverExport, err)
		lq.view = nil
		return lq.pendingErr
	}

	lq.initialRunComplete = true
	lq.handedOverVersion = lq.view.OutsideVersion()
	lq.exportedView = ev

	lq.changes = append(lq.changes, lq.newChanges...)
	lq.newChanges = nil

	// Detach; the view has been exported and is no longer ours to hold.
	lq.view = nil
	return nil
}

// Deliver runs on the owning thread under the target mutex. It imports
// and installs the handed-over view if the owner has advanced to exactly
// the snapshot version it was computed against, and reports whether
// CallCallbacks has work to do. See spec.md §4.5.
//
// Panics if called with an AffinityToken other than the one captured at
// construction — that is a caller bug (WrongThreadError), not a runtime
// condition.
func (lq *LiveQuery) Deliver(owner AffinityToken, ownerSnap storage.Snapshot, deliverErr error) bool {
	if owner != lq.owner {
		panic(WrongThreadError{Want: lq.owner, Got: owner})
	}

	lq.targetMu.Lock()
	defer lq.targetMu.Unlock()

	target := lq.target.Value()
	if target == nil {
		// Destroyed mid-flight from the owning thread; drop the in-flight
		// view silently, never invoke callbacks after unregister.
		return false
	}

	if deliverErr != nil {
		lq.pendingErr = deliverErr
		return lq.haveObserversLocked()
	}

	if !lq.initialRunComplete {
		// A delivery attempt raced ahead of the first Run.
		return false
	}

	if lq.bgSnapshotVersion != ownerSnap.CurrentVersion() {
		// Benign: owner advanced past or lags behind. Retried next cycle.
		return false
	}

	if lq.exportedView != nil {
		v, err := ownerSnap.ImportView(lq.exportedView)
		if err != nil {
			lq.pendingErr = fmt.Errorf("%w: %v", ErrHandoverImport, err)
			lq.exportedView = nil
			return lq.haveObserversLocked()
		}
		target.SetView(v)
		lq.deliveredVersion = lq.handedOverVersion
		lq.exportedView = nil
	}

	return lq.haveObserversLocked()
}

func (lq *LiveQuery) haveObserversLocked() bool {
	lq.cbMu.Lock()
	defer lq.cbMu.Unlock()
	return lq.haveObservers
}
