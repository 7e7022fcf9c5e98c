// Package livequery implements the per-query background worker lifecycle,
// two-snapshot change computation, link-path dependency tracing, and
// observer registry described for a live-updating query result. It is the
// core: it never touches a network, a file, or a database directly — it
// only calls the interfaces in internal/storage.
package livequery

import (
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/zoravur/livequery/internal/storage"
)

// AffinityToken stands in for "the owning thread". Go has no notion of
// thread-confined goroutines, so affinity is enforced by comparing opaque
// tokens handed out once per owning context (typically once per client
// connection) rather than by inspecting runtime thread identity.
type AffinityToken uint64

var affinityCounter atomic.Uint64

// NewAffinityToken allocates a fresh token for a new owning context.
func NewAffinityToken() AffinityToken {
	return AffinityToken(affinityCounter.Add(1))
}

// Coordinator is the scheduling collaborator a LiveQuery asks to run a
// commit-notification cycle when it gains its first observer after being
// idle. The LiveQuery itself never schedules; see spec.md §4.1.
type Coordinator interface {
	RequestCommitNotification()
}

// Position indexes into a handed-over row sequence. AbsentPosition marks
// the missing side of an insertion or deletion in a Change.
type Position int64

// AbsentPosition is the sentinel for "no position" on either side of a Change.
const AbsentPosition Position = -1

// Change is one entry of a delivered changeset: a pair of positions in the
// previous and current handed-over row sequences. Either side may be
// AbsentPosition to encode a deletion or insertion; equal sides encode an
// in-place modification; differing sides encode a move.
type Change struct {
	Old, New Position
}

// SortDescriptor is an ordered list of (column, ascending) pairs, immutable
// after construction. A nil/empty descriptor means "unsorted, storage order".
type SortDescriptor []storage.SortColumn

// state is the lifecycle position of the attached-query half of the state
// machine described in spec.md §4.1. It is intentionally coarser than the
// prose state machine (Fresh → Attached ↔ Running → HandedOver → Delivered
// → Attached … → Released): RUN/HANDOVER only ever touch the fields below,
// state exists purely to make illegal transitions (double-attach, detach
// while a view is live) panic instead of corrupting the handed-over rows.
type state int

const (
	stateFresh state = iota
	stateAttached
	stateReleased
)

// LiveQuery is one registered live result: it owns the worker-thread-only
// query/view handles, the accumulated changeset, and the observer list.
// Every exported method's thread-safety is documented next to it; see
// spec.md §5 for the two-mutex protocol this type implements.
type LiveQuery struct {
	owner       AffinityToken
	coordinator Coordinator
	sort        SortDescriptor

	// targetMu guards target, dbRef, and the liveness queries below. It is
	// the "target mutex" of spec.md §5: held during Unregister and Deliver.
	targetMu sync.Mutex
	target   weak.Pointer[storage.ResultHandle]
	dbRef    any // strong reference to the owning database session, if any

	state state

	// Worker-thread-only fields below: touched only while the worker holds
	// the background snapshot, never concurrently with the owner thread.
	query              storage.Query
	exportedQuery      storage.ExportedQuery
	view               storage.View
	exportedView       storage.ExportedView
	bgSnapshotVersion  storage.Version
	handedOverRows     []storage.RowID
	initialRunComplete bool
	handedOverVersion  storage.Version

	// newChanges is this handover's diff, not yet merged into changes.
	// changes is everything accumulated since the last successful Deliver.
	// See DESIGN.md OQ-1 for why these are two separate slices.
	newChanges []Change
	changes    []Change

	// deliveredVersion is the view version most recently installed into
	// the target; it gates which observers CallCallbacks will invoke next.
	deliveredVersion storage.Version
	pendingErr       error

	// cbMu guards observers, cursor, and haveObservers; never held across
	// a callback invocation (spec.md §4.6, §5).
	cbMu          sync.Mutex
	observers     []*observer
	cursor        int
	nextToken     uint64
	haveObservers bool
}

type observer struct {
	token     uint64
	fn        func([]Change, error)
	delivered storage.Version
	paths     [][]int
}

const noCursor = -1

// New constructs a LiveQuery bound to target's owning context, capturing
// query (exported from snap) and the current snapshot version. No
// observers are registered yet.
func New(target *storage.ResultHandle, owner AffinityToken, coord Coordinator, snap storage.Snapshot, query storage.Query, sort SortDescriptor) (*LiveQuery, error) {
	eq, err := snap.ExportQuery(query)
	if err != nil {
		return nil, fmt.Errorf("livequery: export query on create: %w", err)
	}
	lq := &LiveQuery{
		owner:             owner,
		coordinator:       coord,
		sort:              sort,
		target:            weak.Make(target),
		bgSnapshotVersion: snap.CurrentVersion(),
		exportedQuery:     eq,
		deliveredVersion:  storage.VersionNever,
		cursor:            noCursor,
	}
	return lq, nil
}

// Attach imports the exported query into snap and binds the worker to it.
// Worker-thread only. Panics if already attached or if there is no
// exported query to import (spec.md §3 invariant: attached XOR exported).
func (lq *LiveQuery) Attach(snap storage.Snapshot) error {
	if lq.state == stateAttached {
		panic("livequery: Attach called while already attached")
	}
	if lq.exportedQuery == nil {
		panic("livequery: Attach called with no exported query")
	}
	q, err := snap.ImportQuery(lq.exportedQuery)
	if err != nil {
		return fmt.Errorf("livequery: import query on attach: %w", err)
	}
	lq.query = q
	lq.exportedQuery = nil
	lq.state = stateAttached
	return nil
}

// Detach exports the attached query back to a transportable payload and
// unbinds the snapshot. Worker-thread only. Panics if not attached or if a
// view is still live (it must be consumed by PrepareHandover first).
func (lq *LiveQuery) Detach(snap storage.Snapshot) error {
	if lq.state != stateAttached {
		panic("livequery: Detach called while not attached")
	}
	if lq.view != nil {
		panic("livequery: Detach called with a live view outstanding")
	}
	eq, err := snap.ExportQuery(lq.query)
	if err != nil {
		return fmt.Errorf("livequery: export query on detach: %w", err)
	}
	lq.exportedQuery = eq
	lq.query = nil
	lq.state = stateFresh
	return nil
}

// ReleaseQuery drops the exported query. May only be called after the
// target has been unregistered; panics otherwise, matching the original's
// REALM_ASSERT(!m_realm && !m_target_results) in async_query.cpp.
func (lq *LiveQuery) ReleaseQuery() {
	lq.targetMu.Lock()
	alive := lq.target.Value() != nil
	lq.targetMu.Unlock()
	if alive {
		panic("livequery: ReleaseQuery called before Unregister")
	}
	lq.exportedQuery = nil
	lq.state = stateReleased
}

// IsAlive reports whether the target is still reachable. Safe from any
// thread; never pins the target past the check.
func (lq *LiveQuery) IsAlive() bool {
	lq.targetMu.Lock()
	defer lq.targetMu.Unlock()
	return lq.target.Value() != nil
}

// Unregister clears the target reference from any thread. After this call
// returns, no future RUN produces work and no callback is ever invoked
// again for this LiveQuery.
func (lq *LiveQuery) Unregister() {
	lq.targetMu.Lock()
	lq.target = weak.Pointer[storage.ResultHandle]{}
	lq.dbRef = nil
	lq.targetMu.Unlock()
}

// targetGate implements the Run step-1 gate under
// targetMu: abort if the target is cleared, or if there are no observers
// and the target opted out of background refreshes.
func (lq *LiveQuery) targetGate() (target *storage.ResultHandle, proceed bool) {
	lq.targetMu.Lock()
	defer lq.targetMu.Unlock()
	target = lq.target.Value()
	if target == nil {
		return nil, false
	}
	lq.cbMu.Lock()
	hasObservers := lq.haveObservers
	lq.cbMu.Unlock()
	if !hasObservers {
		wants := target.WantsBackgroundUpdates != nil && target.WantsBackgroundUpdates()
		if !wants {
			return target, false
		}
	}
	return target, true
}
