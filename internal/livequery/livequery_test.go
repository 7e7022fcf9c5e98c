package livequery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zoravur/livequery/internal/livequery"
	"github.com/zoravur/livequery/internal/storage"
	"github.com/zoravur/livequery/internal/storage/memstore"
)

// bookSchema builds a two-table authors/books store: books.author (column 1)
// is a link into authors, giving every test an indirect-dependency path to
// exercise.
func bookSchema() *memstore.Store {
	s := memstore.NewStore()
	s.AddTable("authors", []memstore.ColumnDef{
		{Name: "name", Type: storage.ColumnOther},
	})
	s.AddTable("books", []memstore.ColumnDef{
		{Name: "title", Type: storage.ColumnOther},
		{Name: "author", Type: storage.ColumnLink, Target: "authors"},
	})
	return s
}

func insertAuthor(s *memstore.Store, name string) storage.RowID {
	id, _ := s.Insert("authors", []any{name}, []storage.RowID{storage.AbsentRow}, [][]storage.RowID{nil})
	return id
}

func insertBook(s *memstore.Store, title string, author storage.RowID) storage.RowID {
	id, _ := s.Insert("books", []any{title, nil}, []storage.RowID{storage.AbsentRow, author}, [][]storage.RowID{nil, nil})
	return id
}

type fakeCoordinator struct{ notified int }

func (f *fakeCoordinator) RequestCommitNotification() { f.notified++ }

// harness bundles a LiveQuery with the store it watches and the most
// recently delivered view, so scenario tests read current results off
// h.current rather than threading ResultHandle plumbing through each test.
type harness struct {
	t     *testing.T
	store *memstore.Store
	lq    *livequery.LiveQuery
	coord *fakeCoordinator
	owner livequery.AffinityToken

	current storage.View
}

func newHarness(t *testing.T, store *memstore.Store, table string, sort livequery.SortDescriptor) *harness {
	t.Helper()
	h := &harness{t: t, store: store, coord: &fakeCoordinator{}, owner: livequery.NewAffinityToken()}
	snap0 := store.Snapshot()
	q0 := memstore.NewQuery(snap0, table, nil)
	// Background updates are wanted so the first cycle below runs and
	// installs the initial view before any observer is registered.
	target := &storage.ResultHandle{
		WantsBackgroundUpdates: func() bool { return true },
		SetView:                func(v storage.View) { h.current = v },
	}
	lq, err := livequery.New(target, h.owner, h.coord, snap0, q0, sort)
	require.NoError(t, err)
	h.lq = lq
	h.runCycle(snap0, nil)
	return h
}

// runCycle drives one full RUN/HANDOVER/DELIVER cycle using snap as both the
// worker-visible and owner-visible snapshot of this commit. Using a single
// snapshot object for both roles is a test simplification: it still
// exercises the whole state machine, only collapsing the two-thread
// snapshot bifurcation that a real storage engine would keep distinct.
func (h *harness) runCycle(snap *memstore.Snapshot, changes storage.ChangeSummary) error {
	h.t.Helper()
	require.NoError(h.t, h.lq.Attach(snap))
	runErr := h.lq.Run(context.Background(), changes)
	require.NoError(h.t, h.lq.PrepareHandover(snap))
	require.NoError(h.t, h.lq.Detach(snap))
	h.lq.Deliver(h.owner, snap, nil)
	h.lq.CallCallbacks()
	return runErr
}

func TestInsertOnly(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	insertBook(store, "Book A", alice)
	h := newHarness(t, store, "books", nil)

	var got []livequery.Change
	var gotErr error
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { got = c; gotErr = err })

	before := store.Snapshot()
	insertBook(store, "Book B", alice)
	after := store.Snapshot()
	changes := memstore.Diff(before, after)

	h.runCycle(after, changes)

	require.NoError(t, gotErr)
	require.Equal(t, []livequery.Change{{Old: livequery.AbsentPosition, New: 1}}, got)
	require.Equal(t, 2, h.current.Size())
}

func TestDeleteOnly(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	insertBook(store, "Book A", alice)
	bookB := insertBook(store, "Book B", alice)
	h := newHarness(t, store, "books", nil)

	var got []livequery.Change
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { got = c })

	before := store.Snapshot()
	store.Delete("books", bookB)
	after := store.Snapshot()
	changes := memstore.Diff(before, after)

	h.runCycle(after, changes)

	require.Equal(t, []livequery.Change{{Old: 1, New: livequery.AbsentPosition}}, got)
	require.Equal(t, 1, h.current.Size())
}

func TestInPlaceModification(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	bookA := insertBook(store, "Book A", alice)
	h := newHarness(t, store, "books", nil)

	var got []livequery.Change
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { got = c })

	before := store.Snapshot()
	store.Update("books", bookA, []any{"Book A, Revised", nil}, []storage.RowID{storage.AbsentRow, alice}, [][]storage.RowID{nil, nil})
	after := store.Snapshot()
	changes := memstore.Diff(before, after)

	h.runCycle(after, changes)

	require.Equal(t, []livequery.Change{{Old: 0, New: 0}}, got)
}

func TestMoveViaSort(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	bookB := insertBook(store, "B Title", alice)
	insertBook(store, "C Title", alice)

	sort := livequery.SortDescriptor{{Column: 0, Ascending: true}}
	h := newHarness(t, store, "books", sort)
	require.Equal(t, 2, h.current.Size())
	require.Equal(t, bookB, h.current.RowIndex(0))

	var got []livequery.Change
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { got = c })

	before := store.Snapshot()
	store.Update("books", bookB, []any{"D Title", nil}, []storage.RowID{storage.AbsentRow, alice}, [][]storage.RowID{nil, nil})
	after := store.Snapshot()
	changes := memstore.Diff(before, after)

	h.runCycle(after, changes)

	require.ElementsMatch(t, []livequery.Change{{Old: 0, New: 1}, {Old: 1, New: 0}}, got)
	require.Equal(t, bookB, h.current.RowIndex(1))
}

func TestIndirectViaLinkPath(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	insertBook(store, "Book A", alice)
	h := newHarness(t, store, "books", nil)

	var got []livequery.Change
	// Column 1 of books is the author link; this path declares a dependency
	// on the linked author row's content, not just the book row's own.
	h.lq.AddObserver([][]int{{1}}, func(c []livequery.Change, err error) { got = c })

	before := store.Snapshot()
	store.Update("authors", alice, []any{"Alice Renamed"}, []storage.RowID{storage.AbsentRow}, [][]storage.RowID{nil})
	after := store.Snapshot()
	changes := memstore.Diff(before, after)

	h.runCycle(after, changes)

	require.Equal(t, []livequery.Change{{Old: 0, New: 0}}, got)
}

func TestIndirectPathNotWatchedIsIgnored(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	insertBook(store, "Book A", alice)
	h := newHarness(t, store, "books", nil)

	var called bool
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { called = true })

	// A newly added observer is called once on the next delivery whatever
	// changed; let that first call happen before the edit under test.
	h.runCycle(store.Snapshot(), nil)
	require.True(t, called, "a new observer is called on its first delivery")
	called = false

	before := store.Snapshot()
	store.Update("authors", alice, []any{"Alice Renamed"}, []storage.RowID{storage.AbsentRow}, [][]storage.RowID{nil})
	after := store.Snapshot()
	changes := memstore.Diff(before, after)

	h.runCycle(after, changes)

	require.False(t, called, "observer with no declared path must not fire on an unrelated author edit")
}

func TestErrorFlushIsTerminal(t *testing.T) {
	store := bookSchema()
	alice := insertAuthor(store, "Alice")
	insertBook(store, "Book A", alice)
	h := newHarness(t, store, "books", nil)

	var gotErr error
	calls := 0
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { calls++; gotErr = err })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Run skips re-executing the query when the commit touches none of its
	// tables, so commit a real change for the cancelled FindAll to fail on.
	before := store.Snapshot()
	insertBook(store, "Book B", alice)
	snap := store.Snapshot()
	require.NoError(t, h.lq.Attach(snap))
	runErr := h.lq.Run(ctx, memstore.Diff(before, snap))
	require.Error(t, runErr)
	require.NoError(t, h.lq.PrepareHandover(snap))
	h.lq.Deliver(h.owner, snap, nil)
	h.lq.CallCallbacks()

	require.Equal(t, 1, calls)
	require.Error(t, gotErr)

	// Terminal: the error is sticky, so even an observer registered after
	// the flush is told about it once (and the list is cleared again).
	var secondCalls int
	var secondErr error
	h.lq.AddObserver(nil, func(c []livequery.Change, err error) { secondCalls++; secondErr = err })
	h.lq.CallCallbacks()
	require.Equal(t, 1, secondCalls)
	require.Error(t, secondErr)
}
