// Package storage defines the interfaces the live query core consumes from
// a storage engine, and the small value types (versions, row ids, change
// summaries) that cross the worker/owner thread boundary between them.
//
// Nothing in this package talks to a database. Concrete engines live in
// sibling packages (internal/pgstore for PostgreSQL, internal/storage/memstore
// for tests); this package exists so internal/livequery never imports either.
package storage

import "context"

// Version identifies a point-in-time snapshot of the database. Versions are
// comparable and monotonically increasing within a single snapshot lineage.
type Version uint64

// VersionNever is a sentinel meaning "no version has ever been delivered",
// used as the initial value of an observer's delivered-version field so
// that the first real delivery always compares as different.
const VersionNever Version = ^Version(0)

// RowID identifies a row within a single table. AbsentRow is the sentinel
// for "no row", such as an unset link.
type RowID int64

// AbsentRow marks the absence of a row, e.g. a link column with no target.
const AbsentRow RowID = -1

// ColumnType distinguishes the column kinds the dependency tracer cares
// about; every other column type is opaque to the core.
type ColumnType int

const (
	ColumnOther ColumnType = iota
	ColumnLink
	ColumnLinkList
)

// TableRef exposes just enough table schema for dependency tracing to walk
// link and link-list columns without understanding the storage engine's
// full type system.
type TableRef interface {
	// Ordinal is this table's stable index into a ChangeSummary.
	Ordinal() int
	ColumnCount() int
	ColumnType(col int) ColumnType
	// GetLink resolves a single-link column; ok is false if the link is unset.
	GetLink(col int, row RowID) (RowID, bool)
	// GetLinkList resolves a multi-link column to its linked row ids.
	GetLinkList(col int, row RowID) []RowID
	// LinkTarget is the table a link or link-list column points into.
	LinkTarget(col int) TableRef
}

// View is the ordered result of evaluating a Query, after any configured
// sort has been applied.
type View interface {
	Size() int
	RowIndex(i int) RowID
	// OutsideVersion is the logical table version this view was computed
	// against, used to gate per-observer delivery.
	OutsideVersion() Version
	IsInSync() bool
}

// SortColumn is one (column, ascending) pair of a sort descriptor.
type SortColumn struct {
	Column    int
	Ascending bool
}

// Query is a re-runnable, table-scoped read; Sort and FindAll must be safe
// to call repeatedly against the same bound snapshot.
type Query interface {
	FindAll(ctx context.Context) (View, error)
	// Sort re-evaluates and reorders the most recently produced view. Only
	// called when a sort descriptor was configured at LiveQuery creation.
	Sort(v View, cols []SortColumn) View
	Table() TableRef
}

// ExportedQuery and ExportedView are opaque, move-only payloads produced by
// Snapshot.Export* and consumed by Snapshot.Import*. The core never
// inspects their contents; it only ever holds at most one at a time and
// passes it across the worker/owner boundary.
type ExportedQuery interface{ IsExportedQuery() }
type ExportedView interface{ IsExportedView() }

// Snapshot is a point-in-time read transaction against the storage engine.
// A worker-thread snapshot and an owner-thread snapshot are distinct
// objects that may happen to observe the same Version.
type Snapshot interface {
	CurrentVersion() Version
	ExportQuery(q Query) (ExportedQuery, error)
	ImportQuery(e ExportedQuery) (Query, error)
	ExportView(v View) (ExportedView, error)
	ImportView(e ExportedView) (View, error)
	// Close releases whatever this snapshot holds open (a database
	// transaction, a held reference, nothing at all). Idempotent. The
	// coordinator calls it once a dispatch cycle is done with a snapshot;
	// an in-memory engine with nothing to release can make it a no-op.
	Close()
}

// TableChanges is the per-commit change record for one table: which rows
// moved (an identity-preserving relocation, e.g. from compaction) and which
// rows had their content modified.
type TableChanges struct {
	Moves   map[RowID]RowID
	Changed map[RowID]struct{}
}

// Moved reports the post-move index of row, applying this table's move map
// if row appears in it.
func (tc TableChanges) Moved(row RowID) RowID {
	if tc.Moves == nil {
		return row
	}
	if to, ok := tc.Moves[row]; ok {
		return to
	}
	return row
}

// IsChanged reports whether row (already move-mapped) was modified in this
// commit.
func (tc TableChanges) IsChanged(row RowID) bool {
	if tc.Changed == nil {
		return false
	}
	_, ok := tc.Changed[row]
	return ok
}

// ChangeSummary is the coordinator-supplied, per-commit record of table
// changes, ordered by table ordinal. A table ordinal beyond len(summary)
// is always treated as "no modifications recorded" — callers must accept a
// short slice rather than require one entry per table.
type ChangeSummary []TableChanges

// For returns the TableChanges for ordinal, or the zero value (no moves, no
// changes) if ordinal is out of range.
func (cs ChangeSummary) For(ordinal int) TableChanges {
	if ordinal < 0 || ordinal >= len(cs) {
		return TableChanges{}
	}
	return cs[ordinal]
}

// HasChanges reports whether ordinal has any changed or moved rows at all,
// used to short-circuit dependency tracing over tables nothing touched.
func (cs ChangeSummary) HasChanges(ordinal int) bool {
	tc := cs.For(ordinal)
	return len(tc.Changed) > 0 || len(tc.Moves) > 0
}

// ResultHandle is the user-facing, thread-confined handle a LiveQuery
// delivers views into. It is deliberately small: the core only ever sets
// the view and asks whether background refreshes are wanted at all when
// there are no observers yet.
type ResultHandle struct {
	// WantsBackgroundUpdates reports whether Run should execute the query
	// even when no observer has been registered yet (a client that only
	// ever pulls results, rather than subscribing to pushes).
	WantsBackgroundUpdates func() bool
	// SetView installs the newly delivered view, replacing whatever was
	// previously installed. Called only from the owning context.
	SetView func(View)
}
