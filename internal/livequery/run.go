package livequery

import (
	"context"
	"fmt"

	"github.com/zoravur/livequery/internal/storage"
)

// Run re-executes the query against the currently bound snapshot. Worker
// thread only, called once per commit before PrepareHandover. See
// spec.md §4.2.
func (lq *LiveQuery) Run(ctx context.Context, changes storage.ChangeSummary) error {
	return lq.run(ctx, changes, false)
}

// ForceRun behaves like Run but skips the "did this commit touch anything
// we care about" pre-check, unconditionally re-evaluating the query. The
// coordinator uses this to catch a LiveQuery up when it gains its first
// observer after being idle (spec.md §4.1): there is no commit-scoped
// ChangeSummary to consult in that case, only "something might have
// happened while nobody was watching." Because changes is nil here,
// rowContentChanged's per-row content check never fires — a forced run
// only detects row-set and position changes, not an in-place content edit
// that left the row in the same place while idle. See DESIGN.md.
func (lq *LiveQuery) ForceRun(ctx context.Context) error {
	return lq.run(ctx, nil, true)
}

func (lq *LiveQuery) run(ctx context.Context, changes storage.ChangeSummary, force bool) error {
	if lq.state != stateAttached {
		panic("livequery: Run called while not attached")
	}
	if lq.view != nil {
		panic("livequery: Run called with a view already outstanding")
	}

	if _, proceed := lq.targetGate(); !proceed {
		return nil
	}

	tableOrd := lq.query.Table().Ordinal()

	// Fast path supplementing the original's commented-out optimization
	// (async_query.cpp run(), guarded out with //): if this commit touches
	// neither our table nor any watched link path's terminal table, there
	// is nothing to discover by re-running at all.
	if !force && lq.initialRunComplete && !lq.commitMightAffectResults(tableOrd, changes) {
		return nil
	}

	view, err := lq.query.FindAll(ctx)
	if err != nil {
		lq.pendingErr = fmt.Errorf("%w: %v", ErrQueryExecution, err)
		return lq.pendingErr
	}
	if len(lq.sort) > 0 {
		view = lq.query.Sort(view, lq.sort)
	}

	changed, err := lq.resultsDidChange(view, tableOrd, changes)
	if err != nil {
		lq.pendingErr = err
		return err
	}
	if !changed {
		return nil
	}

	if lq.initialRunComplete {
		lq.newChanges = lq.calculateChanges(tableOrd, changes, view)
	}

	rows := make([]storage.RowID, view.Size())
	for i := range rows {
		rows[i] = view.RowIndex(i)
	}
	lq.view = view
	lq.handedOverRows = rows
	return nil
}

// commitMightAffectResults is a conservative pre-check: it never has false
// negatives (it may say "might affect" when nothing really changed — Run's
// full diff will then discover that and discard the view), but a "no" here
// is always safe to skip on.
func (lq *LiveQuery) commitMightAffectResults(tableOrd int, changes storage.ChangeSummary) bool {
	if changes.HasChanges(tableOrd) {
		return true
	}
	watched := lq.unionObserverPaths()
	if len(watched) == 0 {
		return false
	}
	for _, t := range terminalTables(lq.query.Table(), watched) {
		if changes.HasChanges(t.Ordinal()) {
			return true
		}
	}
	return false
}

// resultsDidChange implements spec.md §4.3.
func (lq *LiveQuery) resultsDidChange(view storage.View, tableOrd int, changes storage.ChangeSummary) (bool, error) {
	if !lq.initialRunComplete {
		return true, nil
	}
	if view.Size() != len(lq.handedOverRows) {
		return true, nil
	}

	tc := changes.For(tableOrd)
	for i := 0; i < view.Size(); i++ {
		idx := tc.Moved(view.RowIndex(i))
		if idx != lq.handedOverRows[i] {
			return true, nil
		}
		if tc.IsChanged(idx) {
			return true, nil
		}
	}

	watched := lq.unionObserverPaths()
	if len(watched) == 0 {
		return false, nil
	}

	anyTerminalChanged := false
	for _, t := range terminalTables(lq.query.Table(), watched) {
		if changes.HasChanges(t.Ordinal()) {
			anyTerminalChanged = true
			break
		}
	}
	if !anyTerminalChanged {
		return false, nil
	}

	table := lq.query.Table()
	for i := 0; i < view.Size(); i++ {
		idx := view.RowIndex(i)
		for _, path := range watched {
			if checkPath(table, idx, path, 0, changes) {
				return true, nil
			}
		}
	}
	return false, nil
}

// unionObserverPaths collects the set of distinct column paths declared by
// all observers, under cbMu.
func (lq *LiveQuery) unionObserverPaths() [][]int {
	lq.cbMu.Lock()
	defer lq.cbMu.Unlock()
	if len(lq.observers) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var out [][]int
	for _, o := range lq.observers {
		for _, p := range o.paths {
			key := pathKey(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func pathKey(path []int) string {
	b := make([]byte, 0, len(path)*4)
	for _, c := range path {
		b = append(b, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
	}
	return string(b)
}
