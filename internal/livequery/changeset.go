package livequery

import (
	"sort"

	"github.com/zoravur/livequery/internal/storage"
)

// idxPos pairs a row identity with its position in a row sequence, so the
// sequence can be sorted by identity for a merge-diff while remembering
// where each row actually sits.
type idxPos struct {
	idx storage.RowID
	pos int
}

// calculateChanges computes the changeset between the previously
// handed-over rows and the newly evaluated view, by sorting both by row
// identity and merge-walking them — the same stable-sort-merge approach as
// async_query.cpp's calculate_changes/do_calculate_changes. Ported into Go
// with the merge itself unchanged; only the in-place-modification test is
// adapted to use observer-declared link paths instead of a blanket
// all-columns link walk.
func (lq *LiveQuery) calculateChanges(tableOrd int, changes storage.ChangeSummary, view storage.View) []Change {
	tc := changes.For(tableOrd)
	watched := lq.unionObserverPaths()
	table := lq.query.Table()

	oldRows := make([]idxPos, len(lq.handedOverRows))
	for i, id := range lq.handedOverRows {
		oldRows[i] = idxPos{id, i}
	}
	sort.SliceStable(oldRows, func(i, j int) bool { return oldRows[i].idx < oldRows[j].idx })

	newRows := make([]idxPos, view.Size())
	for i := 0; i < view.Size(); i++ {
		newRows[i] = idxPos{tc.Moved(view.RowIndex(i)), i}
	}
	sort.SliceStable(newRows, func(i, j int) bool { return newRows[i].idx < newRows[j].idx })

	var out []Change
	i, j, shift := 0, 0, 0
	for i < len(oldRows) && j < len(newRows) {
		o, n := oldRows[i], newRows[j]
		switch {
		case o.idx == n.idx:
			if o.pos != n.pos+shift {
				out = append(out, Change{Position(o.pos), Position(n.pos + shift)})
			} else if rowContentChanged(table, o.idx, tc, watched, changes) {
				out = append(out, Change{Position(o.pos), Position(o.pos)})
			}
			i++
			j++
		case o.idx < n.idx:
			out = append(out, Change{Position(o.pos), AbsentPosition})
			shift++
			i++
		default:
			out = append(out, Change{AbsentPosition, Position(n.pos)})
			shift--
			j++
		}
	}
	for ; i < len(oldRows); i++ {
		out = append(out, Change{Position(oldRows[i].pos), AbsentPosition})
	}
	for ; j < len(newRows); j++ {
		out = append(out, Change{AbsentPosition, Position(newRows[j].pos)})
	}
	return out
}

// rowContentChanged reports whether row itself changed in this commit, or
// is reachable via any observer-declared link path from a row that did.
func rowContentChanged(table storage.TableRef, row storage.RowID, tc storage.TableChanges, watched [][]int, changes storage.ChangeSummary) bool {
	if tc.IsChanged(row) {
		return true
	}
	for _, p := range watched {
		if checkPath(table, row, p, 0, changes) {
			return true
		}
	}
	return false
}
