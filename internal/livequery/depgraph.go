package livequery

import "github.com/zoravur/livequery/internal/storage"

// maxPathDepth bounds link-path recursion so a cycle in the link graph
// cannot cause unbounded recursion. Per spec.md §4.4 this is a small fixed
// constant; exceeding it yields false (an acceptable under-approximation,
// never an over-notification).
const maxPathDepth = 16

// checkPath walks path starting at (table, row) from position pos, and
// reports whether it reaches a row that changed in this commit. See
// spec.md §4.4.
func checkPath(table storage.TableRef, row storage.RowID, path []int, pos int, changes storage.ChangeSummary) bool {
	if pos >= len(path) || pos >= maxPathDepth {
		return false
	}
	col := path[pos]
	if col < 0 || col >= table.ColumnCount() {
		return false
	}
	target := table.LinkTarget(col)
	if target == nil {
		return false
	}
	tc := changes.For(target.Ordinal())

	switch table.ColumnType(col) {
	case storage.ColumnLink:
		dst, ok := table.GetLink(col, row)
		if !ok {
			return false
		}
		dst = tc.Moved(dst)
		if tc.IsChanged(dst) {
			return true
		}
		return checkPath(target, dst, path, pos+1, changes)

	case storage.ColumnLinkList:
		for _, raw := range table.GetLinkList(col, row) {
			dst := tc.Moved(raw)
			if tc.IsChanged(dst) {
				return true
			}
			if checkPath(target, dst, path, pos+1, changes) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// terminalTables returns the set of tables reached by any prefix of any
// declared path, rooted at root. This is the coarse pre-check set: if none
// of these tables has any changed rows, no path walk can possibly find one
// (no false negatives), so the expensive per-row walk can be skipped.
func terminalTables(root storage.TableRef, paths [][]int) []storage.TableRef {
	seen := make(map[int]storage.TableRef)
	for _, path := range paths {
		t := root
		for _, col := range path {
			if col < 0 || col >= t.ColumnCount() {
				break
			}
			next := t.LinkTarget(col)
			if next == nil {
				break
			}
			seen[next.Ordinal()] = next
			t = next
		}
	}
	out := make([]storage.TableRef, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	return out
}
