package pgstore

import (
	"database/sql"
	"fmt"

	"github.com/zoravur/livequery/internal/storage"
)

// tableRef implements storage.TableRef against one tableSchema, resolving
// link and link-list columns with scoped queries against tx — always the
// snapshot's pinned transaction, never a pooled ad hoc connection, so link
// traversal during dependency tracing observes the exact same point in time
// as the rows FindAll already returned.
type tableRef struct {
	schema *tableSchema
	tx     *sql.Tx
	cat    *LinkCatalog
}

func (t *tableRef) Ordinal() int        { return t.schema.ordinal }
func (t *tableRef) ColumnCount() int     { return len(t.schema.columns) }
func (t *tableRef) ColumnType(col int) storage.ColumnType {
	return t.schema.columns[col].typ
}

// GetLink resolves a single forward foreign key column by primary key.
func (t *tableRef) GetLink(col int, row storage.RowID) (storage.RowID, bool) {
	c := t.schema.columns[col]
	if c.typ != storage.ColumnLink {
		return storage.AbsentRow, false
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
		quoteIdent(c.fkCol), quoteQualified(t.schema.qualified), quoteIdent(t.schema.pkColumn))
	var val sql.NullInt64
	if err := t.tx.QueryRow(q, int64(row)).Scan(&val); err != nil || !val.Valid {
		return storage.AbsentRow, false
	}
	return storage.RowID(val.Int64), true
}

// GetLinkList resolves a synthetic reverse-FK column: every row in the
// child table whose foreign key column points at row.
func (t *tableRef) GetLinkList(col int, row storage.RowID) []storage.RowID {
	c := t.schema.columns[col]
	if c.typ != storage.ColumnLinkList {
		return nil
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s`,
		quoteIdent(c.childPK), quoteQualified(c.childQualified), quoteIdent(c.childFKCol), quoteIdent(c.childPK))
	rows, err := t.tx.Query(q, int64(row))
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []storage.RowID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil
		}
		out = append(out, storage.RowID(id))
	}
	return out
}

func (t *tableRef) LinkTarget(col int) storage.TableRef {
	c := t.schema.columns[col]
	target, ok := t.cat.schemaByQualified(c.target)
	if !ok {
		return nil
	}
	return &tableRef{schema: target, tx: t.tx, cat: t.cat}
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func quoteQualified(qualified string) string {
	parts := splitQualified(qualified)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = quoteIdent(p)
	}
	return joinDot(out)
}

func splitQualified(qualified string) []string {
	for i := 0; i < len(qualified); i++ {
		if qualified[i] == '.' {
			return []string{qualified[:i], qualified[i+1:]}
		}
	}
	return []string{qualified}
}

func joinDot(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}
