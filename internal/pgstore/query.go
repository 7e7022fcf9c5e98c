package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoravur/livequery/internal/storage"
	"github.com/zoravur/livequery/pkg/pg_lineage"
)

// View is the ordered result of a Query, implementing storage.View.
type View struct {
	schema  *tableSchema
	rows    []storage.RowID
	outside storage.Version
	inSync  bool
}

func (v *View) Size() int                      { return len(v.rows) }
func (v *View) RowIndex(i int) storage.RowID    { return v.rows[i] }
func (v *View) OutsideVersion() storage.Version { return v.outside }
func (v *View) IsInSync() bool                  { return v.inSync }

// Query is a table-scoped, optionally filtered read against one Snapshot's
// pinned worker transaction, implementing storage.Query. Grounded on the
// teacher's handleEditableQuery (internal/api/handlers.go): the same
// rows.Columns()/rows.Scan shape, generalized from building edit handles to
// building plain RowID lists.
type Query struct {
	snap   *Snapshot
	schema *tableSchema
	where  string
	args   []any
}

// NewQuery binds a query to table within snap. where is an optional SQL
// boolean expression over table's real column names (no leading WHERE;
// empty selects every row); args are its positional parameters. where
// arrives as free text from internal/api's subscribe protocol, so it is
// parsed and checked with pkg/pg_lineage.ValidateWhereColumns before ever
// being concatenated into a query — it may reference only this table's own
// real columns, and may not contain a subquery or a second statement.
func NewQuery(snap *Snapshot, table string, where string, args ...any) (*Query, error) {
	ts, ok := snap.cat.schemaByQualified(table)
	if !ok {
		return nil, fmt.Errorf("pgstore: unknown table %q", table)
	}
	if err := pg_lineage.ValidateWhereColumns(ts.qualified, where, lineageCatalog{schema: ts}); err != nil {
		return nil, fmt.Errorf("pgstore: invalid where clause: %w", err)
	}
	return &Query{snap: snap, schema: ts, where: where, args: args}, nil
}

// lineageCatalog adapts one tableSchema to pg_lineage.Catalog, exposing
// only real columns (never the synthetic ColumnLinkList columns catalog.go
// appends, which are not real SQL columns a WHERE clause could reference).
type lineageCatalog struct{ schema *tableSchema }

func (c lineageCatalog) Columns(qualified string) ([]string, bool) {
	if qualified != c.schema.qualified {
		return nil, false
	}
	var cols []string
	for _, col := range c.schema.columns {
		if col.typ == storage.ColumnLinkList {
			continue
		}
		cols = append(cols, col.name)
	}
	return cols, true
}

func (c lineageCatalog) PrimaryKeys(qualified string) ([]string, bool) {
	if qualified != c.schema.qualified {
		return nil, false
	}
	return []string{c.schema.pkColumn}, true
}

func (q *Query) Table() storage.TableRef {
	return &tableRef{schema: q.schema, tx: q.snap.workerTx, cat: q.snap.cat}
}

func (q *Query) FindAll(ctx context.Context) (storage.View, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s`, quoteIdent(q.schema.pkColumn), quoteQualified(q.schema.qualified))
	if q.where != "" {
		sql += " WHERE " + q.where
	}
	sql += fmt.Sprintf(" ORDER BY %s", quoteIdent(q.schema.pkColumn))
	rows, err := q.snap.workerTx.QueryContext(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find all %s: %w", q.schema.qualified, err)
	}
	defer rows.Close()
	var ids []storage.RowID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: scan %s: %w", q.schema.qualified, err)
		}
		ids = append(ids, storage.RowID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: find all %s: %w", q.schema.qualified, err)
	}
	return &View{schema: q.schema, rows: ids, outside: q.snap.version, inSync: true}, nil
}

// Sort re-runs the query with an ORDER BY built from cols, letting Postgres
// itself do the ordering rather than re-sorting Go-side values pulled out
// of the database a second time — the column's real collation and NULL
// ordering are Postgres's to define, not this adapter's.
func (q *Query) Sort(v storage.View, cols []storage.SortColumn) storage.View {
	pv := v.(*View)
	var order []string
	for _, c := range cols {
		col := q.schema.columns[c.Column]
		dir := "ASC"
		if !c.Ascending {
			dir = "DESC"
		}
		order = append(order, quoteIdent(col.name)+" "+dir)
	}
	order = append(order, quoteIdent(q.schema.pkColumn)+" ASC")

	sql := fmt.Sprintf(`SELECT %s FROM %s`, quoteIdent(q.schema.pkColumn), quoteQualified(q.schema.qualified))
	if q.where != "" {
		sql += " WHERE " + q.where
	}
	sql += " ORDER BY " + strings.Join(order, ", ")

	rows, err := q.snap.workerTx.Query(sql, q.args...)
	if err != nil {
		return pv
	}
	defer rows.Close()
	var ids []storage.RowID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return pv
		}
		ids = append(ids, storage.RowID(id))
	}
	if err := rows.Err(); err != nil {
		return pv
	}
	return &View{schema: q.schema, rows: ids, outside: pv.outside, inSync: pv.inSync}
}
