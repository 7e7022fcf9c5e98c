// Package pg_lineage parses a SQL predicate with the real PostgreSQL
// grammar (via pganalyze/pg_query_go) and checks that every column it
// references actually belongs to one table, before that predicate is
// concatenated into a query. Adapted from the teacher's column-provenance
// resolver: the teacher used the same parse-the-AST-and-walk-ColumnRefs
// technique to trace a SELECT's output columns back to base tables; this
// package narrows that technique to validating a WHERE clause instead,
// which is the provenance question internal/pgstore's free-text query
// predicates actually raise.
package pg_lineage

import (
	"encoding/json"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ValidateWhereColumns parses "SELECT 1 FROM table WHERE where" and walks
// the WHERE clause, rejecting it unless every column reference resolves to
// a real column of table (per cat) and no subquery appears. An empty where
// is always valid. table is trusted internal input (a catalog-known table
// name); where is untrusted and is exactly the string a caller intends to
// concatenate into a real query, so this is the last chance to reject
// anything a SQL predicate shouldn't contain.
func ValidateWhereColumns(table, where string, cat Catalog) error {
	if strings.TrimSpace(where) == "" {
		return nil
	}

	cols, ok := cat.Columns(table)
	if !ok {
		return fmt.Errorf("pg_lineage: unknown table %q", table)
	}
	colSet := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		colSet[c] = struct{}{}
	}

	raw, err := pg_query.ParseToJSON(fmt.Sprintf("SELECT 1 FROM %s WHERE %s", table, where))
	if err != nil {
		return fmt.Errorf("pg_lineage: parse predicate: %w", err)
	}

	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return fmt.Errorf("pg_lineage: invalid parse tree: %w", err)
	}

	stmts, _ := tree["stmts"].([]any)
	if len(stmts) != 1 {
		return fmt.Errorf("pg_lineage: predicate must be a single expression, not %d statements", len(stmts))
	}
	stmt, _ := stmts[0].(map[string]any)["stmt"].(map[string]any)
	selectStmt, ok := stmt["SelectStmt"].(map[string]any)
	if !ok {
		return fmt.Errorf("pg_lineage: predicate did not parse as a WHERE expression")
	}

	whereClause, ok := selectStmt["whereClause"].(map[string]any)
	if !ok {
		return nil
	}
	return validatePredicateNode(whereClause, table, colSet)
}

// validatePredicateNode walks a parsed WHERE expression generically,
// rejecting subqueries outright and checking every ColumnRef it finds
// against colSet.
func validatePredicateNode(node map[string]any, table string, colSet map[string]struct{}) error {
	if node == nil {
		return nil
	}

	if _, ok := node["SubLink"]; ok {
		return fmt.Errorf("pg_lineage: subqueries are not allowed in a live query predicate")
	}

	if colref, ok := node["ColumnRef"].(map[string]any); ok {
		parts := extractFields(colref)
		if len(parts) == 0 {
			return nil
		}
		col := parts[len(parts)-1]
		if len(parts) > 1 {
			qualifier := strings.Join(parts[:len(parts)-1], ".")
			if qualifier != table && !strings.HasSuffix(table, "."+qualifier) {
				return fmt.Errorf("pg_lineage: predicate references table %q, expected %q", qualifier, table)
			}
		}
		if _, ok := colSet[col]; !ok {
			return fmt.Errorf("pg_lineage: predicate references unknown column %q", col)
		}
		return nil
	}

	for _, v := range node {
		switch vv := v.(type) {
		case map[string]any:
			if err := validatePredicateNode(vv, table, colSet); err != nil {
				return err
			}
		case []any:
			for _, it := range vv {
				m, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if err := validatePredicateNode(m, table, colSet); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// extractFields reads a ColumnRef node's dotted field names in order (e.g.
// ["books", "title"] for books.title).
func extractFields(colref map[string]any) []string {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return nil
	}
	var fields []string
	for _, f := range raw {
		s, ok := f.(map[string]any)["String"].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := s["sval"].(string); ok {
			fields = append(fields, v)
		} else if v, ok := s["str"].(string); ok {
			fields = append(fields, v)
		}
	}
	return fields
}
