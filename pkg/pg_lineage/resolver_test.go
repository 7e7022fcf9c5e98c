package pg_lineage

import "testing"

type stubCatalog struct{ cols map[string][]string }

func (s stubCatalog) Columns(qualified string) ([]string, bool) {
	v, ok := s.cols[qualified]
	return v, ok
}

func (s stubCatalog) PrimaryKeys(qualified string) ([]string, bool) {
	return nil, false
}

var booksCatalog = stubCatalog{cols: map[string][]string{
	"books": {"id", "title", "author_id"},
}}

func TestValidateWhereColumnsAcceptsKnownColumns(t *testing.T) {
	cases := []string{
		"",
		"title = 'Dune'",
		"author_id = $1 AND title LIKE 'A%'",
		"books.title = 'Dune'",
		"id > 3 OR id < 1",
	}
	for _, where := range cases {
		if err := ValidateWhereColumns("books", where, booksCatalog); err != nil {
			t.Errorf("where %q: unexpected error: %v", where, err)
		}
	}
}

func TestValidateWhereColumnsRejectsUnknownColumn(t *testing.T) {
	err := ValidateWhereColumns("books", "nonexistent = 1", booksCatalog)
	if err == nil {
		t.Fatal("expected an error for an unknown column")
	}
}

func TestValidateWhereColumnsRejectsForeignTableQualifier(t *testing.T) {
	err := ValidateWhereColumns("books", "authors.name = 'Alice'", booksCatalog)
	if err == nil {
		t.Fatal("expected an error for a predicate qualified by a table other than the query's own")
	}
}

func TestValidateWhereColumnsRejectsSubquery(t *testing.T) {
	err := ValidateWhereColumns("books", "id IN (SELECT id FROM books)", booksCatalog)
	if err == nil {
		t.Fatal("expected an error for a subquery predicate")
	}
}

func TestValidateWhereColumnsRejectsStackedStatements(t *testing.T) {
	err := ValidateWhereColumns("books", "1=1; DROP TABLE books", booksCatalog)
	if err == nil {
		t.Fatal("expected an error for a stacked statement")
	}
}

func TestValidateWhereColumnsRejectsUnknownTable(t *testing.T) {
	err := ValidateWhereColumns("ghosts", "id = 1", booksCatalog)
	if err == nil {
		t.Fatal("expected an error for a table missing from the catalog")
	}
}
