package pgstore_test

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zoravur/livequery/internal/pgstore"
	"github.com/zoravur/livequery/internal/storage"
	"github.com/zoravur/livequery/pkg/fixgres"
	"github.com/zoravur/livequery/pkg/fixtures"
)

//go:embed migrations/*.sql
var migrations embed.FS

func TestMain(m *testing.M) {
	sub, _ := fs.Sub(migrations, "migrations")
	fixgres.BootOnce(&testing.T{}, fixgres.WithDBName("app"), fixgres.WithGooseUp(sub))
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func TestFindAllAndLinkTraversal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	// pkg/fixgres sandboxes isolate per-test DDL under a dedicated schema,
	// but migrations land in public once at boot; both authors and books
	// are public tables shared across tests, so each test clears them
	// first to stay independent of execution order.
	_, err := sbx.DB.ExecContext(ctx, `TRUNCATE books, authors RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	var aliceID int64
	require.NoError(t, sbx.DB.QueryRowContext(ctx,
		`INSERT INTO authors (name) VALUES ($1) RETURNING id`, "Alice").Scan(&aliceID))
	var bookID int64
	require.NoError(t, sbx.DB.QueryRowContext(ctx,
		`INSERT INTO books (title, author_id) VALUES ($1, $2) RETURNING id`, "Book A", aliceID).Scan(&bookID))

	conn, err := pgstore.NewConnector(ctx, sbx.DB)
	require.NoError(t, err)

	snap, err := conn.NewSnapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	q, err := pgstore.NewQuery(snap, "books", "")
	require.NoError(t, err)

	view, err := q.FindAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, view.Size())
	require.Equal(t, storage.RowID(bookID), view.RowIndex(0))

	ref := q.Table()
	require.Equal(t, 3, ref.ColumnCount(), "books: id, title, author_id")
	require.Equal(t, storage.ColumnLink, ref.ColumnType(2))

	linked, ok := ref.GetLink(2, storage.RowID(bookID))
	require.True(t, ok)
	require.Equal(t, storage.RowID(aliceID), linked)

	authorsRef := ref.LinkTarget(2)
	require.Equal(t, 3, authorsRef.ColumnCount(), "authors: id, name + synthetic books_via_author_id link-list")
	require.Equal(t, storage.ColumnLinkList, authorsRef.ColumnType(2))

	books := authorsRef.GetLinkList(2, storage.RowID(aliceID))
	require.Equal(t, []storage.RowID{storage.RowID(bookID)}, books)
}

func TestSortPushesOrderByToPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	_, err := sbx.DB.ExecContext(ctx, `TRUNCATE books, authors RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	var aliceID int64
	require.NoError(t, sbx.DB.QueryRowContext(ctx,
		`INSERT INTO authors (name) VALUES ($1) RETURNING id`, "Alice").Scan(&aliceID))

	var idZ, idA int64
	require.NoError(t, sbx.DB.QueryRowContext(ctx,
		`INSERT INTO books (title, author_id) VALUES ($1, $2) RETURNING id`, "Zebra", aliceID).Scan(&idZ))
	require.NoError(t, sbx.DB.QueryRowContext(ctx,
		`INSERT INTO books (title, author_id) VALUES ($1, $2) RETURNING id`, "Apple", aliceID).Scan(&idA))

	conn, err := pgstore.NewConnector(ctx, sbx.DB)
	require.NoError(t, err)

	snap, err := conn.NewSnapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	q, err := pgstore.NewQuery(snap, "books", "")
	require.NoError(t, err)

	view, err := q.FindAll(ctx)
	require.NoError(t, err)

	sorted := q.Sort(view, []storage.SortColumn{{Column: 1, Ascending: true}}) // title
	require.Equal(t, 2, sorted.Size())
	require.Equal(t, storage.RowID(idA), sorted.RowIndex(0))
	require.Equal(t, storage.RowID(idZ), sorted.RowIndex(1))
}

func TestExportImportQueryAndView(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	_, err := sbx.DB.ExecContext(ctx, `TRUNCATE books, authors RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	var aliceID int64
	require.NoError(t, sbx.DB.QueryRowContext(ctx,
		`INSERT INTO authors (name) VALUES ($1) RETURNING id`, "Alice").Scan(&aliceID))

	conn, err := pgstore.NewConnector(ctx, sbx.DB)
	require.NoError(t, err)

	snap, err := conn.NewSnapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	q, err := pgstore.NewQuery(snap, "authors", "")
	require.NoError(t, err)

	eq, err := snap.ExportQuery(q)
	require.NoError(t, err)
	q2, err := snap.ImportQuery(eq)
	require.NoError(t, err)

	view, err := q2.FindAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, view.Size())

	ev, err := snap.ExportView(view)
	require.NoError(t, err)
	view2, err := snap.ImportView(ev)
	require.NoError(t, err)
	require.Equal(t, view.Size(), view2.Size())
	require.Equal(t, view.RowIndex(0), view2.RowIndex(0))
}

// TestFindAllOverSeededFixtures exercises pkg/fixtures against a real
// connection rather than literal SQL, checking that a query rooted at
// books sees exactly the rows fixtures.Seed produced and that every book's
// link traverses back to the one seeded author.
func TestFindAllOverSeededFixtures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	_, err := sbx.DB.ExecContext(ctx, `TRUNCATE books, authors RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	gen := fixtures.NewGenerator(42)
	authorID, bookIDs, err := fixtures.Seed(ctx, sbx.DB, gen, 5)
	require.NoError(t, err)
	require.Len(t, bookIDs, 5)

	conn, err := pgstore.NewConnector(ctx, sbx.DB)
	require.NoError(t, err)

	snap, err := conn.NewSnapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	q, err := pgstore.NewQuery(snap, "books", "")
	require.NoError(t, err)
	view, err := q.FindAll(ctx)
	require.NoError(t, err)
	require.Equal(t, len(bookIDs), view.Size())

	ref := q.Table()
	for i := 0; i < view.Size(); i++ {
		row := view.RowIndex(i)
		linked, ok := ref.GetLink(2, row)
		require.True(t, ok)
		require.Equal(t, storage.RowID(authorID), linked)
	}
}

// TestNewQueryRejectsInvalidWhereClause checks that a free-text predicate
// referencing an unknown column, a foreign table, or a subquery is rejected
// before it ever reaches a real SELECT.
func TestNewQueryRejectsInvalidWhereClause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	conn, err := pgstore.NewConnector(ctx, sbx.DB)
	require.NoError(t, err)

	snap, err := conn.NewSnapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	_, err = pgstore.NewQuery(snap, "books", "title = $1")
	require.NoError(t, err)

	_, err = pgstore.NewQuery(snap, "books", "nonexistent_column = $1")
	require.Error(t, err)

	_, err = pgstore.NewQuery(snap, "books", "authors.name = $1")
	require.Error(t, err)

	_, err = pgstore.NewQuery(snap, "books", "id IN (SELECT id FROM books)")
	require.Error(t, err)
}
