// Package fixtures generates randomized Author/Book rows for tests and
// demos, adapted from the teacher's pkg/fixgres_demo User{ID,Email,Name}
// single-entity fixture into a two-table, one-column-FK shape so
// link/link-list dependency-path tests have something concrete to walk.
package fixtures

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	faker "github.com/go-faker/faker/v4"

	"github.com/zoravur/livequery/pkg/prng"
)

// Author mirrors the authors table.
type Author struct {
	ID   int64  `db:"id,pk,autoinc" faker:"-"`
	Name string `db:"name" faker:"name"`
}

func (Author) TableName() string { return "authors" }

// Book mirrors the books table. AuthorID is set by the generator, not by
// faker, since it must reference a row that actually exists.
type Book struct {
	ID       int64  `db:"id,pk,autoinc" faker:"-"`
	Title    string `db:"title" faker:"sentence"`
	AuthorID int64  `db:"author_id" faker:"-"`
}

func (Book) TableName() string { return "books" }

// Generator produces deterministic Author/Book values from a seeded source,
// the same faker.SetCryptoSource(seeded-math/rand) technique
// cmd/faker_test exercised, generalized from a single global call into a
// reusable, per-Generator seed. The seeded source is still installed into
// faker's package-level state on every call, so Generators used from
// several goroutines at once are not isolated from each other.
type Generator struct {
	seed int64
}

// NewGenerator returns a Generator whose output is a pure function of seed:
// two Generators built from the same seed produce byte-identical rows.
func NewGenerator(seed int64) *Generator {
	return &Generator{seed: seed}
}

func (g *Generator) source() io.Reader {
	return prng.New(g.seed)
}

// Author generates one Author. It replaces faker's global crypto source
// with a fresh source for g's seed and does not restore the previous one
// afterwards; concurrent calls from different Generators share that global
// state (faker.SetCryptoSource mutates global state).
func (g *Generator) Author() (Author, error) {
	faker.SetCryptoSource(g.source())
	var a Author
	if err := faker.FakeData(&a); err != nil {
		return Author{}, fmt.Errorf("fixtures: generate author: %w", err)
	}
	return a, nil
}

// Book generates one Book attributed to authorID.
func (g *Generator) Book(authorID int64) (Book, error) {
	faker.SetCryptoSource(g.source())
	var b Book
	if err := faker.FakeData(&b); err != nil {
		return Book{}, fmt.Errorf("fixtures: generate book: %w", err)
	}
	b.AuthorID = authorID
	return b, nil
}

// InsertAuthor inserts a into db and returns its assigned id.
func InsertAuthor(ctx context.Context, db *sql.DB, a Author) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `INSERT INTO authors (name) VALUES ($1) RETURNING id`, a.Name).Scan(&id)
	return id, err
}

// InsertBook inserts b into db and returns its assigned id.
func InsertBook(ctx context.Context, db *sql.DB, b Book) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO books (title, author_id) VALUES ($1, $2) RETURNING id`, b.Title, b.AuthorID).Scan(&id)
	return id, err
}

// Seed seeds an author plus n books by that author into db, returning the
// author id and the book ids in insertion order.
func Seed(ctx context.Context, db *sql.DB, g *Generator, books int) (authorID int64, bookIDs []int64, err error) {
	a, err := g.Author()
	if err != nil {
		return 0, nil, err
	}
	authorID, err = InsertAuthor(ctx, db, a)
	if err != nil {
		return 0, nil, err
	}
	for i := 0; i < books; i++ {
		b, err := g.Book(authorID)
		if err != nil {
			return authorID, bookIDs, err
		}
		id, err := InsertBook(ctx, db, b)
		if err != nil {
			return authorID, bookIDs, err
		}
		bookIDs = append(bookIDs, id)
	}
	return authorID, bookIDs, nil
}
