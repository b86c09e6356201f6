package library

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const bookSchema = `
CREATE TABLE IF NOT EXISTS book (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	author TEXT,
	series TEXT,
	series_index INTEGER,
	language TEXT,
	genre TEXT,
	publication_date INTEGER,
	isbn TEXT,
	file_path TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	file_format TEXT NOT NULL,
	kepub_path TEXT,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER,
	updated_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS book_by_content ON book (file_hash, file_size);
CREATE INDEX IF NOT EXISTS book_by_path ON book (file_path);
`

const bookColumns = `id, title, author, series, series_index, language, genre,
publication_date, isbn, file_path, file_hash, file_size, file_format,
kepub_path, is_deleted, deleted_at, updated_at, created_at`

// Store persists books in the shared relational database. All methods run
// short single-statement transactions; the database handle is shared with
// the task queue.
type Store struct {
	db *sql.DB
}

// NewStore ensures the book table exists and returns a store over db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(bookSchema); err != nil {
		return nil, errors.Wrap(err, "create book table")
	}
	return &Store{db: db}, nil
}

// Insert stores a new book.
func (s *Store) Insert(b *Book) error {
	_, err := s.db.Exec(`INSERT INTO book (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.Title,
		nullString(b.Author), nullString(b.Series), nullInt(b.SeriesIndex),
		nullString(b.Language), nullString(b.Genre), nullTime(b.PublicationDate),
		nullString(b.ISBN),
		b.FilePath, b.FileHash, b.FileSize, b.FileFormat,
		nullString(b.KepubPath),
		boolInt(b.IsDeleted), nullTime(b.DeletedAt),
		b.UpdatedAt.UnixNano(), b.CreatedAt.UnixNano())
	return errors.Wrapf(err, "insert book %v", b.ID)
}

// Update rewrites all mutable columns of an existing book.
func (s *Store) Update(b *Book) error {
	res, err := s.db.Exec(`UPDATE book SET
		title = ?, author = ?, series = ?, series_index = ?, language = ?,
		genre = ?, publication_date = ?, isbn = ?,
		file_path = ?, file_hash = ?, file_size = ?, file_format = ?,
		kepub_path = ?, is_deleted = ?, deleted_at = ?, updated_at = ?
		WHERE id = ?`,
		b.Title,
		nullString(b.Author), nullString(b.Series), nullInt(b.SeriesIndex),
		nullString(b.Language), nullString(b.Genre), nullTime(b.PublicationDate),
		nullString(b.ISBN),
		b.FilePath, b.FileHash, b.FileSize, b.FileFormat,
		nullString(b.KepubPath),
		boolInt(b.IsDeleted), nullTime(b.DeletedAt), b.UpdatedAt.UnixNano(),
		b.ID.String())
	if err != nil {
		return errors.Wrapf(err, "update book %v", b.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "update book %v", b.ID)
	}
	return nil
}

// ByID returns the book with the given id, deleted or not.
func (s *Store) ByID(id uuid.UUID) (*Book, error) {
	row := s.db.QueryRow(`SELECT `+bookColumns+` FROM book WHERE id = ?`, id.String())
	return scanBook(row)
}

// ByContent returns the non-deleted book matching the content key
// (file_hash, file_size).
func (s *Store) ByContent(hash string, size int64) (*Book, error) {
	row := s.db.QueryRow(`SELECT `+bookColumns+` FROM book
		WHERE file_hash = ? AND file_size = ? AND is_deleted = 0`, hash, size)
	return scanBook(row)
}

// ByPath returns the book recorded at the given path. Soft-deleted books
// are included so that ingest can restore them.
func (s *Store) ByPath(path string) (*Book, error) {
	row := s.db.QueryRow(`SELECT `+bookColumns+` FROM book WHERE file_path = ?`, path)
	return scanBook(row)
}

func scanBook(row *sql.Row) (*Book, error) {
	var b Book
	var id string
	var author, series, language, genre, isbn, kepub sql.NullString
	var seriesIndex sql.NullInt64
	var pubDate, deletedAt sql.NullInt64
	var isDeleted int
	var updatedAt, createdAt int64
	err := row.Scan(&id, &b.Title, &author, &series, &seriesIndex, &language,
		&genre, &pubDate, &isbn, &b.FilePath, &b.FileHash, &b.FileSize,
		&b.FileFormat, &kepub, &isDeleted, &deletedAt, &updatedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan book")
	}
	b.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(err, "book id %q", id)
	}
	b.Author = author.String
	b.Series = series.String
	b.SeriesIndex = int(seriesIndex.Int64)
	b.Language = language.String
	b.Genre = genre.String
	b.ISBN = isbn.String
	b.KepubPath = kepub.String
	b.IsDeleted = isDeleted != 0
	b.PublicationDate = timeOf(pubDate)
	b.DeletedAt = timeOf(deletedAt)
	b.UpdatedAt = time.Unix(0, updatedAt).UTC()
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	return &b, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOf(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
