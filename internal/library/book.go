package library

import (
	"time"

	"github.com/google/uuid"
)

// Book represents one ebook file currently or formerly present in the
// library. The zero value of the optional fields (empty string, zero int,
// zero time) means "not set" and is stored as NULL.
type Book struct {
	ID              uuid.UUID
	Title           string
	Author          string
	Series          string
	SeriesIndex     int
	Language        string
	Genre           string
	PublicationDate time.Time
	ISBN            string

	// FilePath is the currently-authoritative location of the file.
	// FileHash and FileSize together uniquely identify content.
	FilePath   string
	FileHash   string
	FileSize   int64
	FileFormat string

	// KepubPath is the derived kepub artifact, if conversion ran.
	KepubPath string

	IsDeleted bool
	DeletedAt time.Time
	UpdatedAt time.Time
	CreatedAt time.Time
}

// NewBook returns a book for a freshly ingested file with a random id and
// both timestamps set to now.
func NewBook(title, path, hash string, size int64, format string) *Book {
	now := time.Now().UTC()
	return &Book{
		ID:         uuid.New(),
		Title:      title,
		FilePath:   path,
		FileHash:   hash,
		FileSize:   size,
		FileFormat: format,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkUpdated bumps the modification timestamp.
func (b *Book) MarkUpdated() {
	b.UpdatedAt = time.Now().UTC()
}

// MarkDeleted soft-deletes the book. The record survives so that the same
// content can be recognized if it reappears.
func (b *Book) MarkDeleted() {
	b.IsDeleted = true
	b.DeletedAt = time.Now().UTC()
	b.MarkUpdated()
}

// Restore clears a soft delete.
func (b *Book) Restore() {
	b.IsDeleted = false
	b.DeletedAt = time.Time{}
	b.MarkUpdated()
}
