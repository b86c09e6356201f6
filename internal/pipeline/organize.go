package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/library"
	"github.com/quillon/shelfd/internal/organize"
	"github.com/quillon/shelfd/internal/task"
)

// Organize moves a book to its canonical location and commits the new
// path. It heals the zombie state left by a crash between a completed
// move and the book-record update.
type Organize struct {
	cfg       *config.C
	store     *library.Store
	organizer *organize.Organizer
}

func NewOrganize(cfg *config.C, store *library.Store, organizer *organize.Organizer) *Organize {
	return &Organize{cfg: cfg, store: store, organizer: organizer}
}

func (s *Organize) Process(ctx context.Context, payload task.Payload) error {
	const method = "Organize.Process"
	if !s.cfg.OrganizeLibrary {
		return nil
	}
	p, ok := payload.(*task.BookPayload)
	if !ok {
		log.WithFields(log.Fields{"payload": payload}).Warning("Organize task with unexpected payload")
		return nil
	}
	b, err := s.store.ByID(p.BookID)
	if errors.Is(err, library.ErrNotFound) {
		log.WithFields(log.Fields{"book_id": p.BookID}).Warning("Organize task for non-existent book")
		return nil
	}
	if err != nil {
		return err
	}
	flog := log.WithFields(log.Fields{"book_id": b.ID, "title": b.Title, "current_path": b.FilePath})

	current, expected := s.organizer.Paths(b)
	if !fileExists(current) {
		flog.WithFields(log.Fields{"expected_path": expected}).Warning("Source file missing, attempting recovery")
		if fileExists(expected) {
			targetHash, err := library.FileHash(expected)
			switch {
			case err != nil:
				flog.WithFields(log.Fields{"error": err}).Error("Recovery failed: error verifying target file")
			case targetHash == b.FileHash:
				// The move succeeded before a crash; only the record
				// is stale.
				flog.WithFields(log.Fields{"path": expected}).Info("Recovery successful: found valid file at target path")
				b.FilePath = expected
				b.MarkUpdated()
				return s.store.Update(b)
			default:
				flog.Error("Recovery failed: hash mismatch at target path")
			}
		}
		return errorf(method, "source file %q not found", current)
	}

	newPath, err := s.organizer.Organize(b)
	if err != nil {
		return err
	}
	if newPath == "" {
		flog.Debug("Book already organized")
		return nil
	}
	b.FilePath = newPath
	b.MarkUpdated()
	if err := s.store.Update(b); err != nil {
		return err
	}
	flog.WithFields(log.Fields{"new_path": newPath}).Info("Organization completed")
	return nil
}
