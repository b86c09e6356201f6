package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/library"
	"github.com/quillon/shelfd/internal/task"
)

// supportedExtensions is the set of file extensions the pipeline ingests.
var supportedExtensions = map[string]bool{
	".epub":  true,
	".kepub": true,
	".pdf":   true,
	".cbz":   true,
	".cbr":   true,
	".mobi":  true,
	".azw3":  true,
}

// Ingest turns watcher ADD/DELETE events into book records and starts the
// rest of the pipeline.
type Ingest struct {
	store *library.Store
	queue *task.Queue
}

func NewIngest(store *library.Store, queue *task.Queue) *Ingest {
	return &Ingest{store: store, queue: queue}
}

func (s *Ingest) Process(ctx context.Context, payload task.Payload) error {
	p, ok := payload.(*task.IngestPayload)
	if !ok {
		log.WithFields(log.Fields{"payload": payload}).Warning("Ingest task with unexpected payload")
		return nil
	}
	if p.Path == "" {
		log.Warning("Ingest task missing path")
		return nil
	}
	switch p.Event {
	case task.EventAdd:
		return s.add(p.Path)
	case task.EventDelete:
		return s.remove(p.Path)
	default:
		log.WithFields(log.Fields{"event": p.Event, "path": p.Path}).Warning("Ingest task with unknown event")
		return nil
	}
}

func (s *Ingest) add(path string) error {
	const method = "Ingest.add"
	flog := log.WithFields(log.Fields{"path": path})

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		flog.Info("File vanished before ingest")
		return nil
	}
	if err != nil {
		return errorf(method, "stat %q: %v", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		flog.Debug("Unsupported file extension, skipping")
		return nil
	}

	hash, err := library.FileHash(path)
	if err != nil {
		return errors.Wrapf(err, "hash %q", path)
	}
	size := fi.Size()

	existing, err := s.store.ByContent(hash, size)
	switch {
	case errors.Is(err, library.ErrNotFound):
		return s.addUnknownContent(path, hash, size, ext, flog)
	case err != nil:
		return err
	}

	if existing.FilePath == path {
		// Re-ingest of a known file.
		return nil
	}
	if fileExists(existing.FilePath) {
		// Same content already tracked elsewhere; the new file is
		// redundant.
		flog.WithFields(log.Fields{"book_id": existing.ID, "original": existing.FilePath}).
			Info("Duplicate of existing book, deleting new file")
		if err := os.Remove(path); err != nil {
			return errorf(method, "delete duplicate %q: %v", path, err)
		}
		return nil
	}

	// The recorded file is gone and identical content just appeared
	// elsewhere: repair the record and re-canonicalize placement.
	flog.WithFields(log.Fields{"book_id": existing.ID, "old_path": existing.FilePath}).
		Info("Recorded file missing, self-healing to new path")
	existing.FilePath = path
	existing.MarkUpdated()
	if err := s.store.Update(existing); err != nil {
		return err
	}
	_, err = s.queue.Enqueue(task.TypeOrganize, &task.BookPayload{BookID: existing.ID})
	return err
}

// addUnknownContent handles an ADD whose content matches no live book:
// either restore a soft-deleted record at this path or create a new one.
func (s *Ingest) addUnknownContent(path, hash string, size int64, ext string, flog *log.Entry) error {
	byPath, err := s.store.ByPath(path)
	if err != nil && !errors.Is(err, library.ErrNotFound) {
		return err
	}
	if err == nil && byPath.IsDeleted {
		flog.WithFields(log.Fields{"book_id": byPath.ID}).Info("Restoring soft-deleted book")
		byPath.Restore()
		byPath.FileHash = hash
		byPath.FileSize = size
		byPath.FileFormat = strings.TrimPrefix(ext, ".")
		if err := s.store.Update(byPath); err != nil {
			return err
		}
		_, err = s.queue.Enqueue(task.TypeMetadata, &task.BookPayload{BookID: byPath.ID})
		return err
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	b := library.NewBook(title, path, hash, size, strings.TrimPrefix(ext, "."))
	if err := s.store.Insert(b); err != nil {
		return err
	}
	flog.WithFields(log.Fields{"book_id": b.ID, "title": b.Title}).Info("Ingested new book")
	_, err = s.queue.Enqueue(task.TypeMetadata, &task.BookPayload{BookID: b.ID})
	return err
}

func (s *Ingest) remove(path string) error {
	b, err := s.store.ByPath(path)
	if errors.Is(err, library.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.IsDeleted {
		return nil
	}
	b.MarkDeleted()
	log.WithFields(log.Fields{"book_id": b.ID, "path": path}).Info("Book marked deleted")
	return s.store.Update(b)
}
