package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/library"
	"github.com/quillon/shelfd/internal/task"
)

// Metadata enriches a freshly ingested book from the metadata provider,
// optionally embeds the fields (and a fetched cover) into the file, and
// chains the CONVERT and ORGANIZE stages.
type Metadata struct {
	cfg      *config.C
	store    *library.Store
	queue    *task.Queue
	provider MetadataProvider
	covers   CoverFetcher
}

func NewMetadata(cfg *config.C, store *library.Store, queue *task.Queue, provider MetadataProvider, covers CoverFetcher) *Metadata {
	return &Metadata{cfg: cfg, store: store, queue: queue, provider: provider, covers: covers}
}

func (s *Metadata) Process(ctx context.Context, payload task.Payload) error {
	p, ok := payload.(*task.BookPayload)
	if !ok {
		log.WithFields(log.Fields{"payload": payload}).Warning("Metadata task with unexpected payload")
		return nil
	}
	b, err := s.store.ByID(p.BookID)
	if errors.Is(err, library.ErrNotFound) {
		log.WithFields(log.Fields{"book_id": p.BookID}).Warning("Metadata task for non-existent book")
		return nil
	}
	if err != nil {
		return err
	}
	flog := log.WithFields(log.Fields{"book_id": b.ID, "title": b.Title})

	fields, err := s.provider.Metadata(b)
	if err != nil {
		return errors.Wrapf(err, "metadata lookup for %q", b.FilePath)
	}
	if fields == nil {
		flog.Debug("No metadata found")
	}

	if applyFields(b, fields) {
		b.MarkUpdated()
		if err := s.store.Update(b); err != nil {
			return err
		}
		flog.Info("Metadata updated")
	}

	if s.cfg.EmbedMetadata && len(fields) > 0 {
		var cover []byte
		if url := fields["cover_path"]; url != "" {
			cover, err = s.covers.Fetch(ctx, url)
			if err != nil {
				// Embed without the cover.
				flog.WithFields(log.Fields{"error": err}).Warning("Cover fetch failed")
				cover = nil
			}
		}
		if err := s.provider.Embed(b.FilePath, fields, cover); err != nil {
			return errors.Wrapf(err, "embed metadata into %q", b.FilePath)
		}
		flog.Debug("Metadata embedded")
	}

	if _, err := s.queue.Enqueue(task.TypeConvert, &task.BookPayload{BookID: b.ID}); err != nil {
		return err
	}
	if s.cfg.OrganizeLibrary {
		if _, err := s.queue.Enqueue(task.TypeOrganize, &task.BookPayload{BookID: b.ID}); err != nil {
			return err
		}
	}
	return nil
}

// applyFields merges recognized provider fields that differ from current
// values onto the book. Unrecognized fields are ignored. Reports whether
// anything changed.
func applyFields(b *library.Book, fields map[string]string) bool {
	changed := false
	set := func(dst *string, val string) {
		if val != "" && *dst != val {
			*dst = val
			changed = true
		}
	}
	set(&b.Title, fields["title"])
	set(&b.Author, fields["author"])
	set(&b.Series, fields["series"])
	set(&b.Language, fields["language"])
	set(&b.Genre, fields["genre"])
	set(&b.ISBN, fields["isbn"])
	if v := fields["series_index"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n != b.SeriesIndex {
			b.SeriesIndex = n
			changed = true
		}
	}
	if v := fields["publication_date"]; v != "" {
		if d, ok := parseDate(v); ok && !d.Equal(b.PublicationDate) {
			b.PublicationDate = d
			changed = true
		}
	}
	return changed
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if d, err := time.Parse(layout, v); err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}
