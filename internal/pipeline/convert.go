package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/library"
	"github.com/quillon/shelfd/internal/task"
)

// Convert derives a kepub artifact for epub books and records its path.
type Convert struct {
	cfg       *config.C
	store     *library.Store
	converter Converter
}

func NewConvert(cfg *config.C, store *library.Store, converter Converter) *Convert {
	return &Convert{cfg: cfg, store: store, converter: converter}
}

func (s *Convert) Process(ctx context.Context, payload task.Payload) error {
	if !s.cfg.ConvertEPUB {
		return nil
	}
	p, ok := payload.(*task.BookPayload)
	if !ok {
		log.WithFields(log.Fields{"payload": payload}).Warning("Convert task with unexpected payload")
		return nil
	}
	b, err := s.store.ByID(p.BookID)
	if errors.Is(err, library.ErrNotFound) {
		log.WithFields(log.Fields{"book_id": p.BookID}).Warning("Convert task for non-existent book")
		return nil
	}
	if err != nil {
		return err
	}
	if b.FileFormat != "epub" {
		return nil
	}
	if b.KepubPath != "" && fileExists(b.KepubPath) {
		// Already converted.
		return nil
	}

	derived, err := s.converter.Convert(ctx, b.FilePath)
	if err != nil {
		return errors.Wrapf(err, "convert %q", b.FilePath)
	}
	b.KepubPath = derived
	b.MarkUpdated()
	if err := s.store.Update(b); err != nil {
		return err
	}
	log.WithFields(log.Fields{"book_id": b.ID, "kepub_path": derived}).Info("Converted book")
	return nil
}
