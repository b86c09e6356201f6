package organize

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/library"
)

const maxUniqueAttempts = 1000

// Organizer computes canonical library locations for books and moves
// files there, deduplicating by content hash on collision.
type Organizer struct {
	root     string
	template Template
	enabled  bool
}

func New(cfg *config.C) *Organizer {
	return &Organizer{
		root:     cfg.LibraryRoot(),
		template: NewTemplate(cfg.OrganizeTemplate),
		enabled:  cfg.OrganizeLibrary,
	}
}

// Paths returns the book's current location and the target the template
// dictates: root / rendered template / sanitized basename.
func (o *Organizer) Paths(b *library.Book) (current, target string) {
	vars := map[string]string{
		"author":   b.Author,
		"title":    b.Title,
		"series":   b.Series,
		"language": b.Language,
		"genre":    b.Genre,
	}
	if vars["author"] == "" {
		vars["author"] = "Unknown Author"
	}
	if b.SeriesIndex > 0 {
		vars["series_index"] = fmt.Sprintf("%02d", b.SeriesIndex)
	}
	if !b.PublicationDate.IsZero() {
		vars["year"] = fmt.Sprintf("%04d", b.PublicationDate.Year())
	}
	current = b.FilePath
	target = filepath.Join(o.root, o.template.Render(vars), SanitizeName(filepath.Base(current)))
	return current, target
}

// Organize moves the book's file to its templated location and returns
// the final destination, or "" when nothing was to be done (organization
// disabled, or the book already sits at its target). A content-identical
// file at the target deduplicates: the source is deleted instead of
// moved. Otherwise a collision picks the first free "_N" sibling. The
// kepub companion, if any, follows the primary file; its failures are
// logged, not fatal.
func (o *Organizer) Organize(b *library.Book) (string, error) {
	const method = "Organizer.Organize"
	if !o.enabled {
		return "", nil
	}
	flog := log.WithFields(log.Fields{
		"book_id":      b.ID,
		"title":        b.Title,
		"current_path": b.FilePath,
	})
	current, target := o.Paths(b)
	if target == current {
		flog.Debug("Book already in correct location")
		return "", nil
	}

	if _, err := os.Stat(target); err == nil {
		dedup := false
		targetHash, err := library.FileHash(target)
		switch {
		case err != nil:
			flog.WithFields(log.Fields{"error": err}).Warning("Failed to verify target hash, falling back to rename")
		case targetHash == b.FileHash:
			flog.Info("Target file has identical content, deduplicating")
			if err := os.Remove(current); err != nil {
				flog.WithFields(log.Fields{"error": err}).Error("Failed to delete redundant source file")
			} else {
				dedup = true
			}
		}
		if dedup {
			return target, nil
		}
		if target, err = uniqueSibling(target); err != nil {
			return "", err
		}
		flog.WithFields(log.Fields{"unique_path": target}).Info("Duplicate filename, using unique path")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return "", errorf(method, "mkdir %q: %v", filepath.Dir(target), err)
	}
	if err := moveFile(current, target); err != nil {
		return "", err
	}
	flog.WithFields(log.Fields{"new_path": target}).Info("Moved book")

	o.moveCompanion(b, target, flog)
	return target, nil
}

// moveCompanion relocates the derived kepub next to the primary file.
// The primary move has already succeeded, so errors here only log.
func (o *Organizer) moveCompanion(b *library.Book, target string, flog *log.Entry) {
	if b.KepubPath == "" {
		return
	}
	if _, err := os.Stat(b.KepubPath); err != nil {
		return
	}
	dst := filepath.Join(filepath.Dir(target), SanitizeName(filepath.Base(b.KepubPath)))
	if _, err := os.Stat(dst); err == nil {
		var uerr error
		if dst, uerr = uniqueSibling(dst); uerr != nil {
			flog.WithFields(log.Fields{"error": uerr}).Warning("Failed to move kepub")
			return
		}
	}
	if err := moveFile(b.KepubPath, dst); err != nil {
		flog.WithFields(log.Fields{"error": err}).Warning("Failed to move kepub")
		return
	}
	b.KepubPath = dst
	flog.WithFields(log.Fields{"kepub_path": dst}).Debug("Moved kepub")
}

// uniqueSibling appends "_N" to the stem for ascending N until it finds a
// path that does not exist yet.
func uniqueSibling(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; n <= maxUniqueAttempts; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", errors.Wrapf(ErrExhaustedUniqueNames, "%q", path)
}

// moveFile renames src to dst, falling back to copy-then-delete when the
// rename fails (typically across filesystems).
func moveFile(src, dst string) error {
	const method = "moveFile"
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errorf(method, "open %q: %v", src, err)
	}
	defer func() {
		_ = in.Close()
	}()
	// Copy to a temporary name first so a crash mid-copy never leaves a
	// truncated file at the final path.
	tmp := dst + ".new"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return errorf(method, "open %q: %v", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return errorf(method, "copy %q to %q: %v", src, tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return errorf(method, "close %q: %v", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errorf(method, "rename %q to %q: %v", tmp, dst, err)
	}
	if err := os.Remove(src); err != nil {
		return errorf(method, "remove %q: %v", src, err)
	}
	return nil
}
