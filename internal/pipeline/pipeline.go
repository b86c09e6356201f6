// The pipeline package implements the four stage processors that carry an
// ebook from first sighting to its canonical shelf location:
//
//	INGEST -> METADATA -> CONVERT -> ORGANIZE
//
// Stages chain by enqueuing successor tasks and are idempotent: each one
// loads the persisted state, decides what work remains, and commits. The
// queue delivers at least once, so re-running any stage must converge.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/quillon/shelfd/internal/library"
)

// MetadataProvider looks up metadata for a book and embeds a field map
// (plus optional cover bytes) into an ebook file. A nil map with a nil
// error means nothing was found.
type MetadataProvider interface {
	Metadata(b *library.Book) (map[string]string, error)
	Embed(path string, fields map[string]string, cover []byte) error
}

// Converter derives a device-specific artifact from an ebook file and
// returns the derived file's path.
type Converter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// CoverFetcher retrieves cover image bytes from a URL.
type CoverFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/quillon/shelfd/internal/pipeline."+typeMethod+": "+format, a...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
