// The kepub package wraps the external kepubify binary to derive Kobo
// EPUB variants from standard EPUB files.
package kepub

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type Converter struct {
	binary string
}

// New returns a converter that shells out to the given kepubify binary.
func New(binary string) *Converter {
	return &Converter{binary: binary}
}

// Convert derives path's kepub sibling and returns its path. The output
// lands next to the source as <name>.kepub.epub.
func (c *Converter) Convert(ctx context.Context, path string) (string, error) {
	const method = "Converter.Convert"
	out := strings.TrimSuffix(path, ".epub") + ".kepub.epub"
	cmd := exec.CommandContext(ctx, c.binary, "-o", out, path)
	if combined, err := cmd.CombinedOutput(); err != nil {
		return "", errorf(method, "%s %q: %v: %s", c.binary, path, err, firstLine(combined))
	}
	return out, nil
}

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/quillon/shelfd/internal/kepub."+typeMethod+": "+format, a...)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
