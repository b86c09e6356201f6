// The epub package implements the metadata boundary for EPUB files: it
// extracts Dublin Core metadata from the OPF package document and embeds
// field maps back into files through an external tool.
package epub

import (
	"archive/zip"
	"encoding/json"
	"encoding/xml"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/library"
)

// Provider reads metadata out of EPUB containers. Formats it does not
// understand yield no metadata rather than an error.
type Provider struct {
	embedTool string
}

// NewProvider returns a provider. embedTool is the external command used
// by Embed; embedding is a no-op when it is empty.
func NewProvider(embedTool string) *Provider {
	return &Provider{embedTool: embedTool}
}

func (p *Provider) Metadata(b *library.Book) (map[string]string, error) {
	switch b.FileFormat {
	case "epub", "kepub":
	default:
		return nil, nil
	}
	return readOPF(b.FilePath)
}

// Embed writes the field map (and optional cover bytes) into the file at
// path by invoking the configured external tool with the fields as JSON
// on stdin. Without a tool, embedding is recorded and skipped.
func (p *Provider) Embed(path string, fields map[string]string, cover []byte) error {
	const method = "Provider.Embed"
	if p.embedTool == "" {
		log.WithFields(log.Fields{"path": path}).Debug("No embed tool configured, skipping")
		return nil
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return errorf(method, "encode fields: %v", err)
	}
	args := []string{}
	if len(cover) > 0 {
		tmp, err := os.CreateTemp("", "shelfd-cover-*")
		if err != nil {
			return errorf(method, "cover temp file: %v", err)
		}
		defer func() {
			_ = os.Remove(tmp.Name())
		}()
		if _, err := tmp.Write(cover); err != nil {
			_ = tmp.Close()
			return errorf(method, "write cover: %v", err)
		}
		if err := tmp.Close(); err != nil {
			return errorf(method, "close cover: %v", err)
		}
		args = append(args, "-cover", tmp.Name())
	}
	args = append(args, path)
	cmd := exec.Command(p.embedTool, args...)
	cmd.Stdin = strings.NewReader(string(body))
	if out, err := cmd.CombinedOutput(); err != nil {
		return errorf(method, "%s %q: %v: %s", p.embedTool, path, err, firstLine(out))
	}
	return nil
}

// XML shapes for META-INF/container.xml and the OPF package document.
// Tags match by local name, so Dublin Core namespacing needs no special
// handling.

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Titles      []string        `xml:"metadata>title"`
	Creators    []string        `xml:"metadata>creator"`
	Languages   []string        `xml:"metadata>language"`
	Dates       []string        `xml:"metadata>date"`
	Subjects    []string        `xml:"metadata>subject"`
	Identifiers []opfIdentifier `xml:"metadata>identifier"`
	Metas       []opfMeta       `xml:"metadata>meta"`
}

type opfIdentifier struct {
	Scheme string `xml:"scheme,attr"`
	Value  string `xml:",chardata"`
}

type opfMeta struct {
	Name    string `xml:"name,attr"`
	Content string `xml:"content,attr"`
}

func readOPF(path string) (map[string]string, error) {
	const method = "readOPF"
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errorf(method, "open %q: %v", path, err)
	}
	defer func() {
		_ = zr.Close()
	}()

	raw, err := readZipFile(&zr.Reader, "META-INF/container.xml")
	if err != nil {
		return nil, errorf(method, "%q: %v", path, err)
	}
	var c containerXML
	if err := xml.Unmarshal(raw, &c); err != nil {
		return nil, errorf(method, "parse container.xml in %q: %v", path, err)
	}
	if len(c.Rootfiles) == 0 {
		return nil, errorf(method, "%q: no rootfile", path)
	}

	raw, err = readZipFile(&zr.Reader, c.Rootfiles[0].FullPath)
	if err != nil {
		return nil, errorf(method, "%q: %v", path, err)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, errorf(method, "parse OPF in %q: %v", path, err)
	}

	fields := make(map[string]string)
	put := func(key string, values []string) {
		if len(values) > 0 {
			if v := strings.TrimSpace(values[0]); v != "" {
				fields[key] = v
			}
		}
	}
	put("title", pkg.Titles)
	put("author", pkg.Creators)
	put("language", pkg.Languages)
	put("genre", pkg.Subjects)
	if len(pkg.Dates) > 0 {
		// Dates may carry a time component; the pipeline only keeps the
		// calendar date.
		d := strings.TrimSpace(pkg.Dates[0])
		if len(d) > 10 {
			d = d[:10]
		}
		if d != "" {
			fields["publication_date"] = d
		}
	}
	for _, id := range pkg.Identifiers {
		v := strings.TrimSpace(id.Value)
		if strings.EqualFold(id.Scheme, "ISBN") {
			fields["isbn"] = v
			break
		}
		if rest, ok := strings.CutPrefix(strings.ToLower(v), "urn:isbn:"); ok {
			fields["isbn"] = rest
			break
		}
	}
	for _, m := range pkg.Metas {
		switch m.Name {
		case "calibre:series":
			fields["series"] = m.Content
		case "calibre:series_index":
			fields["series_index"] = strings.TrimSuffix(m.Content, ".0")
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", name)
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
