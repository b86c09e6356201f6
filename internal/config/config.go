package config

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseDirectoryPath is where shelfd stores configuration and data.
// It defaults to $SHELFD_BASE if it is set, otherwise it defaults to
// $HOME/lib/shelfd. The daemon overrides this via the -base flag.
var DefaultBaseDirectoryPath string

func init() {
	if base := os.Getenv("SHELFD_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/shelfd")
	}
}

const (
	defaultOrganizeTemplate = "{author}/{series}/{title}"
	defaultPollInterval     = 5 * time.Second
)

type C struct {
	// Directories the watcher monitors for ebook files. The first
	// entry is also the root the organizer moves files under.
	WatchDirs []string

	// Enables the ORGANIZE stage (and its enqueueing by upstream
	// stages).
	OrganizeLibrary bool

	// Path template for organized books, e.g. "{author}/{series}/{title}".
	OrganizeTemplate string

	// Enables the CONVERT stage (kepub derivation).
	ConvertEPUB bool

	// Enables cover fetching and metadata embedding in the METADATA
	// stage.
	EmbedMetadata bool

	// Seconds the worker waits for the wake-up signal before polling
	// the queue again.
	WorkerPollInterval float64

	// Token presented by sync clients. Consumed by the API layer, not
	// by the pipeline.
	UserToken string

	// Overrides the database location. If relative, it is assumed
	// relative to the base directory.
	DataPath string

	// Forces the watcher to use periodic directory scans instead of
	// inotify. Needed on some network filesystems.
	WatchForcePolling bool

	// Path of the kepubify binary used by the CONVERT stage.
	KepubifyPath string

	// Optional external tool invoked to embed metadata into ebook
	// files. Embedding is skipped when empty.
	EmbedTool string

	// Directory holding the shelfd config file and other files.
	// Other paths are derived from this.
	base string
}

// Load loads the configuration from the file called "config" in the provided
// base directory.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	if fi, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	} else if fi.Mode()&0077 != 0 {
		return nil, fmt.Errorf("config.Load %q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Ignore error closing file opened only for reading.
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.DataPath != "" && !filepath.IsAbs(c.DataPath) {
		c.DataPath = filepath.Clean(filepath.Join(c.base, c.DataPath))
	}
	if c.OrganizeTemplate == "" {
		c.OrganizeTemplate = defaultOrganizeTemplate
	}
	if c.KepubifyPath == "" {
		c.KepubifyPath = "kepubify"
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		key, val := line[:i], strings.TrimSpace(line[i:])
		var err error
		switch key {
		case "watch-dir":
			c.WatchDirs = append(c.WatchDirs, val)
		case "organize-library":
			c.OrganizeLibrary, err = parseBool(val)
		case "organize-template":
			c.OrganizeTemplate = val
		case "convert-epub":
			c.ConvertEPUB, err = parseBool(val)
		case "embed-metadata":
			c.EmbedMetadata, err = parseBool(val)
		case "worker-poll-interval":
			c.WorkerPollInterval, err = strconv.ParseFloat(val, 64)
		case "user-token":
			c.UserToken = val
		case "data-path":
			c.DataPath = val
		case "watch-force-polling":
			c.WatchForcePolling, err = parseBool(val)
		case "kepubify-path":
			c.KepubifyPath = val
		case "embed-tool":
			c.EmbedTool = val
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("load: key %q: %w", key, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}

func parseBool(val string) (bool, error) {
	switch val {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", val)
}

// DatabasePath is where the book and task tables live. Defaults to
// "library.db" in the base directory.
func (c *C) DatabasePath() string {
	if c.DataPath != "" {
		return c.DataPath
	}
	return filepath.Join(c.base, "library.db")
}

// LibraryRoot is the directory organized books are moved under: the first
// watch directory, or /books when none is configured.
func (c *C) LibraryRoot() string {
	if len(c.WatchDirs) > 0 {
		return c.WatchDirs[0]
	}
	return "/books"
}

// PollInterval is the worker's wake-up wait timeout.
func (c *C) PollInterval() time.Duration {
	if c.WorkerPollInterval > 0 {
		return time.Duration(c.WorkerPollInterval * float64(time.Second))
	}
	return defaultPollInterval
}

// Initialize generates an initial configuration at the given directory.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return fmt.Errorf("%q: could not mkdir: %w", baseDir, err)
	}
	path := filepath.Join(baseDir, "config")
	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("%q: already exists", path)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%q: could not determine if it exists: %w", path, err)
	}

	var buf bytes.Buffer
	buf.WriteString("watch-dir " + filepath.Join(baseDir, "books") + "\n")
	buf.WriteString("organize-library true\n")
	buf.WriteString("organize-template " + defaultOrganizeTemplate + "\n")
	buf.WriteString("convert-epub false\n")
	buf.WriteString("embed-metadata false\n")
	buf.WriteString("worker-poll-interval 5\n")
	err = os.WriteFile(path, buf.Bytes(), 0600)
	if err != nil {
		return errorf("Initialize", "%q: %v", path, err)
	}
	return nil
}
