package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quillon/shelfd/internal/config"
	"github.com/quillon/shelfd/internal/library"
	"github.com/quillon/shelfd/internal/task"
)

// Fake collaborators, fully configurable by setting functions. Intended
// for unit tests in this package.

type providerFuncs struct {
	metadata func(*library.Book) (map[string]string, error)
	embed    func(string, map[string]string, []byte) error
}

func (p providerFuncs) Metadata(b *library.Book) (map[string]string, error) {
	if p.metadata != nil {
		return p.metadata(b)
	}
	return nil, nil
}

func (p providerFuncs) Embed(path string, fields map[string]string, cover []byte) error {
	if p.embed != nil {
		return p.embed(path, fields, cover)
	}
	return nil
}

type converterFunc func(ctx context.Context, path string) (string, error)

func (f converterFunc) Convert(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

type env struct {
	cfg   *config.C
	store *library.Store
	queue *task.Queue
	root  string
}

func testEnv(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "shelfd.db"))
	require.Nil(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := library.NewStore(db)
	require.Nil(t, err)
	queue, err := task.NewQueue(db)
	require.Nil(t, err)
	root := t.TempDir()
	return &env{
		cfg: &config.C{
			WatchDirs:        []string{root},
			OrganizeLibrary:  true,
			OrganizeTemplate: "{author}/{title}",
			ConvertEPUB:      true,
		},
		store: store,
		queue: queue,
		root:  root,
	}
}

func (e *env) write(t *testing.T, path, contents string) string {
	t.Helper()
	require.Nil(t, os.MkdirAll(filepath.Dir(path), 0777))
	require.Nil(t, os.WriteFile(path, []byte(contents), 0666))
	return path
}

// drain claims all eligible tasks, returning their types in claim order.
func (e *env) drain(t *testing.T) []task.Type {
	t.Helper()
	var types []task.Type
	for {
		tk, err := e.queue.Claim()
		require.Nil(t, err)
		if tk == nil {
			return types
		}
		types = append(types, tk.Type)
	}
}
