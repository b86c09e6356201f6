package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quillon/shelfd/internal/organize"
	"github.com/quillon/shelfd/internal/task"
)

func organizeStage(e *env) *Organize {
	return NewOrganize(e.cfg, e.store, organize.New(e.cfg))
}

func TestOrganizeStageMovesAndCommits(t *testing.T) {
	e := testEnv(t)
	b := seedBook(t, e, "Title", filepath.Join(t.TempDir(), "a.epub"))
	b.Author = "Author"
	require.Nil(t, e.store.Update(b))

	require.Nil(t, organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: b.ID}))

	got, err := e.store.ByID(b.ID)
	require.Nil(t, err)
	want := filepath.Join(e.root, "Author", "Title", "a.epub")
	require.Equal(t, want, got.FilePath)
	_, err = os.Stat(want)
	require.Nil(t, err)
}

func TestOrganizeStageDisabled(t *testing.T) {
	e := testEnv(t)
	e.cfg.OrganizeLibrary = false
	src := filepath.Join(t.TempDir(), "a.epub")
	b := seedBook(t, e, "Title", src)

	require.Nil(t, organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: b.ID}))
	got, err := e.store.ByID(b.ID)
	require.Nil(t, err)
	require.Equal(t, src, got.FilePath)
}

func TestOrganizeStageMissingBook(t *testing.T) {
	e := testEnv(t)
	require.Nil(t, organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: uuid.New()}))
}

func TestOrganizeStageAlreadyPlaced(t *testing.T) {
	e := testEnv(t)
	b := seedBook(t, e, "Title", filepath.Join(e.root, "Unknown Author", "Title", "a.epub"))
	require.Nil(t, organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: b.ID}))
	got, err := e.store.ByID(b.ID)
	require.Nil(t, err)
	require.Equal(t, b.FilePath, got.FilePath)
	require.Equal(t, b.UpdatedAt, got.UpdatedAt)
}

// A crash after the move but before the commit leaves the book pointing
// at a path that no longer exists. Re-running the stage repairs the
// record without moving anything.
func TestOrganizeStageZombieRecovery(t *testing.T) {
	e := testEnv(t)
	src := filepath.Join(t.TempDir(), "a.epub")
	b := seedBook(t, e, "Title", src)
	b.Author = "Author"
	require.Nil(t, e.store.Update(b))

	expected := filepath.Join(e.root, "Author", "Title", "a.epub")
	require.Nil(t, os.MkdirAll(filepath.Dir(expected), 0777))
	require.Nil(t, os.Rename(src, expected))

	require.Nil(t, organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: b.ID}))

	got, err := e.store.ByID(b.ID)
	require.Nil(t, err)
	require.Equal(t, expected, got.FilePath)
	_, err = os.Stat(expected)
	require.Nil(t, err)
}

func TestOrganizeStageZombieHashMismatchFails(t *testing.T) {
	e := testEnv(t)
	src := filepath.Join(t.TempDir(), "a.epub")
	b := seedBook(t, e, "Title", src)
	b.Author = "Author"
	require.Nil(t, e.store.Update(b))

	require.Nil(t, os.Remove(src))
	expected := filepath.Join(e.root, "Author", "Title", "a.epub")
	e.write(t, expected, "someone else's file")

	err := organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: b.ID})
	require.NotNil(t, err)
	got, err2 := e.store.ByID(b.ID)
	require.Nil(t, err2)
	require.Equal(t, src, got.FilePath)
}

func TestOrganizeStageSourceMissingFails(t *testing.T) {
	e := testEnv(t)
	src := filepath.Join(t.TempDir(), "a.epub")
	b := seedBook(t, e, "Title", src)
	require.Nil(t, os.Remove(src))

	err := organizeStage(e).Process(context.Background(), &task.BookPayload{BookID: b.ID})
	require.NotNil(t, err)
}
