package worker

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quillon/shelfd/internal/task"
)

func testQueue(t *testing.T) (*task.Queue, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db")+"?_pragma=busy_timeout(5000)")
	require.Nil(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := task.NewQueue(db)
	require.Nil(t, err)
	return q, db
}

func taskRow(t *testing.T, db *sql.DB, id string) (status task.Status, retryCount int, errMsg string) {
	t.Helper()
	var s string
	var msg sql.NullString
	require.Nil(t, db.QueryRow(`SELECT status, retry_count, error_message FROM task WHERE id = ?`,
		id).Scan(&s, &retryCount, &msg))
	return task.Status(s), retryCount, msg.String
}

// makeDue clears the retry schedule so the task is immediately eligible.
func makeDue(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`UPDATE task SET next_retry_at = NULL WHERE id = ?`, id)
	require.Nil(t, err)
}

func TestDispatchCompletesSuccessfulTask(t *testing.T) {
	q, db := testQueue(t)
	var got task.Payload
	w := New(q, Registry{
		task.TypeIngest: ProcessorFunc(func(ctx context.Context, p task.Payload) error {
			got = p
			return nil
		}),
	}, time.Second)

	enqueued, err := q.Enqueue(task.TypeIngest, &task.IngestPayload{Event: task.EventAdd, Path: "/in/a.epub"})
	require.Nil(t, err)
	claimed, err := q.Claim()
	require.Nil(t, err)
	w.dispatch(context.Background(), claimed)

	p, ok := got.(*task.IngestPayload)
	require.True(t, ok)
	require.Equal(t, "/in/a.epub", p.Path)
	status, _, _ := taskRow(t, db, enqueued.ID.String())
	require.Equal(t, task.StatusCompleted, status)
}

func TestDispatchUnknownTypeFailsImmediately(t *testing.T) {
	q, db := testQueue(t)
	w := New(q, Registry{}, time.Second)

	enqueued, err := q.Enqueue(task.Type("BOGUS"), task.RawPayload(`{}`))
	require.Nil(t, err)
	claimed, err := q.Claim()
	require.Nil(t, err)
	require.NotNil(t, claimed)
	w.dispatch(context.Background(), claimed)

	status, retryCount, errMsg := taskRow(t, db, enqueued.ID.String())
	require.Equal(t, task.StatusFailed, status)
	require.Equal(t, 0, retryCount)
	require.Equal(t, "Unknown task type: BOGUS", errMsg)
}

func TestDispatchRetriesThenDeadLetters(t *testing.T) {
	q, db := testQueue(t)
	attempts := 0
	w := New(q, Registry{
		task.TypeConvert: ProcessorFunc(func(ctx context.Context, p task.Payload) error {
			attempts++
			return errors.New("boom")
		}),
	}, time.Second)

	enqueued, err := q.Enqueue(task.TypeConvert, &task.BookPayload{})
	require.Nil(t, err)

	for {
		claimed, err := q.Claim()
		require.Nil(t, err)
		if claimed == nil {
			break
		}
		w.dispatch(context.Background(), claimed)
		makeDue(t, db, enqueued.ID.String())
	}

	require.Equal(t, task.MaxRetries+1, attempts)
	status, retryCount, errMsg := taskRow(t, db, enqueued.ID.String())
	require.Equal(t, task.StatusDeadLetter, status)
	require.Equal(t, task.MaxRetries, retryCount)
	require.Equal(t, "errors.fundamental: boom", errMsg)
}

func TestDispatchRecoversPanics(t *testing.T) {
	q, db := testQueue(t)
	w := New(q, Registry{
		task.TypeConvert: ProcessorFunc(func(ctx context.Context, p task.Payload) error {
			panic("bad stage")
		}),
	}, time.Second)

	enqueued, err := q.Enqueue(task.TypeConvert, &task.BookPayload{})
	require.Nil(t, err)
	claimed, err := q.Claim()
	require.Nil(t, err)
	w.dispatch(context.Background(), claimed)

	status, retryCount, errMsg := taskRow(t, db, enqueued.ID.String())
	require.Equal(t, task.StatusPending, status)
	require.Equal(t, 1, retryCount)
	require.Contains(t, errMsg, "panic: bad stage")
}

func TestDispatchAbandonsTaskOnCancellation(t *testing.T) {
	q, db := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := New(q, Registry{
		task.TypeConvert: ProcessorFunc(func(ctx context.Context, p task.Payload) error {
			cancel()
			return ctx.Err()
		}),
	}, time.Second)

	enqueued, err := q.Enqueue(task.TypeConvert, &task.BookPayload{})
	require.Nil(t, err)
	claimed, err := q.Claim()
	require.Nil(t, err)
	w.dispatch(ctx, claimed)

	// Left in PROCESSING for the next startup's stale recovery.
	status, retryCount, _ := taskRow(t, db, enqueued.ID.String())
	require.Equal(t, task.StatusProcessing, status)
	require.Equal(t, 0, retryCount)
}

func TestRunProcessesNewlyEnqueuedTasks(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	q, _ := testQueue(t)
	processed := make(chan string, 1)
	w := New(q, Registry{
		task.TypeIngest: ProcessorFunc(func(ctx context.Context, p task.Payload) error {
			processed <- p.(*task.IngestPayload).Path
			return nil
		}),
	}, 10*time.Second) // long poll: the wake-up signal must carry the test

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err := q.Enqueue(task.TypeIngest, &task.IngestPayload{Event: task.EventAdd, Path: "/in/a.epub"})
	require.Nil(t, err)

	select {
	case path := <-processed:
		require.Equal(t, "/in/a.epub", path)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up enqueued task")
	}

	cancel()
	select {
	case err := <-done:
		require.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
