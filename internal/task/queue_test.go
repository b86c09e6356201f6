package task

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	require.Nil(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := NewQueue(db)
	require.Nil(t, err)
	return q, db
}

func taskStatus(t *testing.T, db *sql.DB, id uuid.UUID) Status {
	t.Helper()
	var s string
	require.Nil(t, db.QueryRow(`SELECT status FROM task WHERE id = ?`, id.String()).Scan(&s))
	return Status(s)
}

func TestEnqueueClaimOrdering(t *testing.T) {
	q, db := testQueue(t)
	var want []uuid.UUID
	for _, p := range []string{"/in/1.epub", "/in/2.epub", "/in/3.epub"} {
		tk, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: p})
		require.Nil(t, err)
		want = append(want, tk.ID)
		// created_at is the tiebreak; make sure it differs.
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		tk, err := q.Claim()
		require.Nil(t, err)
		require.NotNil(t, tk)
		require.Equal(t, want[i], tk.ID)
		require.Equal(t, StatusProcessing, tk.Status)
		require.False(t, tk.StartedAt.IsZero())
		require.Equal(t, StatusProcessing, taskStatus(t, db, tk.ID))
	}
	tk, err := q.Claim()
	require.Nil(t, err)
	require.Nil(t, tk)
}

func TestClaimDecodesPayload(t *testing.T) {
	q, _ := testQueue(t)
	bookID := uuid.New()
	_, err := q.Enqueue(TypeMetadata, &BookPayload{BookID: bookID})
	require.Nil(t, err)
	tk, err := q.Claim()
	require.Nil(t, err)
	require.NotNil(t, tk)
	p, ok := tk.Payload.(*BookPayload)
	require.True(t, ok)
	require.Equal(t, bookID, p.BookID)
}

func TestClaimSkipsScheduledRetries(t *testing.T) {
	q, _ := testQueue(t)
	tk, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/a.epub"})
	require.Nil(t, err)
	claimed, err := q.Claim()
	require.Nil(t, err)
	require.Equal(t, tk.ID, claimed.ID)
	require.Nil(t, q.Retry(tk.ID, "boom", 0))

	// Backoff pushed the task into the future; nothing is eligible.
	claimed, err = q.Claim()
	require.Nil(t, err)
	require.Nil(t, claimed)
}

func TestFreshTasksBeforeDueRetries(t *testing.T) {
	q, db := testQueue(t)
	retried, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/r.epub"})
	require.Nil(t, err)
	_, err = q.Claim()
	require.Nil(t, err)
	require.Nil(t, q.Retry(retried.ID, "boom", 0))
	// Force the retry to be due already.
	_, err = db.Exec(`UPDATE task SET next_retry_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute).UnixNano(), retried.ID.String())
	require.Nil(t, err)

	fresh, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/f.epub"})
	require.Nil(t, err)

	// NULL next_retry_at sorts first even though the retried task is older.
	first, err := q.Claim()
	require.Nil(t, err)
	require.Equal(t, fresh.ID, first.ID)
	second, err := q.Claim()
	require.Nil(t, err)
	require.Equal(t, retried.ID, second.ID)
}

func TestRetryBackoffSchedule(t *testing.T) {
	q, db := testQueue(t)
	tk, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/a.epub"})
	require.Nil(t, err)

	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, want := range wantDelays {
		before := time.Now().UTC()
		require.Nil(t, q.Retry(tk.ID, "boom", 0))
		var retryCount int
		var nextRetryAt int64
		require.Nil(t, db.QueryRow(`SELECT retry_count, next_retry_at FROM task WHERE id = ?`,
			tk.ID.String()).Scan(&retryCount, &nextRetryAt))
		require.Equal(t, i+1, retryCount)
		delay := time.Unix(0, nextRetryAt).Sub(before)
		require.True(t, delay >= want, "attempt %d: delay %v < %v", i+1, delay, want)
		require.True(t, delay < want+time.Second, "attempt %d: delay %v too long", i+1, delay)
		require.Equal(t, StatusPending, taskStatus(t, db, tk.ID))
	}
}

func TestFinishTerminalStates(t *testing.T) {
	q, db := testQueue(t)
	tk, err := q.Enqueue(TypeConvert, &BookPayload{BookID: uuid.New()})
	require.Nil(t, err)
	require.Nil(t, q.Finish(tk.ID, StatusDeadLetter, "errors.fundamental: boom"))
	require.Equal(t, StatusDeadLetter, taskStatus(t, db, tk.ID))

	var completedAt sql.NullInt64
	var errMsg sql.NullString
	require.Nil(t, db.QueryRow(`SELECT completed_at, error_message FROM task WHERE id = ?`,
		tk.ID.String()).Scan(&completedAt, &errMsg))
	require.True(t, completedAt.Valid)
	require.Equal(t, "errors.fundamental: boom", errMsg.String)
}

func TestCompleteUnknownTaskIsNoOp(t *testing.T) {
	q, _ := testQueue(t)
	require.Nil(t, q.Complete(uuid.New()))
	require.Nil(t, q.Retry(uuid.New(), "boom", 0))
}

func TestRecoverStale(t *testing.T) {
	q, db := testQueue(t)
	tk, err := q.Enqueue(TypeOrganize, &BookPayload{BookID: uuid.New()})
	require.Nil(t, err)
	_, err = q.Claim()
	require.Nil(t, err)
	_, err = db.Exec(`UPDATE task SET started_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*time.Hour).UnixNano(), tk.ID.String())
	require.Nil(t, err)

	n, err := q.RecoverStale()
	require.Nil(t, err)
	require.Equal(t, 1, n)

	var status, errMsg string
	var retryCount int
	var startedAt sql.NullInt64
	require.Nil(t, db.QueryRow(`SELECT status, retry_count, error_message, started_at FROM task WHERE id = ?`,
		tk.ID.String()).Scan(&status, &retryCount, &errMsg, &startedAt))
	require.Equal(t, StatusPending, Status(status))
	require.Equal(t, 1, retryCount)
	require.Equal(t, "recovered from stale state", errMsg)
	require.False(t, startedAt.Valid)
}

func TestRecoverStaleIgnoresFreshProcessing(t *testing.T) {
	q, _ := testQueue(t)
	_, err := q.Enqueue(TypeOrganize, &BookPayload{BookID: uuid.New()})
	require.Nil(t, err)
	_, err = q.Claim()
	require.Nil(t, err)
	n, err := q.RecoverStale()
	require.Nil(t, err)
	require.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	q, _ := testQueue(t)
	stats, err := q.Stats()
	require.Nil(t, err)
	for _, s := range Statuses {
		require.Equal(t, 0, stats[s])
	}
	tk, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/a.epub"})
	require.Nil(t, err)
	_, err = q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/b.epub"})
	require.Nil(t, err)
	require.Nil(t, q.Complete(tk.ID))
	stats, err = q.Stats()
	require.Nil(t, err)
	require.Equal(t, 1, stats[StatusPending])
	require.Equal(t, 1, stats[StatusCompleted])
}

func TestEnqueueSignalsWake(t *testing.T) {
	q, _ := testQueue(t)
	wake := q.Wake()
	select {
	case <-wake:
		t.Fatal("wake channel signalled before enqueue")
	default:
	}
	_, err := q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/a.epub"})
	require.Nil(t, err)
	select {
	case <-wake:
	default:
		t.Fatal("wake channel not signalled after enqueue")
	}
	// The latch is single-slot: repeated enqueues coalesce.
	_, err = q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/b.epub"})
	require.Nil(t, err)
	_, err = q.Enqueue(TypeIngest, &IngestPayload{Event: EventAdd, Path: "/in/c.epub"})
	require.Nil(t, err)
	<-wake
	select {
	case <-wake:
		t.Fatal("latch should auto-reset after receive")
	default:
	}
}
