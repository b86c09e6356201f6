package task

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// MaxRetries is the retry budget assigned to every new task.
	MaxRetries = 3

	// staleAfter is how long a task may sit in PROCESSING before
	// startup recovery resets it to PENDING.
	staleAfter = 15 * time.Minute

	// retryBaseDelay is the first retry delay; it doubles per attempt.
	retryBaseDelay = 10 * time.Second
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS task (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	next_retry_at INTEGER,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS task_by_status ON task (status, next_retry_at, created_at);
`

// Queue is a durable FIFO of pipeline tasks with retry scheduling. It is
// the sole owner of task-state transitions. A single wake-up latch removes
// polling latency for freshly enqueued tasks.
type Queue struct {
	db *sql.DB

	mu   sync.Mutex
	wake chan struct{} // single-slot latch, created lazily
}

// NewQueue ensures the task table exists and returns a queue over db.
func NewQueue(db *sql.DB) (*Queue, error) {
	if _, err := db.Exec(taskSchema); err != nil {
		return nil, errors.Wrap(err, "create task table")
	}
	return &Queue{db: db}, nil
}

// Wake returns the wake-up channel. Enqueue makes a send available on it;
// receiving consumes (resets) the signal. The latch is created on first
// access from whichever goroutine asks first.
func (q *Queue) Wake() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.wake == nil {
		q.wake = make(chan struct{}, 1)
	}
	return q.wake
}

func (q *Queue) notify() {
	q.mu.Lock()
	if q.wake == nil {
		q.wake = make(chan struct{}, 1)
	}
	wake := q.wake
	q.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default: // already signalled
	}
}

// Enqueue inserts a new PENDING task and signals the worker.
func (q *Queue) Enqueue(typ Type, p Payload) (*Task, error) {
	const method = "Queue.Enqueue"
	body, err := json.Marshal(p)
	if err != nil {
		return nil, errorf(method, "encode %s payload: %v", typ, err)
	}
	t := &Task{
		ID:         uuid.New(),
		Type:       typ,
		Payload:    p,
		Status:     StatusPending,
		MaxRetries: MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = q.db.Exec(`INSERT INTO task (id, type, payload, status, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		t.ID.String(), string(t.Type), string(body), string(t.Status),
		t.MaxRetries, t.CreatedAt.UnixNano())
	if err != nil {
		return nil, errorf(method, "insert %s task: %v", typ, err)
	}
	log.WithFields(log.Fields{
		"task_id":   t.ID,
		"task_type": t.Type,
	}).Info("Task added to queue")
	q.notify()
	return t, nil
}

// Claim atomically selects the oldest eligible PENDING task and marks it
// PROCESSING. Returns nil when no task is eligible. Fresh tasks sort
// before scheduled retries of equal age.
func (q *Queue) Claim() (*Task, error) {
	const method = "Queue.Claim"
	now := time.Now().UTC()
	tx, err := q.db.Begin()
	if err != nil {
		return nil, errorf(method, "begin: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRow(`SELECT id, type, payload, retry_count, max_retries, created_at, next_retry_at, error_message
		FROM task
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at ASC NULLS FIRST, created_at ASC
		LIMIT 1`, string(StatusPending), now.UnixNano())

	var id, typ, body string
	var retryCount, maxRetries int
	var createdAt int64
	var nextRetryAt sql.NullInt64
	var errMsg sql.NullString
	err = row.Scan(&id, &typ, &body, &retryCount, &maxRetries, &createdAt, &nextRetryAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errorf(method, "select: %v", err)
	}

	res, err := tx.Exec(`UPDATE task SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(StatusProcessing), now.UnixNano(), id, string(StatusPending))
	if err != nil {
		return nil, errorf(method, "update: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost a race with a concurrent claimer.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errorf(method, "commit: %v", err)
	}

	t := &Task{
		Type:       Type(typ),
		Status:     StatusProcessing,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedAt:  time.Unix(0, createdAt).UTC(),
		StartedAt:  now,
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, errorf(method, "task id %q: %v", id, err)
	}
	if nextRetryAt.Valid {
		t.NextRetryAt = time.Unix(0, nextRetryAt.Int64).UTC()
	}
	t.ErrorMessage = errMsg.String
	if t.Payload, err = decodePayload(t.Type, []byte(body)); err != nil {
		return nil, errorf(method, "task %s: %v", id, err)
	}
	log.WithFields(log.Fields{
		"task_id":     t.ID,
		"task_type":   t.Type,
		"retry_count": t.RetryCount,
	}).Debug("Task claimed for processing")
	return t, nil
}

// Complete transitions a task to COMPLETED.
func (q *Queue) Complete(id uuid.UUID) error {
	return q.Finish(id, StatusCompleted, "")
}

// Finish transitions a task to the given terminal status, recording the
// error message if any. Finishing an unknown id logs a warning and
// succeeds.
func (q *Queue) Finish(id uuid.UUID, status Status, errMsg string) error {
	const method = "Queue.Finish"
	res, err := q.db.Exec(`UPDATE task SET status = ?, completed_at = ?,
		error_message = CASE WHEN ? != '' THEN ? ELSE error_message END
		WHERE id = ?`,
		string(status), time.Now().UTC().UnixNano(), errMsg, errMsg, id.String())
	if err != nil {
		return errorf(method, "task %v: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.WithFields(log.Fields{"task_id": id}).Warning("Attempted to complete unknown task")
		return nil
	}
	log.WithFields(log.Fields{
		"task_id": id,
		"status":  status,
		"error":   truncate(errMsg, 100),
	}).Info("Task completed")
	return nil
}

// Retry schedules another attempt: increments the retry count, resets the
// task to PENDING and sets next_retry_at. A non-positive delay selects the
// default exponential backoff, 10s doubling per attempt. Retrying an
// unknown id logs a warning and succeeds.
func (q *Queue) Retry(id uuid.UUID, errMsg string, delay time.Duration) error {
	const method = "Queue.Retry"
	tx, err := q.db.Begin()
	if err != nil {
		return errorf(method, "begin: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var retryCount int
	err = tx.QueryRow(`SELECT retry_count FROM task WHERE id = ?`, id.String()).Scan(&retryCount)
	if err == sql.ErrNoRows {
		log.WithFields(log.Fields{"task_id": id}).Warning("Attempted to retry unknown task")
		return nil
	}
	if err != nil {
		return errorf(method, "task %v: %v", id, err)
	}
	retryCount++
	if delay <= 0 {
		delay = retryBaseDelay << (retryCount - 1)
	}
	nextRetryAt := time.Now().UTC().Add(delay)
	_, err = tx.Exec(`UPDATE task SET retry_count = ?, status = ?, error_message = ?, next_retry_at = ?
		WHERE id = ?`,
		retryCount, string(StatusPending), errMsg, nextRetryAt.UnixNano(), id.String())
	if err != nil {
		return errorf(method, "task %v: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		return errorf(method, "commit: %v", err)
	}
	log.WithFields(log.Fields{
		"task_id":       id,
		"retry_count":   retryCount,
		"next_retry_at": nextRetryAt,
		"error":         truncate(errMsg, 100),
	}).Warning("Task scheduled for retry")
	return nil
}

// RecoverStale resets PROCESSING tasks whose claim is older than the stale
// cutoff back to PENDING, charging one retry. Runs once at worker startup.
// Returns the number of recovered tasks.
func (q *Queue) RecoverStale() (int, error) {
	const method = "Queue.RecoverStale"
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := q.db.Exec(`UPDATE task SET status = ?, started_at = NULL,
		retry_count = retry_count + 1, error_message = ?
		WHERE status = ? AND started_at < ?`,
		string(StatusPending), "recovered from stale state",
		string(StatusProcessing), cutoff.UnixNano())
	if err != nil {
		return 0, errorf(method, "%v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errorf(method, "rows affected: %v", err)
	}
	if n > 0 {
		log.WithFields(log.Fields{"recovered_count": n}).Info("Stale task recovery complete")
	}
	return int(n), nil
}

// Stats returns the number of tasks per status. Every status appears in
// the map, zero or not.
func (q *Queue) Stats() (map[Status]int, error) {
	const method = "Queue.Stats"
	stats := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		stats[s] = 0
	}
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM task GROUP BY status`)
	if err != nil {
		return nil, errorf(method, "%v", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, errorf(method, "scan: %v", err)
		}
		stats[Status(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errorf(method, "%v", err)
	}
	return stats, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
