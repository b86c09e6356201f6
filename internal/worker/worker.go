package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quillon/shelfd/internal/task"
)

const errorBackoff = 5 * time.Second

// Processor handles the payload of one task type. Implementations must be
// idempotent: the queue guarantees at-least-once delivery, not once-only.
type Processor interface {
	Process(ctx context.Context, payload task.Payload) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, payload task.Payload) error

func (f ProcessorFunc) Process(ctx context.Context, payload task.Payload) error {
	return f(ctx, payload)
}

// Registry maps task types to their processors. It is immutable after
// startup.
type Registry map[task.Type]Processor

// outcome is the dispatch-layer translation of a processor result.
type outcome int

const (
	completed outcome = iota
	retriable
	fatal
)

// Worker claims tasks from the queue one at a time and dispatches them to
// registered processors. There is exactly one worker per process; ordering
// within a process follows claim order.
type Worker struct {
	queue        *task.Queue
	registry     Registry
	pollInterval time.Duration
}

func New(queue *task.Queue, registry Registry, pollInterval time.Duration) *Worker {
	return &Worker{
		queue:        queue,
		registry:     registry,
		pollInterval: pollInterval,
	}
}

// Run is the worker loop. It first rehabilitates tasks stranded in
// PROCESSING by a previous crash, then claims and dispatches until ctx is
// cancelled. In-flight work at cancellation is abandoned; the next
// startup's stale recovery picks it up.
func (w *Worker) Run(ctx context.Context) error {
	types := make([]string, 0, len(w.registry))
	for typ := range w.registry {
		types = append(types, string(typ))
	}
	log.WithFields(log.Fields{
		"poll_interval": w.pollInterval,
		"max_retries":   task.MaxRetries,
		"task_types":    types,
	}).Info("Worker starting")

	if recovered, err := w.queue.RecoverStale(); err != nil {
		// Recovery failure must not keep the worker down.
		log.WithFields(log.Fields{"error": err}).Error("Failed to recover stale tasks")
	} else if recovered > 0 {
		log.WithFields(log.Fields{"count": recovered}).Info("Recovered stale tasks")
	}

	log.Info("Worker ready")
	for {
		if err := ctx.Err(); err != nil {
			log.Info("Worker stopped")
			return err
		}
		t, err := w.queue.Claim()
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Error("Worker loop error")
			w.sleep(ctx, errorBackoff)
			continue
		}
		if t != nil {
			w.dispatch(ctx, t)
			continue
		}
		select {
		case <-ctx.Done():
		case <-w.queue.Wake():
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, t *task.Task) {
	flog := log.WithFields(log.Fields{
		"task_id":     t.ID,
		"task_type":   t.Type,
		"retry_count": t.RetryCount,
	})
	flog.Info("Processing task")

	proc, ok := w.registry[t.Type]
	if !ok {
		flog.Error("Unknown task type")
		w.resolve(flog, t, fatal, fmt.Sprintf("Unknown task type: %s", t.Type))
		return
	}
	err := process(ctx, proc, t.Payload)
	if err == nil {
		w.resolve(flog, t, completed, "")
		return
	}
	if ctx.Err() != nil {
		// Cancelled mid-flight: abandon the PROCESSING row for the
		// next stale-recovery cycle.
		flog.Info("Task abandoned on shutdown")
		return
	}
	w.resolve(flog, t, retriable, errorMessage(err))
}

// resolve applies the failure policy for the given outcome.
func (w *Worker) resolve(flog *log.Entry, t *task.Task, o outcome, errMsg string) {
	var err error
	switch {
	case o == completed:
		err = w.queue.Complete(t.ID)
		flog.Info("Task completed successfully")
	case o == fatal:
		err = w.queue.Finish(t.ID, task.StatusFailed, errMsg)
	case t.RetryCount < t.MaxRetries:
		flog.WithFields(log.Fields{"error": errMsg}).Error("Task failed")
		err = w.queue.Retry(t.ID, errMsg, 0)
	default:
		flog.WithFields(log.Fields{"error": errMsg}).Error("Task permanently failed, moving to dead letter")
		err = w.queue.Finish(t.ID, task.StatusDeadLetter, errMsg)
	}
	if err != nil {
		flog.WithFields(log.Fields{"error": err}).Error("Could not record task outcome")
	}
}

// process invokes the processor, converting a panic into an error so a
// misbehaving stage dead-letters its task instead of killing the daemon.
func process(ctx context.Context, proc Processor, payload task.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return proc.Process(ctx, payload)
}

// errorMessage formats a processor error as "<kind>: <message>", where the
// kind is the error's innermost concrete type.
func errorMessage(err error) string {
	kind := strings.TrimPrefix(fmt.Sprintf("%T", errors.Cause(err)), "*")
	return fmt.Sprintf("%s: %s", kind, err)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
