// Package queue implements the durable, strongly ordered task queue that
// is the engine's spine. Tasks persist in the store; the executor claims
// them one at a time (by default) in FIFO order.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// claimPoll bounds how long Claim sleeps when no notification arrives.
const claimPoll = time.Second

// Queue wraps the persisted task rows with pause/resume, cancellation,
// and the claim discipline.
type Queue struct {
	cfg config.Config
	st  *store.Store

	mu      sync.Mutex
	paused  bool
	notify  chan struct{}
	running map[int64]context.CancelFunc
}

// New creates a queue over the store. Tasks orphaned in running state by
// a previous process are reset to pending.
func New(cfg config.Config, st *store.Store) (*Queue, error) {
	n, err := st.ResetRunning()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Warn("recovered tasks left running by a previous process", "count", n)
	}
	return &Queue{
		cfg:     cfg,
		st:      st,
		notify:  make(chan struct{}, 1),
		running: make(map[int64]context.CancelFunc),
	}, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// EnqueueCopy appends a copy task. The destination relpath defaults to the
// source relpath; both are validated against their roots.
func (q *Queue) EnqueueCopy(srcSide config.Side, srcRel relpath.RelPath, dstSide config.Side, dstRel relpath.RelPath) (int64, error) {
	if srcSide == dstSide {
		return 0, fmt.Errorf("copy %s: source and destination side are both %s", srcRel, srcSide)
	}
	if dstRel == "" {
		dstRel = srcRel
	}
	srcAbs, err := relpath.Join(q.cfg.Root(srcSide), srcRel)
	if err != nil {
		return 0, err
	}
	if _, err := relpath.Join(q.cfg.Root(dstSide), dstRel); err != nil {
		return 0, err
	}

	t := &store.Task{
		Type:       store.TaskCopy,
		SrcSide:    srcSide,
		SrcRelPath: srcRel,
		DstSide:    dstSide,
		DstRelPath: dstRel,
	}
	if info, err := os.Stat(srcAbs); err == nil {
		t.SizeBytes = sql.NullInt64{Int64: info.Size(), Valid: true}
	}
	return q.insert(t)
}

// EnqueueDelete appends a delete task. Sync-path deletes are refused when
// the side's allow-delete flag is off; dedupe-path deletes bypass it.
func (q *Queue) EnqueueDelete(side config.Side, rp relpath.RelPath, fromDedupe bool) (int64, error) {
	if !fromDedupe && !q.cfg.AllowDeleteFromSync(side) {
		return 0, fmt.Errorf("delete %s on %s: %w", rp, side, fault.ErrPolicyDenied)
	}
	abs, err := relpath.Join(q.cfg.Root(side), rp)
	if err != nil {
		return 0, err
	}

	t := &store.Task{
		Type:       store.TaskDelete,
		DstSide:    side,
		DstRelPath: rp,
		FromDedupe: fromDedupe,
	}
	if info, err := os.Stat(abs); err == nil {
		t.SizeBytes = sql.NullInt64{Int64: info.Size(), Valid: true}
	}
	return q.insert(t)
}

// EnqueueVerify appends a verify task for a single relpath, a folder, or
// (with both empty) the whole library.
func (q *Queue) EnqueueVerify(folder, rp relpath.RelPath) (int64, error) {
	return q.insert(&store.Task{
		Type:       store.TaskVerify,
		SrcRelPath: rp,
		Folder:     folder,
	})
}

// EnqueueHashFile appends a hash task for one file.
func (q *Queue) EnqueueHashFile(side config.Side, rp relpath.RelPath) (int64, error) {
	if _, err := relpath.Join(q.cfg.Root(side), rp); err != nil {
		return 0, err
	}
	return q.insert(&store.Task{
		Type:       store.TaskHashFile,
		SrcSide:    side,
		SrcRelPath: rp,
	})
}

// EnqueueDedupeScan appends a duplicate scan over one side.
func (q *Queue) EnqueueDedupeScan(side config.Side, mode string, minSizeBytes int64) (int64, error) {
	if mode != "fast" && mode != "full" {
		return 0, fmt.Errorf("dedupe scan: unknown mode %q", mode)
	}
	return q.insert(&store.Task{
		Type:         store.TaskDedupeScan,
		SrcSide:      side,
		Mode:         mode,
		MinSizeBytes: minSizeBytes,
	})
}

func (q *Queue) insert(t *store.Task) (int64, error) {
	id, err := q.st.InsertTask(t)
	if err != nil {
		return 0, err
	}
	q.wake()
	return id, nil
}

// Pause stops the executor from claiming new tasks. The task in flight
// finishes normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lifts a pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Paused reports the queue-level pause flag.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Tasks lists all tasks, running first.
func (q *Queue) Tasks() ([]*store.Task, error) {
	return q.st.ListTasks()
}

// Task fetches one task.
func (q *Queue) Task(id int64) (*store.Task, error) {
	return q.st.GetTask(id)
}

// Cancel cancels a pending or running task. Cancelling an already
// terminal task is a no-op reporting the terminal status. The running
// task's worker observes the signal at its next chunk boundary.
func (q *Queue) Cancel(id int64) (store.TaskStatus, error) {
	t, err := q.st.GetTask(id)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", fmt.Errorf("cancel task %d: %w", id, fault.ErrNotFound)
	}
	if t.Status.Terminal() {
		return t.Status, nil
	}

	q.mu.Lock()
	cancel := q.running[id]
	q.mu.Unlock()

	if cancel != nil {
		// Running: signal the worker; the executor records the terminal
		// state after cleanup.
		cancel()
		return store.StatusCancelled, nil
	}

	if _, err := q.st.CancelTask(id); err != nil {
		return "", err
	}
	return store.StatusCancelled, nil
}

// CancelAll cancels every pending task and the running one, if any.
func (q *Queue) CancelAll() (int, error) {
	ids, err := q.st.CancelAllPending()
	if err != nil {
		return 0, err
	}
	n := len(ids)

	q.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(q.running))
	for _, c := range q.running {
		cancels = append(cancels, c)
	}
	q.mu.Unlock()
	for _, c := range cancels {
		c()
		n++
	}
	return n, nil
}

// Remove deletes a still-pending task from the queue.
func (q *Queue) Remove(id int64) (bool, error) {
	return q.st.RemoveTask(id)
}

// Claim blocks until a task is runnable, marks it running, and returns it
// together with a cancellable context for the worker. The caller must
// call Release when the task reaches a terminal state.
func (q *Queue) Claim(ctx context.Context) (*store.Task, context.Context, error) {
	for {
		if !q.Paused() {
			t, err := q.st.NextPending()
			if err != nil {
				return nil, nil, err
			}
			if t != nil {
				ok, err := q.st.MarkRunning(t.ID)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					t.Status = store.StatusRunning
					taskCtx, cancel := context.WithCancel(ctx)
					q.mu.Lock()
					q.running[t.ID] = cancel
					q.mu.Unlock()
					return t, taskCtx, nil
				}
				// Lost the row (cancelled between read and claim); retry.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-q.notify:
		case <-time.After(claimPoll):
		}
	}
}

// Release drops the cancellation handle for a finished task.
func (q *Queue) Release(id int64) {
	q.mu.Lock()
	if cancel, ok := q.running[id]; ok {
		cancel()
		delete(q.running, id)
	}
	q.mu.Unlock()
	q.wake()
}

// Finish records a terminal status for a claimed task.
func (q *Queue) Finish(id int64, status store.TaskStatus, errMsg string) error {
	return q.st.MarkTerminal(id, status, errMsg)
}

// Requeue returns a claimed task to pending after a transient error.
func (q *Queue) Requeue(id int64, errMsg string) error {
	if err := q.st.Requeue(id, errMsg); err != nil {
		return err
	}
	q.wake()
	return nil
}

// RetryBudget returns the configured retry count.
func (q *Queue) RetryBudget() int { return q.cfg.QueueRetryCount }
