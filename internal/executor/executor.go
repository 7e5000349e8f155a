// Package executor runs the queue's claim loop: it takes the next
// runnable task, dispatches to a type-specific handler, and records the
// outcome. One worker by default; with more, copies and deletes touching
// the same (side, relpath) stay mutually exclusive.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/dedupe"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/hashwork"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/queue"
	"github.com/modellake/lakesync/internal/store"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// Executor drives queue tasks to completion.
type Executor struct {
	cfg    config.Config
	q      *queue.Queue
	st     *store.Store
	idx    *index.Store
	hashes *hashwork.Pool
	dedupe *dedupe.Engine
	bus    *event.Bus

	keys  keyLocks
	parts partRegistry
}

// New wires an executor over the queue and its collaborators.
func New(cfg config.Config, q *queue.Queue, st *store.Store, idx *index.Store, hashes *hashwork.Pool, ded *dedupe.Engine, bus *event.Bus) *Executor {
	return &Executor{
		cfg:    cfg,
		q:      q,
		st:     st,
		idx:    idx,
		hashes: hashes,
		dedupe: ded,
		bus:    bus,
	}
}

// Run claims and processes tasks until ctx is cancelled. It blocks; run
// it on its own goroutine. Any part files still registered when the loop
// exits are removed.
func (e *Executor) Run(ctx context.Context) {
	defer e.parts.cleanup()

	workers := e.cfg.QueueConcurrency
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, taskCtx, err := e.q.Claim(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						slog.Error("queue claim failed", "error", err)
					}
					return
				}
				e.process(taskCtx, task)
				e.q.Release(task.ID)
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) process(ctx context.Context, t *store.Task) {
	e.publish(event.TaskStarted, map[string]any{
		"task_id":   t.ID,
		"task_type": string(t.Type),
	})

	result, err := e.dispatch(ctx, t)

	switch {
	case err == nil:
		e.finish(t, store.StatusCompleted, "", result)

	case errors.Is(err, context.Canceled):
		// User cancellation; partials were cleaned by the handler.
		e.finish(t, store.StatusCancelled, "", nil)

	case fault.Classify(err) == fault.Transient && t.RetryCount < e.q.RetryBudget():
		slog.Warn("task hit transient error, requeueing",
			"task", t.ID, "type", string(t.Type), "retry", t.RetryCount+1, "error", err)
		if qErr := e.q.Requeue(t.ID, err.Error()); qErr != nil {
			slog.Error("requeue failed", "task", t.ID, "error", qErr)
			e.finish(t, store.StatusFailed, err.Error(), nil)
			return
		}
		e.backoff(ctx, t.RetryCount)

	default:
		slog.Error("task failed", "task", t.ID, "type", string(t.Type), "error", err)
		e.finish(t, store.StatusFailed, err.Error(), nil)
	}
}

func (e *Executor) finish(t *store.Task, status store.TaskStatus, errMsg string, result any) {
	if err := e.q.Finish(t.ID, status, errMsg); err != nil {
		slog.Error("record task outcome", "task", t.ID, "error", err)
	}
	payload := map[string]any{
		"task_id":   t.ID,
		"task_type": string(t.Type),
		"status":    string(status),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if result != nil {
		payload["result"] = result
	}
	e.publish(event.TaskComplete, payload)
}

func (e *Executor) dispatch(ctx context.Context, t *store.Task) (any, error) {
	switch t.Type {
	case store.TaskCopy:
		return nil, e.runCopy(ctx, t)
	case store.TaskDelete:
		return nil, e.runDelete(t)
	case store.TaskVerify:
		return nil, e.runVerify(ctx, t)
	case store.TaskHashFile:
		_, err := e.hashes.HashFile(ctx, t.SrcSide, t.SrcRelPath, false)
		return nil, err
	case store.TaskDedupeScan:
		return e.dedupe.RunScan(ctx, t.SrcSide, t.Mode, t.MinSizeBytes)
	default:
		return nil, fmt.Errorf("unknown task type %q", t.Type)
	}
}

// backoff sleeps the exponential retry delay, honoring cancellation.
func (e *Executor) backoff(ctx context.Context, retry int) {
	delay := retryBaseDelay << uint(retry)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (e *Executor) publish(topic event.Topic, data any) {
	if e.bus != nil {
		e.bus.Publish(topic, data)
	}
}

// keyLocks serializes mutations per (side, relpath) when the executor
// runs more than one worker.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(side config.Side, rp string) func() {
	key := string(side) + "\x00" + rp
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// partRegistry tracks in-flight part files so an exiting executor leaves
// no staging debris behind.
type partRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func (r *partRegistry) register(path string) {
	r.mu.Lock()
	if r.paths == nil {
		r.paths = make(map[string]struct{})
	}
	r.paths[path] = struct{}{}
	r.mu.Unlock()
}

func (r *partRegistry) deregister(path string) {
	r.mu.Lock()
	delete(r.paths, path)
	r.mu.Unlock()
}

func (r *partRegistry) cleanup() {
	r.mu.Lock()
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	r.paths = nil
	r.mu.Unlock()

	for _, p := range paths {
		removePart(p)
	}
}
