package executor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/dedupe"
	"github.com/modellake/lakesync/internal/diff"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/hashwork"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/queue"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// harness wires a full engine over temp roots. The executor loop is
// started on demand so white-box tests can drive tasks by hand.
type harness struct {
	cfg    config.Config
	st     *store.Store
	idx    *index.Store
	q      *queue.Queue
	bus    *event.Bus
	hashes *hashwork.Pool
	ded    *dedupe.Engine
	exec   *Executor
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Config{
		LocalRoot:        t.TempDir(),
		LakeRoot:         t.TempDir(),
		LocalAllowDelete: false,
		LakeAllowDelete:  false,
		QueueConcurrency: 1,
		QueueRetryCount:  3,
		HashAlgo:         "blake3",
		HashWorkers:      2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.New(cfg, st)
	require.NoError(t, err)

	bus := event.New()
	idx := index.NewStore()
	hashes := hashwork.NewPool(cfg, st, idx, bus)
	ded := dedupe.NewEngine(cfg, st, idx, hashes)

	return &harness{
		cfg:    cfg,
		st:     st,
		idx:    idx,
		q:      q,
		bus:    bus,
		hashes: hashes,
		ded:    ded,
		exec:   New(cfg, q, st, idx, hashes, ded, bus),
	}
}

// start runs the executor loop until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) write(t *testing.T, side config.Side, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(h.cfg.Root(side), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func (h *harness) refresh(t *testing.T) {
	t.Helper()
	r := &index.Refresher{Cfg: h.cfg, Index: h.idx, Cache: h.st, Bus: h.bus}
	for _, side := range config.Sides {
		_, err := r.Refresh(context.Background(), side)
		require.NoError(t, err)
	}
}

func (h *harness) waitTerminal(t *testing.T, id int64) *store.Task {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		task, err := h.st.GetTask(id)
		require.NoError(t, err)
		require.NotNil(t, task)
		if task.Status.Terminal() {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %d stuck in %s", id, task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// noParts asserts that no staging files remain under either root.
func (h *harness) noParts(t *testing.T) {
	t.Helper()
	for _, side := range config.Sides {
		root := h.cfg.Root(side)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			assert.False(t, strings.HasSuffix(d.Name(), ".part"), "leftover part file %s", path)
			return nil
		})
		require.NoError(t, err)
	}
}

func (h *harness) diff() []diff.Entry {
	return diff.Compute(h.idx.Snapshot(config.Local), h.idx.Snapshot(config.Lake), diff.Options{})
}

func TestCopy_OnlyLocalBecomesSame(t *testing.T) {
	h := newHarness(t, nil)
	data := []byte(strings.Repeat("weights", 146) + "xx") // 1024 bytes
	require.Len(t, data, 1024)
	h.write(t, config.Local, "checkpoints/a.safetensors", data)
	h.refresh(t)
	h.start(t)

	id, err := h.q.EnqueueCopy(config.Local, "checkpoints/a.safetensors", config.Lake, "")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Empty(t, task.ErrorMessage)

	dstPath := filepath.Join(h.cfg.LakeRoot, "checkpoints", "a.safetensors")
	dstData, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, data, dstData)

	srcInfo, err := os.Stat(filepath.Join(h.cfg.LocalRoot, "checkpoints", "a.safetensors"))
	require.NoError(t, err)
	dstInfo, err := os.Stat(dstPath)
	require.NoError(t, err)
	assert.Equal(t, srcInfo.Size(), dstInfo.Size())
	assert.WithinDuration(t, srcInfo.ModTime(), dstInfo.ModTime(), 10*time.Millisecond)

	entries := h.diff()
	require.Len(t, entries, 1)
	assert.Equal(t, diff.Same, entries[0].Status)
	assert.Equal(t, entries[0].LocalHash, entries[0].LakeHash)
	assert.NotEmpty(t, entries[0].LocalHash)

	h.noParts(t)
}

func TestCopy_ConflictRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "x.bin", []byte("local bytes"))
	h.write(t, config.Lake, "x.bin", []byte("lake bytess"))
	h.refresh(t)

	// Hash both sides so the conflict is confirmed.
	_, err := h.hashes.HashFile(context.Background(), config.Local, "x.bin", false)
	require.NoError(t, err)
	_, err = h.hashes.HashFile(context.Background(), config.Lake, "x.bin", false)
	require.NoError(t, err)

	h.start(t)
	id, err := h.q.EnqueueCopy(config.Local, "x.bin", config.Lake, "")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "conflict")

	// Destination untouched.
	dstData, err := os.ReadFile(filepath.Join(h.cfg.LakeRoot, "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("lake bytess"), dstData)
	h.noParts(t)
}

func TestCopy_ProbableSameOverwrites(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "m.bin", []byte("new version"))
	h.write(t, config.Lake, "m.bin", []byte("old version"))
	h.refresh(t)
	h.start(t)

	// Same size, no hashes: probable_same, so the copy proceeds.
	id, err := h.q.EnqueueCopy(config.Local, "m.bin", config.Lake, "")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCompleted, task.Status)

	dstData, err := os.ReadFile(filepath.Join(h.cfg.LakeRoot, "m.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new version"), dstData)
}

func TestCopy_SourceMissingFailsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	id, err := h.q.EnqueueCopy(config.Local, "ghost.bin", config.Lake, "")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusFailed, task.Status)
	// Fatal error: no retries burned.
	assert.Zero(t, task.RetryCount)
	h.noParts(t)
}

func TestCopy_CancelledMidStream(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "big.bin", []byte(strings.Repeat("x", 1<<20)))
	h.refresh(t)

	id, err := h.q.EnqueueCopy(config.Local, "big.bin", config.Lake, "")
	require.NoError(t, err)

	// Claim by hand and cancel before dispatching, so the copy loop sees
	// the signal at its first chunk boundary.
	task, taskCtx, err := h.q.Claim(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	_, err = h.q.Cancel(id)
	require.NoError(t, err)
	<-taskCtx.Done()

	h.exec.process(taskCtx, task)
	h.q.Release(id)

	got := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCancelled, got.Status)

	// No destination file, no part file, source untouched.
	_, err = os.Stat(filepath.Join(h.cfg.LakeRoot, "big.bin"))
	assert.True(t, os.IsNotExist(err))
	h.noParts(t)
	srcInfo, err := os.Stat(filepath.Join(h.cfg.LocalRoot, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), srcInfo.Size())
}

func TestDelete_SyncPolicyEnforcedAtExecution(t *testing.T) {
	h := newHarness(t, nil) // both allow-delete flags off
	h.write(t, config.Lake, "keep.bin", []byte("data"))
	h.refresh(t)
	h.start(t)

	// A row inserted behind the queue's enqueue gate must still be
	// refused by the executor.
	id, err := h.st.InsertTask(&store.Task{
		Type:       store.TaskDelete,
		DstSide:    config.Lake,
		DstRelPath: "keep.bin",
	})
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "policy")
	assert.FileExists(t, filepath.Join(h.cfg.LakeRoot, "keep.bin"))
}

func TestDelete_RemovesFileCacheAndIndex(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LocalAllowDelete = true })
	h.write(t, config.Local, "old.bin", []byte("data"))
	h.refresh(t)

	_, err := h.hashes.HashFile(context.Background(), config.Local, "old.bin", false)
	require.NoError(t, err)

	h.start(t)
	id, err := h.q.EnqueueDelete(config.Local, "old.bin", false)
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCompleted, task.Status)

	_, err = os.Stat(filepath.Join(h.cfg.LocalRoot, "old.bin"))
	assert.True(t, os.IsNotExist(err))
	_, ok := h.idx.Snapshot(config.Local).Get("old.bin")
	assert.False(t, ok)

	rows, err := h.st.HashRows(config.Local)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDelete_AbsentFileIsSuccess(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LakeAllowDelete = true })
	h.start(t)

	id, err := h.q.EnqueueDelete(config.Lake, "never-existed.bin", false)
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCompleted, task.Status)
}

func TestVerify_UpgradesProbableSame(t *testing.T) {
	h := newHarness(t, nil)
	data := []byte("identical bytes on both sides")
	h.write(t, config.Local, "m.safetensors", data)
	h.write(t, config.Lake, "m.safetensors", data)
	h.refresh(t)

	entries := h.diff()
	require.Len(t, entries, 1)
	require.Equal(t, diff.ProbableSame, entries[0].Status)

	h.start(t)
	id, err := h.q.EnqueueVerify("", "m.safetensors")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCompleted, task.Status)

	entries = h.diff()
	require.Len(t, entries, 1)
	assert.Equal(t, diff.Same, entries[0].Status)

	// Both sides landed in the cache.
	localRows, err := h.st.HashRows(config.Local)
	require.NoError(t, err)
	lakeRows, err := h.st.HashRows(config.Lake)
	require.NoError(t, err)
	assert.Len(t, localRows, 1)
	assert.Len(t, lakeRows, 1)
}

func TestVerify_RevealsConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "m.bin", []byte("local side!"))
	h.write(t, config.Lake, "m.bin", []byte("lake sides!"))
	h.refresh(t)

	require.Equal(t, diff.ProbableSame, h.diff()[0].Status)

	h.start(t)
	id, err := h.q.EnqueueVerify("", "m.bin")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	// Differing digests on the two sides is a conflict, not a task error.
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, diff.Conflict, h.diff()[0].Status)
}

func TestVerify_MismatchAgainstRecordedDigest(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "m.bin", []byte("current bytes"))
	h.refresh(t)

	// Seed a digest that does not match the file's bytes.
	h.idx.SetHash(config.Local, "m.bin", "not-the-real-digest")

	h.start(t)
	id, err := h.q.EnqueueVerify("", "m.bin")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "hash mismatch")

	// The bad copy was renamed aside, not deleted.
	assert.FileExists(t, filepath.Join(h.cfg.LocalRoot, "m.bin.badhash"))
	_, err = os.Stat(filepath.Join(h.cfg.LocalRoot, "m.bin"))
	assert.True(t, os.IsNotExist(err))

	// Its cache row and index entry went with it.
	_, ok := h.idx.Snapshot(config.Local).Get("m.bin")
	assert.False(t, ok)
	rows, err := h.st.HashRows(config.Local)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestVerify_FolderScopePublishesProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "models/a.bin", []byte("aa"))
	h.write(t, config.Local, "models/b.bin", []byte("bb"))
	h.write(t, config.Local, "other/c.bin", []byte("cc"))
	h.refresh(t)

	sub := h.bus.Subscribe(64, event.VerifyProgress)
	defer h.bus.Unsubscribe(sub)

	h.start(t)
	id, err := h.q.EnqueueVerify("models", "")
	require.NoError(t, err)
	h.waitTerminal(t, id)

	frames := 0
	for {
		select {
		case ev := <-sub.Events():
			data := ev.Data.(map[string]any)
			assert.Equal(t, "models", data["folder"])
			frames++
		default:
			// Only the two files under models/ were hashed.
			assert.Equal(t, 2, frames)
			a, _ := h.idx.Snapshot(config.Local).Get("models/a.bin")
			assert.NotEmpty(t, a.Hash)
			c, _ := h.idx.Snapshot(config.Local).Get("other/c.bin")
			assert.Empty(t, c.Hash)
			return
		}
	}
}

func TestHashFileTask(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "h.bin", []byte("hash me"))
	h.refresh(t)
	h.start(t)

	id, err := h.q.EnqueueHashFile(config.Local, "h.bin")
	require.NoError(t, err)

	task := h.waitTerminal(t, id)
	assert.Equal(t, store.StatusCompleted, task.Status)

	entry, ok := h.idx.Snapshot(config.Local).Get("h.bin")
	require.True(t, ok)
	assert.NotEmpty(t, entry.Hash)
}

func TestQueueOrdering_FIFOUnderSingleWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, config.Local, "a.bin", []byte("a"))
	h.write(t, config.Local, "b.bin", []byte("b"))
	h.write(t, config.Local, "c.bin", []byte("c"))
	h.refresh(t)

	sub := h.bus.Subscribe(64, event.TaskStarted)
	defer h.bus.Unsubscribe(sub)

	// Pause so all three are queued before any starts.
	h.q.Pause()
	h.start(t)

	var ids []int64
	for _, rel := range []string{"a.bin", "b.bin", "c.bin"} {
		id, err := h.q.EnqueueHashFile(config.Local, relpath.RelPath(rel))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h.q.Resume()

	for _, id := range ids {
		task := h.waitTerminal(t, id)
		assert.Equal(t, store.StatusCompleted, task.Status)
	}

	var started []int64
	timeout := time.After(time.Second)
	for len(started) < 3 {
		select {
		case ev := <-sub.Events():
			started = append(started, ev.Data.(map[string]any)["task_id"].(int64))
		case <-timeout:
			t.Fatal("missing task_started events")
		}
	}
	assert.Equal(t, ids, started)
}

func TestDedupe_ScanAndExecute(t *testing.T) {
	h := newHarness(t, nil) // allow-delete flags off: dedupe bypasses them
	data := []byte(strings.Repeat("dup", 512))
	h.write(t, config.Local, "d/1", data)
	h.write(t, config.Local, "d/2", data)
	h.write(t, config.Local, "e/3", data)
	h.write(t, config.Local, "unique.bin", []byte("one of a kind"))
	h.refresh(t)
	h.start(t)

	id, err := h.q.EnqueueDedupeScan(config.Local, "full", 0)
	require.NoError(t, err)
	task := h.waitTerminal(t, id)
	require.Equal(t, store.StatusCompleted, task.Status)

	sum, err := h.st.LatestScan()
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, int64(1), sum.DuplicateGroups)
	assert.Equal(t, int64(2), sum.DuplicateFiles)
	assert.Equal(t, int64(2*len(data)), sum.ReclaimableBytes)

	groups, err := h.st.Groups(sum.ScanID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Files, 3)

	result, err := h.ded.Execute(h.q, sum.ScanID, []dedupe.Selection{
		{GroupID: groups[0].ID, KeepRelPath: "d/1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, int64(2*len(data)), result.FreedBytes)
	assert.Empty(t, result.Skipped)

	for _, tid := range result.TaskIDs {
		done := h.waitTerminal(t, tid)
		assert.Equal(t, store.StatusCompleted, done.Status)
	}

	assert.FileExists(t, filepath.Join(h.cfg.LocalRoot, "d", "1"))
	_, err = os.Stat(filepath.Join(h.cfg.LocalRoot, "d", "2"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(h.cfg.LocalRoot, "e", "3"))
	assert.True(t, os.IsNotExist(err))
}

func TestDedupe_RescanAfterExecuteIsClean(t *testing.T) {
	h := newHarness(t, nil)
	data := []byte("same same")
	h.write(t, config.Lake, "a.bin", data)
	h.write(t, config.Lake, "b.bin", data)
	h.refresh(t)
	h.start(t)

	id, err := h.q.EnqueueDedupeScan(config.Lake, "fast", 0)
	require.NoError(t, err)
	h.waitTerminal(t, id)

	sum, err := h.st.LatestScan()
	require.NoError(t, err)
	groups, err := h.st.Groups(sum.ScanID)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	result, err := h.ded.Execute(h.q, sum.ScanID, []dedupe.Selection{
		{GroupID: groups[0].ID, KeepRelPath: "a.bin"},
	})
	require.NoError(t, err)
	for _, tid := range result.TaskIDs {
		h.waitTerminal(t, tid)
	}
	h.refresh(t)

	id, err = h.q.EnqueueDedupeScan(config.Lake, "full", 0)
	require.NoError(t, err)
	h.waitTerminal(t, id)

	sum, err = h.st.LatestScan()
	require.NoError(t, err)
	assert.Zero(t, sum.DuplicateGroups)
}

func TestCopyRoundTrip_ByteIdentical(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LocalAllowDelete = true })
	data := []byte("round trip payload")
	h.write(t, config.Local, "rt.bin", data)
	h.refresh(t)
	h.start(t)

	id, err := h.q.EnqueueCopy(config.Local, "rt.bin", config.Lake, "")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, h.waitTerminal(t, id).Status)

	id, err = h.q.EnqueueCopy(config.Lake, "rt.bin", config.Local, "")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, h.waitTerminal(t, id).Status)

	got, err := os.ReadFile(filepath.Join(h.cfg.LocalRoot, "rt.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Delete then re-copy restores the same digest.
	before, _ := h.idx.Snapshot(config.Local).Get("rt.bin")
	id, err = h.q.EnqueueDelete(config.Local, "rt.bin", false)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, h.waitTerminal(t, id).Status)

	id, err = h.q.EnqueueCopy(config.Lake, "rt.bin", config.Local, "")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, h.waitTerminal(t, id).Status)

	after, ok := h.idx.Snapshot(config.Local).Get("rt.bin")
	require.True(t, ok)
	assert.Equal(t, before.Hash, after.Hash)
	h.noParts(t)
}
