package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "lakesync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHashCache_RoundTrip(t *testing.T) {
	st := openTestStore(t)

	// Empty cache misses.
	_, ok, err := st.HashGet(config.Local, "a.bin", 100, 12345)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.HashPut(config.Local, "a.bin", 100, 12345, "deadbeef"))

	hash, ok, err := st.HashGet(config.Local, "a.bin", 100, 12345)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", hash)

	// A read only matches when all four coordinates agree.
	_, ok, err = st.HashGet(config.Local, "a.bin", 101, 12345)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.HashGet(config.Local, "a.bin", 100, 99999)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.HashGet(config.Lake, "a.bin", 100, 12345)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashCache_UpsertAndInvalidate(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.HashPut(config.Lake, "m.safetensors", 10, 1, "aaaa"))
	require.NoError(t, st.HashPut(config.Lake, "m.safetensors", 20, 2, "bbbb"))

	// The upsert replaced the row: old coordinates no longer match.
	_, ok, err := st.HashGet(config.Lake, "m.safetensors", 10, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	hash, ok, err := st.HashGet(config.Lake, "m.safetensors", 20, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bbbb", hash)

	require.NoError(t, st.HashInvalidate(config.Lake, "m.safetensors"))
	_, ok, err = st.HashGet(config.Lake, "m.safetensors", 20, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// Invalidating an absent row is a no-op.
	require.NoError(t, st.HashInvalidate(config.Lake, "m.safetensors"))
}

func TestHashRows(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.HashPut(config.Local, "b.bin", 2, 2, "hb"))
	require.NoError(t, st.HashPut(config.Local, "a.bin", 1, 1, "ha"))
	require.NoError(t, st.HashPut(config.Lake, "c.bin", 3, 3, "hc"))

	rows, err := st.HashRows(config.Local)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.bin", string(rows[0].RelPath))
	assert.Equal(t, "b.bin", string(rows[1].RelPath))
}

func TestQueue_InsertAndFIFO(t *testing.T) {
	st := openTestStore(t)

	id1, err := st.InsertTask(&Task{Type: TaskCopy, SrcSide: config.Local, SrcRelPath: "a", DstSide: config.Lake, DstRelPath: "a"})
	require.NoError(t, err)
	id2, err := st.InsertTask(&Task{Type: TaskHashFile, SrcSide: config.Local, SrcRelPath: "b"})
	require.NoError(t, err)

	next, err := st.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id1, next.ID)

	ok, err := st.MarkRunning(id1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Claiming again skips the running row.
	next, err = st.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id2, next.ID)
}

func TestQueue_MarkRunningOnlyFromPending(t *testing.T) {
	st := openTestStore(t)

	id, err := st.InsertTask(&Task{Type: TaskDelete, DstSide: config.Local, DstRelPath: "x"})
	require.NoError(t, err)

	ok, err := st.CancelTask(id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkRunning(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_TerminalAndRequeue(t *testing.T) {
	st := openTestStore(t)

	id, err := st.InsertTask(&Task{Type: TaskCopy, SrcSide: config.Local, SrcRelPath: "a", DstSide: config.Lake, DstRelPath: "a"})
	require.NoError(t, err)

	_, err = st.MarkRunning(id)
	require.NoError(t, err)

	require.NoError(t, st.Requeue(id, "share disconnected"))
	got, err := st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "share disconnected", got.ErrorMessage)

	_, err = st.MarkRunning(id)
	require.NoError(t, err)
	require.NoError(t, st.MarkTerminal(id, StatusFailed, "gave up"))

	got, err = st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "gave up", got.ErrorMessage)
	assert.NotEmpty(t, got.FinishedAt)

	assert.Error(t, st.MarkTerminal(id, StatusRunning, ""))
}

func TestQueue_ListOrder(t *testing.T) {
	st := openTestStore(t)

	idDone, err := st.InsertTask(&Task{Type: TaskHashFile, SrcSide: config.Local, SrcRelPath: "done"})
	require.NoError(t, err)
	_, err = st.MarkRunning(idDone)
	require.NoError(t, err)
	require.NoError(t, st.MarkTerminal(idDone, StatusCompleted, ""))

	idRun, err := st.InsertTask(&Task{Type: TaskHashFile, SrcSide: config.Local, SrcRelPath: "run"})
	require.NoError(t, err)
	_, err = st.MarkRunning(idRun)
	require.NoError(t, err)

	idPend, err := st.InsertTask(&Task{Type: TaskHashFile, SrcSide: config.Local, SrcRelPath: "pend"})
	require.NoError(t, err)

	tasks, err := st.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, idRun, tasks[0].ID)
	assert.Equal(t, idPend, tasks[1].ID)
	assert.Equal(t, idDone, tasks[2].ID)
}

func TestQueue_ResetRunning(t *testing.T) {
	st := openTestStore(t)

	id, err := st.InsertTask(&Task{Type: TaskCopy, SrcSide: config.Local, SrcRelPath: "a", DstSide: config.Lake, DstRelPath: "a"})
	require.NoError(t, err)
	_, err = st.MarkRunning(id)
	require.NoError(t, err)
	require.NoError(t, st.UpdateProgress(id, 512))

	n, err := st.ResetRunning()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Transferred)
	assert.Empty(t, got.StartedAt)
}

func TestQueue_RemovePendingOnly(t *testing.T) {
	st := openTestStore(t)

	id, err := st.InsertTask(&Task{Type: TaskHashFile, SrcSide: config.Local, SrcRelPath: "a"})
	require.NoError(t, err)

	ok, err := st.RemoveTask(id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetTask(id)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err = st.RemoveTask(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_CancelAllPending(t *testing.T) {
	st := openTestStore(t)

	var ids []int64
	for _, rp := range []string{"a", "b", "c"} {
		id, err := st.InsertTask(&Task{Type: TaskHashFile, SrcSide: config.Local, SrcRelPath: relpath.RelPath(rp)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cancelled, err := st.CancelAllPending()
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, cancelled)

	for _, id := range ids {
		got, err := st.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	}
}

func TestDedupe_ScanAndGroups(t *testing.T) {
	st := openTestStore(t)

	sum := ScanSummary{
		ScanID:           "scan-1",
		Side:             config.Local,
		Mode:             "full",
		TotalFiles:       3,
		DuplicateGroups:  1,
		DuplicateFiles:   2,
		ReclaimableBytes: 2048,
	}
	require.NoError(t, st.InsertScan(sum))

	gid, err := st.InsertGroup("scan-1", config.Local, "abcd", []GroupFile{
		{RelPath: "d/1", Size: 1024, MtimeNS: 1},
		{RelPath: "d/2", Size: 1024, MtimeNS: 2},
		{RelPath: "e/3", Size: 1024, MtimeNS: 3},
	})
	require.NoError(t, err)

	groups, err := st.Groups("scan-1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, gid, groups[0].ID)
	assert.Equal(t, "abcd", groups[0].Hash)
	require.Len(t, groups[0].Files, 3)

	// First member defaults to keep.
	assert.True(t, groups[0].Files[0].Keep)
	assert.False(t, groups[0].Files[1].Keep)
	assert.False(t, groups[0].Files[2].Keep)

	got, err := st.ScanByID("scan-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2048), got.ReclaimableBytes)

	latest, err := st.LatestScan()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "scan-1", latest.ScanID)
}

func TestDedupe_ClearCascades(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.InsertScan(ScanSummary{ScanID: "scan-2", Side: config.Lake, Mode: "fast"}))
	_, err := st.InsertGroup("scan-2", config.Lake, "ffff", []GroupFile{
		{RelPath: "x/1", Size: 1, MtimeNS: 1},
		{RelPath: "x/2", Size: 1, MtimeNS: 2},
	})
	require.NoError(t, err)

	require.NoError(t, st.ClearScan("scan-2"))

	groups, err := st.Groups("scan-2")
	require.NoError(t, err)
	assert.Empty(t, groups)

	got, err := st.ScanByID("scan-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBundles_DeleteCascadesItems(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.SaveBundle(&Bundle{Name: "b", Items: []BundleItem{
		{RelPath: "a.bin", Hash: "ha"},
		{RelPath: "b.bin"},
	}}))

	ok, err := st.DeleteBundle("b")
	require.NoError(t, err)
	assert.True(t, ok)

	// Recreating the name starts from an empty item set: the cascade
	// removed the old rows.
	require.NoError(t, st.SaveBundle(&Bundle{Name: "b"}))
	got, err := st.GetBundle("b")
	require.NoError(t, err)
	assert.Empty(t, got.Items)

	ok, err = st.DeleteBundle("never-was")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestScan_Empty(t *testing.T) {
	st := openTestStore(t)

	latest, err := st.LatestScan()
	require.NoError(t, err)
	assert.Nil(t, latest)
}
