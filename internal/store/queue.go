package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
)

// TaskType enumerates the queueable operations.
type TaskType string

const (
	TaskCopy       TaskType = "copy"
	TaskDelete     TaskType = "delete"
	TaskVerify     TaskType = "verify"
	TaskHashFile   TaskType = "hash_file"
	TaskDedupeScan TaskType = "dedupe_scan"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (st TaskStatus) Terminal() bool {
	switch st {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one queue row. Payload fields are populated per type: copy uses
// Src*/Dst*, delete uses DstSide/DstRelPath, verify uses SrcSide with
// Folder or SrcRelPath, hash_file uses SrcSide/SrcRelPath, dedupe_scan
// uses SrcSide/Mode/MinSizeBytes.
type Task struct {
	ID           int64           `json:"id"`
	Type         TaskType        `json:"type"`
	Status       TaskStatus      `json:"status"`
	SrcSide      config.Side     `json:"src_side,omitempty"`
	SrcRelPath   relpath.RelPath `json:"src_relpath,omitempty"`
	DstSide      config.Side     `json:"dst_side,omitempty"`
	DstRelPath   relpath.RelPath `json:"dst_relpath,omitempty"`
	Folder       relpath.RelPath `json:"folder,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	MinSizeBytes int64           `json:"min_size_bytes,omitempty"`
	FromDedupe   bool            `json:"from_dedupe,omitempty"`
	SizeBytes    sql.NullInt64   `json:"-"`
	Transferred  int64           `json:"bytes_transferred"`
	ErrorMessage string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    string          `json:"started_at,omitempty"`
	FinishedAt   string          `json:"finished_at,omitempty"`
}

// Size returns the known total size, or -1 when unknown.
func (t *Task) Size() int64 {
	if t.SizeBytes.Valid {
		return t.SizeBytes.Int64
	}
	return -1
}

const taskColumns = `id, task_type, status, src_side, src_relpath, dst_side, dst_relpath,
	folder, mode, min_size_bytes, from_dedupe, size_bytes, bytes_transferred,
	error_message, retry_count, created_at, started_at, finished_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var srcSide, srcRel, dstSide, dstRel, folder, mode, errMsg, startedAt, finishedAt sql.NullString
	var fromDedupe int
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &srcSide, &srcRel, &dstSide, &dstRel,
		&folder, &mode, &t.MinSizeBytes, &fromDedupe, &t.SizeBytes, &t.Transferred,
		&errMsg, &t.RetryCount, &t.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.SrcSide = config.Side(srcSide.String)
	t.SrcRelPath = relpath.RelPath(srcRel.String)
	t.DstSide = config.Side(dstSide.String)
	t.DstRelPath = relpath.RelPath(dstRel.String)
	t.Folder = relpath.RelPath(folder.String)
	t.Mode = mode.String
	t.FromDedupe = fromDedupe != 0
	t.ErrorMessage = errMsg.String
	t.StartedAt = startedAt.String
	t.FinishedAt = finishedAt.String
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertTask appends a task in pending state and returns its id.
func (s *Store) InsertTask(t *Task) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO queue (task_type, status, src_side, src_relpath, dst_side, dst_relpath,
			folder, mode, min_size_bytes, from_dedupe, size_bytes, created_at)
		 VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Type),
		nullable(string(t.SrcSide)), nullable(string(t.SrcRelPath)),
		nullable(string(t.DstSide)), nullable(string(t.DstRelPath)),
		nullable(string(t.Folder)), nullable(t.Mode),
		t.MinSizeBytes, boolToInt(t.FromDedupe), t.SizeBytes, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s task: %w", t.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s task id: %w", t.Type, err)
	}
	return id, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(
		`SELECT `+taskColumns+` FROM queue WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// NextPending returns the oldest pending task, FIFO by created_at with id
// as the tiebreaker.
func (s *Store) NextPending() (*Task, error) {
	t, err := scanTask(s.db.QueryRow(
		`SELECT ` + taskColumns + ` FROM queue WHERE status = 'pending'
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending task: %w", err)
	}
	return t, nil
}

// ListTasks returns the running task first, then pending tasks in FIFO
// order, then terminal tasks newest-first.
func (s *Store) ListTasks() ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT ` + taskColumns + ` FROM queue ORDER BY
			CASE status WHEN 'running' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END,
			CASE WHEN status IN ('running', 'pending') THEN created_at END ASC,
			created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkRunning transitions a pending task to running. Returns false if the
// task was no longer pending (e.g. cancelled in the meantime).
func (s *Store) MarkRunning(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE queue SET status = 'running', started_at = ?, error_message = NULL
		 WHERE id = ? AND status = 'pending'`,
		now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark task %d running: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkTerminal records a terminal status for a task.
func (s *Store) MarkTerminal(id int64, status TaskStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("mark task %d: %s is not terminal", id, status)
	}
	if _, err := s.db.Exec(
		`UPDATE queue SET status = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		string(status), nullable(errMsg), now(), id,
	); err != nil {
		return fmt.Errorf("mark task %d %s: %w", id, status, err)
	}
	return nil
}

// Requeue returns a running task to pending after a transient failure,
// recording the error and bumping the retry count. created_at is
// preserved, so the task stays at the head of the FIFO order.
func (s *Store) Requeue(id int64, errMsg string) error {
	if _, err := s.db.Exec(
		`UPDATE queue SET status = 'pending', started_at = NULL, bytes_transferred = 0,
			error_message = ?, retry_count = retry_count + 1
		 WHERE id = ? AND status = 'running'`,
		nullable(errMsg), id,
	); err != nil {
		return fmt.Errorf("requeue task %d: %w", id, err)
	}
	return nil
}

// CancelTask marks a pending or running task cancelled. Returns false if
// the task was already terminal or absent.
func (s *Store) CancelTask(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE queue SET status = 'cancelled', finished_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelAllPending cancels every pending task and returns the affected ids.
func (s *Store) CancelAllPending() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM queue WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("list pending for cancel: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(
		`UPDATE queue SET status = 'cancelled', finished_at = ? WHERE status = 'pending'`,
		now(),
	); err != nil {
		return nil, fmt.Errorf("cancel pending tasks: %w", err)
	}
	return ids, nil
}

// RemoveTask deletes a still-pending task outright. Returns false if the
// task is not pending.
func (s *Store) RemoveTask(id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM queue WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("remove task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateProgress records bytes transferred for a running task.
func (s *Store) UpdateProgress(id, transferred int64) error {
	if _, err := s.db.Exec(
		`UPDATE queue SET bytes_transferred = ? WHERE id = ?`, transferred, id,
	); err != nil {
		return fmt.Errorf("update task %d progress: %w", id, err)
	}
	return nil
}

// UpdateSize records a late-discovered total size (verify reports file
// counts here).
func (s *Store) UpdateSize(id, size int64) error {
	if _, err := s.db.Exec(
		`UPDATE queue SET size_bytes = ? WHERE id = ?`, size, id,
	); err != nil {
		return fmt.Errorf("update task %d size: %w", id, err)
	}
	return nil
}

// ResetRunning returns tasks orphaned in running state (a crash mid-task)
// to pending. Called once at startup, before the executor starts.
func (s *Store) ResetRunning() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE queue SET status = 'pending', started_at = NULL,
			bytes_transferred = 0, error_message = NULL
		 WHERE status = 'running'`,
	)
	if err != nil {
		return 0, fmt.Errorf("reset running tasks: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
