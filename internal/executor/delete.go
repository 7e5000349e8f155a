package executor

import (
	"fmt"
	"os"

	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// runDelete removes the target file. A file already gone counts as
// success; the cache row and index entry go with it either way.
func (e *Executor) runDelete(t *store.Task) error {
	side := t.DstSide
	rp := t.DstRelPath

	// The enqueue path already gates sync deletes, but the policy is
	// re-checked here so a row can never take effect past it.
	if !t.FromDedupe && !e.cfg.AllowDeleteFromSync(side) {
		return fmt.Errorf("delete %s on %s: %w", rp, side, fault.ErrPolicyDenied)
	}

	unlock := e.keys.lock(side, string(rp))
	defer unlock()

	abs, err := relpath.Join(e.cfg.Root(side), rp)
	if err != nil {
		return err
	}

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		if os.IsPermission(err) {
			return fmt.Errorf("delete %s: %w", rp, fault.ErrPermissionDenied)
		}
		return fmt.Errorf("delete %s: %w", rp, err)
	}

	if err := e.st.HashInvalidate(side, rp); err != nil {
		return err
	}
	e.idx.Remove(side, rp)
	return nil
}
