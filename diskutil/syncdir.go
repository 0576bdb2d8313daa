//go:build !windows

package diskutil

import (
	"fmt"
	"os"

	"github.com/tshlabs/mailidx/mlog"
)

// SyncDir opens a directory and syncs its contents to disk. Used after
// link/rename/unlink of index, data, hash, or modify log files so the
// directory entry itself is durable before the caller reports success.
func SyncDir(log *mlog.Log, dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	err = d.Sync()
	log.Check(d.Close(), "closing directory after sync")
	return err
}
