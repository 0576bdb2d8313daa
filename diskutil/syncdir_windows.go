package diskutil

import (
	"github.com/tshlabs/mailidx/mlog"
)

// SyncDir is a no-op on Windows; there is no directory-fsync equivalent.
func SyncDir(log *mlog.Log, dir string) error {
	return nil
}
