//go:build unix

package ingest

import (
	"os"
	"syscall"
)

// sysIdentity extracts (device, inode) from a stat result.
func sysIdentity(fi os.FileInfo) (int64, int64) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return int64(st.Dev), int64(st.Ino)
	}
	return 0, 0
}
