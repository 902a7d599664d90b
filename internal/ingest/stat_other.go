//go:build !unix

package ingest

import "os"

// sysIdentity has no device/inode identity on this platform; cursor
// invalidation falls back to size and mtime checks.
func sysIdentity(fi os.FileInfo) (int64, int64) {
	return 0, 0
}
