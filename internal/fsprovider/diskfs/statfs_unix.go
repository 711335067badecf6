//go:build unix

package diskfs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// volumeStats returns the size and the space available to unprivileged users
// of the volume holding dir.
func volumeStats(dir string) (capacity, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to statfs %s: %w", dir, err)
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Blocks) * bsize, uint64(st.Bavail) * bsize, nil
}
