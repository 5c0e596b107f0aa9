//go:build unix

package scan

import (
	"io/fs"
	"syscall"
)

// fileID identifies a filesystem object across path spellings.
type fileID struct {
	dev uint64
	ino uint64
}

// idFromInfo keys a visited-set entry by device and inode so cycles are
// detected regardless of how the path was spelled. Falls back to a
// path-keyed id when the platform stat is unavailable.
func idFromInfo(path string, info fs.FileInfo) fileID {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	}

	return pathID(path)
}
