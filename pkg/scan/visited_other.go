//go:build !unix

package scan

import (
	"io/fs"
)

// fileID identifies a filesystem object across path spellings.
type fileID struct {
	dev uint64
	ino uint64
}

// idFromInfo keys a visited-set entry by resolved path on platforms
// without device/inode stat support.
func idFromInfo(path string, _ fs.FileInfo) fileID {
	return pathID(path)
}
