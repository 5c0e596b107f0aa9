package scan

import (
	"hash/fnv"
	"path/filepath"
)

// pathID derives a visited-set key from the resolved path. Used as the
// fallback when device/inode identity is unavailable.
func pathID(path string) fileID {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(resolved))

	return fileID{dev: ^uint64(0), ino: h.Sum64()}
}
