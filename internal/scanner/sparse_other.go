//go:build !unix

package scanner

import "io/fs"

// detectSparse always reports false on platforms without POSIX block-count
// stat fields.
func detectSparse(path string, info fs.FileInfo) bool {
	return false
}
