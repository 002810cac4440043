package fuse

import "hash/fnv"

// stableIno derives an inode number from the page id and the path inside
// the mount, so two mounted pages never share inode numbers.
func stableIno(page, path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(page))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return h.Sum64()
}
