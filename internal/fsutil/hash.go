package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// hashKey identifies one file state. Keying on the stat identity means
// a rewritten file misses the cache and is hashed again, so staleness
// checks always see current content.
type hashKey struct {
	path  string
	mtime int64
	size  int64
}

// Hasher computes hex-encoded SHA-256 content hashes of files, memoizing
// results per (path, mtime, size) so repeatedly consulted declaration
// files are read once. The cache is bounded; large trees do not pin
// every file digest in memory.
type Hasher struct {
	cache *lru.Cache[hashKey, string]
}

const hashCacheSize = 4096

// NewHasher returns a Hasher with an empty cache.
func NewHasher() *Hasher {
	cache, err := lru.New[hashKey, string](hashCacheSize)
	if err != nil {
		panic(err)
	}
	return &Hasher{cache: cache}
}

// HashFile returns the content hash of the file at path.
func (h *Hasher) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	key := hashKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if sum, ok := h.cache.Get(key); ok {
		return sum, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	sum := hex.EncodeToString(digest.Sum(nil))
	h.cache.Add(key, sum)
	return sum, nil
}

// HashBytes returns the content hash of an in-memory blob, in the same
// encoding HashFile uses.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
