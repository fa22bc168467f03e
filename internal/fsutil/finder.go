// Package fsutil provides the file system helpers the configuration run
// needs: declaration-file discovery, content hashing and atomic writes.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFilesByExtension lists the regular files directly under dir whose
// names end with extension, sorted by name so callers process them in a
// deterministic order. A missing directory yields an empty result rather
// than an error, so optional declaration directories need no existence
// check at the call site.
func FindFilesByExtension(dir string, extension string) ([]string, error) {
	if extension == "" {
		return nil, errors.New("fsutil: extension must not be empty")
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
