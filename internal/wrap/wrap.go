// Package wrap provides subproject fallback sources: wrap descriptor
// files name an upstream archive (or a pre-existing local directory)
// that can satisfy a dependency request the system probes missed.
package wrap

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mortarbuild/mortar/internal/ctxlog"
	"github.com/mortarbuild/mortar/internal/fsutil"
	"github.com/mortarbuild/mortar/internal/hclconf"
)

const downloadTimeout = 5 * time.Minute

// maxArchiveFileSize bounds a single extracted file.
const maxArchiveFileSize = 1 << 30

// VerificationError reports a downloaded archive whose checksum does
// not match the wrap descriptor.
type VerificationError struct {
	Name string
	Want string
	Got  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("wrap %q: archive checksum mismatch: want %s, got %s", e.Name, e.Want, e.Got)
}

// Registry indexes the wrap descriptors found under the subprojects
// directory and materializes their sources on demand.
type Registry struct {
	dir    string
	client *http.Client

	wraps    map[string]hclconf.Wrap
	provides map[string]string // dependency name -> wrap name
}

// NewRegistry creates a registry rooted at the subprojects directory.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		client:   &http.Client{Timeout: downloadTimeout},
		wraps:    make(map[string]hclconf.Wrap),
		provides: make(map[string]string),
	}
}

// LoadDir reads every wrap descriptor under the subprojects directory.
// A missing directory is fine: the project simply has no fallbacks.
func (r *Registry) LoadDir(ctx context.Context, loader *hclconf.Loader) error {
	files, err := fsutil.FindFilesByExtension(r.dir, ".wrap.hcl")
	if err != nil {
		return fmt.Errorf("scanning %s: %w", r.dir, err)
	}
	for _, f := range files {
		wraps, err := loader.LoadWrapFile(ctx, f)
		if err != nil {
			return err
		}
		for _, w := range wraps {
			r.Add(w)
		}
	}
	ctxlog.FromContext(ctx).Debug("Wrap registry loaded.", "dir", r.dir, "wraps", len(r.wraps))
	return nil
}

// Add registers one wrap. The wrap provides its own name plus any
// explicitly listed dependency names; first registration wins.
func (r *Registry) Add(w hclconf.Wrap) {
	if _, ok := r.wraps[w.Name]; ok {
		return
	}
	r.wraps[w.Name] = w
	provided := append([]string{w.Name}, w.Provides...)
	for _, dep := range provided {
		if _, ok := r.provides[dep]; !ok {
			r.provides[dep] = w.Name
		}
	}
}

// Lookup returns the wrap able to provide a dependency name.
func (r *Registry) Lookup(dep string) (hclconf.Wrap, bool) {
	name, ok := r.provides[dep]
	if !ok {
		return hclconf.Wrap{}, false
	}
	return r.wraps[name], true
}

// Names returns registered wrap names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.wraps))
	for n := range r.wraps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ensure materializes a wrap's source tree and returns its directory.
// A directory that already exists is used as-is, so repeated
// configurations never re-download.
func (r *Registry) Ensure(ctx context.Context, w hclconf.Wrap) (string, error) {
	sub := w.Directory
	if sub == "" {
		sub = w.Name
	}
	dest := filepath.Join(r.dir, sub)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if w.URL == "" {
		return "", fmt.Errorf("wrap %q: directory %s does not exist and no url is given", w.Name, dest)
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("Downloading subproject.", "wrap", w.Name, "url", w.URL)

	archive, err := r.download(ctx, w)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	if err := extractTarGz(archive, dest); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("wrap %q: %w", w.Name, err)
	}
	logger.Info("Subproject ready.", "wrap", w.Name, "dir", dest)
	return dest, nil
}

// download fetches the archive to a temp file, verifying the checksum
// while streaming. The temp file path is returned on success.
func (r *Registry) download(ctx context.Context, w hclconf.Wrap) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL, nil)
	if err != nil {
		return "", fmt.Errorf("wrap %q: %w", w.Name, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wrap %q: downloading %s: %w", w.Name, w.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wrap %q: downloading %s: unexpected status %s", w.Name, w.URL, resp.Status)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("wrap %q: %w", w.Name, err)
	}
	tmp, err := os.CreateTemp(r.dir, w.Name+".archive*")
	if err != nil {
		return "", fmt.Errorf("wrap %q: %w", w.Name, err)
	}
	tmpName := tmp.Name()

	sum := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, sum), resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("wrap %q: downloading %s: %w", w.Name, w.URL, err)
	}

	if w.SHA256 != "" {
		got := hex.EncodeToString(sum.Sum(nil))
		if !strings.EqualFold(got, w.SHA256) {
			os.Remove(tmpName)
			return "", &VerificationError{Name: w.Name, Want: strings.ToLower(w.SHA256), Got: got}
		}
	}
	return tmpName, nil
}

// extractTarGz unpacks a gzipped tarball into dest, stripping the
// archive's single top-level directory when it has one.
func extractTarGz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	prefix := ""
	first := true
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		name := path.Clean(strings.ReplaceAll(hdr.Name, "\\", "/"))
		if name == "." || strings.HasPrefix(name, "..") || strings.HasPrefix(name, "/") {
			continue
		}
		if first {
			// Common layout: everything under foo-1.2.3/.
			if i := strings.IndexByte(name, '/'); i < 0 && hdr.FileInfo().IsDir() {
				prefix = name + "/"
			} else if i > 0 {
				prefix = name[:i+1]
			}
			first = false
		}
		if prefix != "" {
			if name == strings.TrimSuffix(prefix, "/") {
				continue
			}
			if !strings.HasPrefix(name, prefix) {
				// Not a single-root archive after all.
				prefix = ""
			} else {
				name = strings.TrimPrefix(name, prefix)
			}
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, io.LimitReader(tr, maxArchiveFileSize))
			closeErr := out.Close()
			if err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
		case tar.TypeSymlink:
			if strings.HasPrefix(hdr.Linkname, "/") || strings.HasPrefix(hdr.Linkname, "..") {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}
