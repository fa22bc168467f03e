package wrap

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortarbuild/mortar/internal/hclconf"
)

func makeArchive(t *testing.T, root string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if root != "" {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: root + "/", Typeflag: tar.TypeDir, Mode: 0o755,
		}))
	}
	for name, content := range files {
		if root != "" {
			name = root + "/" + name
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func serveArchive(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureDownloadsAndExtracts(t *testing.T) {
	archive := makeArchive(t, "zlib-1.3", map[string]string{
		"mortar.hcl":    "project {}\n",
		"src/inflate.c": "int inflate;\n",
	})
	srv := serveArchive(t, archive)
	sum := sha256.Sum256(archive)

	r := NewRegistry(filepath.Join(t.TempDir(), "subprojects"))
	dir, err := r.Ensure(context.Background(), hclconf.Wrap{
		Name:   "zlib",
		URL:    srv.URL,
		SHA256: hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)

	// The archive's single root directory is stripped.
	data, err := os.ReadFile(filepath.Join(dir, "mortar.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "project {}\n", string(data))
	_, err = os.Stat(filepath.Join(dir, "src", "inflate.c"))
	assert.NoError(t, err)
}

func TestEnsureChecksumMismatch(t *testing.T) {
	archive := makeArchive(t, "zlib-1.3", map[string]string{"a.c": "x"})
	srv := serveArchive(t, archive)

	r := NewRegistry(filepath.Join(t.TempDir(), "subprojects"))
	_, err := r.Ensure(context.Background(), hclconf.Wrap{
		Name:   "zlib",
		URL:    srv.URL,
		SHA256: "deadbeef",
	})
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "zlib", verr.Name)

	// Nothing half-extracted is left behind.
	entries, readErr := os.ReadDir(filepath.Join(r.dir))
	if readErr == nil {
		for _, e := range entries {
			assert.False(t, e.IsDir(), "unexpected leftover %s", e.Name())
		}
	}
}

func TestEnsureExistingDirectoryWins(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "zlib"), 0o755))

	// No server: an existing directory must short-circuit the download.
	r := NewRegistry(base)
	dir, err := r.Ensure(context.Background(), hclconf.Wrap{Name: "zlib", URL: "http://127.0.0.1:1/x.tgz"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "zlib"), dir)
}

func TestEnsureMissingDirectoryWithoutURL(t *testing.T) {
	r := NewRegistry(t.TempDir())
	_, err := r.Ensure(context.Background(), hclconf.Wrap{Name: "zlib"})
	assert.ErrorContains(t, err, "no url")
}

func TestLookupProvides(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Add(hclconf.Wrap{Name: "zlib", Provides: []string{"zlib-ng"}})
	r.Add(hclconf.Wrap{Name: "sqlite"})

	w, ok := r.Lookup("zlib-ng")
	require.True(t, ok)
	assert.Equal(t, "zlib", w.Name)

	w, ok = r.Lookup("sqlite")
	require.True(t, ok)
	assert.Equal(t, "sqlite", w.Name)

	_, ok = r.Lookup("openssl")
	assert.False(t, ok)

	assert.Equal(t, []string{"sqlite", "zlib"}, r.Names())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	wrapSrc := `
wrap "zlib" {
  url      = "https://example.invalid/zlib-1.3.tar.gz"
  sha256   = "abcd"
  provides = ["zlib-ng"]
  version  = "1.3"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zlib.wrap.hcl"), []byte(wrapSrc), 0o644))

	r := NewRegistry(dir)
	require.NoError(t, r.LoadDir(context.Background(), hclconf.NewLoader()))

	w, ok := r.Lookup("zlib")
	require.True(t, ok)
	assert.Equal(t, "1.3", w.Version)

	// Descriptors for other subprojects are picked up too.
	_, ok = r.Lookup("zlib-ng")
	assert.True(t, ok)
}

func TestLoadDirMissingIsFine(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent"))
	assert.NoError(t, r.LoadDir(context.Background(), hclconf.NewLoader()))
}
