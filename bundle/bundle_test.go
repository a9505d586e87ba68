package bundle

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, contents []byte) (string, string) {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(contents)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir, err := ioutil.TempDir("", "pepr-bundle")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "module.gz")
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))

	sum := sha256.Sum256(buf.Bytes())
	return path, hex.EncodeToString(sum[:])
}

func TestOpen(t *testing.T) {
	contents := []byte(`{"capabilities":["addLabel"]}`)
	path, hash := writeBundle(t, contents)

	got, err := Open(path, hash)
	require.NoError(t, err)
	assert.Equal(t, contents, got)

	// Hash comparison is case-insensitive.
	got, err = Open(path, strings.ToUpper(hash))
	require.NoError(t, err)
	assert.Equal(t, contents, got)
}

func TestOpenHashMismatch(t *testing.T) {
	path, _ := writeBundle(t, []byte("data"))

	_, err := Open(path, strings.Repeat("ab", 32))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestOpenMissingHash(t *testing.T) {
	path, _ := writeBundle(t, []byte("data"))

	_, err := Open(path, "")
	assert.Error(t, err)
}

func TestOpenNotGzip(t *testing.T) {
	dir, err := ioutil.TempDir("", "pepr-bundle")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "module.gz")
	data := []byte("plain text, not gzip")
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	sum := sha256.Sum256(data)
	_, err = Open(path, hex.EncodeToString(sum[:]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip")
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open("/does/not/exist", strings.Repeat("ab", 32))
	assert.Error(t, err)
}
