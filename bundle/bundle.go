// Package bundle loads the module bundle delivered to the controller: a
// gzip-compressed blob identified by its SHA-256 content hash. The hash is
// passed as a startup argument and verified before any decode.
package bundle

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
)

// Verify checks the SHA-256 content hash of the raw bundle data against the
// expected hex digest. The comparison is case-insensitive.
func Verify(data []byte, sha256Hex string) error {
	if sha256Hex == "" {
		return errors.New("no bundle hash given")
	}

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != strings.ToLower(sha256Hex) {
		return errors.Errorf("bundle hash mismatch: got %s, want %s", got, strings.ToLower(sha256Hex))
	}
	return nil
}

// Open reads the compressed bundle at path, verifies its content hash and
// returns the decompressed contents. The hash covers the blob as delivered,
// not the decompressed contents.
func Open(path, sha256Hex string) ([]byte, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bundle")
	}

	if err := Verify(data, sha256Hex); err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "bundle is not valid gzip data")
	}
	defer zr.Close()

	contents, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress bundle")
	}
	return contents, nil
}
