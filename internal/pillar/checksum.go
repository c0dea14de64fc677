package pillar

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Supported checksum algorithms.
const (
	ChecksumMD5     = "MD5"
	ChecksumSHA256  = "SHA256"
	ChecksumSHA3256 = "SHA3-256"
)

// ErrUnsupportedChecksum is returned for an unknown checksum algorithm.
var ErrUnsupportedChecksum = errors.New("unsupported checksum type")

// NormalizeChecksumType returns the canonical name of a checksum algorithm,
// accepting spellings like "sha-256" or "sha3_256".
func NormalizeChecksumType(name string) (string, error) {
	n := strings.ToUpper(strings.NewReplacer("-", "", "_", "").Replace(name))
	switch n {
	case "MD5":
		return ChecksumMD5, nil
	case "SHA256":
		return ChecksumSHA256, nil
	case "SHA3256":
		return ChecksumSHA3256, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChecksum, name)
}

func newHash(checksumType string) (hash.Hash, error) {
	t, err := NormalizeChecksumType(checksumType)
	if err != nil {
		return nil, err
	}
	switch t {
	case ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA3256:
		return sha3.New256(), nil
	default:
		return sha256.New(), nil
	}
}

// Checksum returns the lowercase hex checksum of data.
func Checksum(checksumType string, data []byte) (string, error) {
	h, err := newHash(checksumType)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
