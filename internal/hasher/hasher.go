// Package hasher computes the content digest, media type and similarity
// digest of submitted files.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/glaslos/tlsh"
	"github.com/zeebo/blake3"
)

// Algorithm names a 256-bit content digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm accepts "sha256" or "blake3". Empty means sha256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(name)) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("hasher: unknown digest algorithm %q", name)
	}
}

// Digest holds computed file metadata.
type Digest struct {
	Hash       string // hex-encoded content digest
	Size       int64
	MediaType  string // sniffed from content
	Executable bool   // ELF image
	Similarity string // TLSH, empty when content is too small or uniform
}

// Compute digests content with alg and sniffs its media type.
func Compute(content []byte, alg Algorithm) (*Digest, error) {
	hash, err := Hash(content, alg)
	if err != nil {
		return nil, err
	}

	mt := mimetype.Detect(content)
	return &Digest{
		Hash:       hash,
		Size:       int64(len(content)),
		MediaType:  mt.String(),
		Executable: isELF(mt),
		Similarity: Similarity(content),
	}, nil
}

// Hash returns the hex digest of content.
func Hash(content []byte, alg Algorithm) (string, error) {
	switch alg {
	case SHA256, "":
		sum := sha256.Sum256(content)
		return hex.EncodeToString(sum[:]), nil
	case BLAKE3:
		sum := blake3.Sum256(content)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("hasher: unknown digest algorithm %q", alg)
	}
}

// Similarity returns the TLSH digest of content with the "T1" prefix, or
// "" when TLSH cannot be computed (fewer than 50 bytes or too little
// variance).
func Similarity(content []byte) string {
	t, err := tlsh.HashBytes(content)
	if err != nil {
		return ""
	}
	return "T1" + strings.ToUpper(t.String())
}

// Distance compares two similarity digests. Lower is more similar.
func Distance(a, b string) (int, error) {
	ta, err := tlsh.ParseStringToTlsh(strings.TrimPrefix(a, "T1"))
	if err != nil {
		return 0, fmt.Errorf("hasher: parse %q: %w", a, err)
	}
	tb, err := tlsh.ParseStringToTlsh(strings.TrimPrefix(b, "T1"))
	if err != nil {
		return 0, fmt.Errorf("hasher: parse %q: %w", b, err)
	}
	return ta.Diff(tb), nil
}

// IsExecutableType reports whether a declared media type names an ELF image.
func IsExecutableType(mediaType string) bool {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	switch mediaType {
	case "application/x-executable", "application/x-elf", "application/x-sharedlib", "application/x-pie-executable":
		return true
	}
	return false
}

func isELF(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/x-elf") {
			return true
		}
	}
	return false
}
