// Package objectstore keeps uploaded samples on local disk and hands out
// the URL workers download them from.
package objectstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
)

var (
	ErrNotFound   = errors.New("objectstore: object not found")
	ErrInvalidKey = errors.New("objectstore: invalid key")
)

// Store is the object storage collaborator used by intake and the
// download route.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Location(key string) string
}

// KeyFor lays samples out by submission day:
// analysis/{YYYY-MM}/{DD}_{Weekday}/{analysisID}-{fileID}/{name}.
func KeyFor(analysisID, fileID, name string, t time.Time) string {
	return path.Join(
		"analysis",
		t.Format("2006-01"),
		t.Format("02_Monday"),
		analysisID+"-"+fileID,
		name,
	)
}

// Options configure a Filesystem store.
type Options struct {
	Dir         string
	PublicURL   string // prefix of Location, e.g. https://cordguard.example
	Compression Compression
	// AgeIdentityPath, when set, names an age X25519 identity file.
	// Objects are encrypted to its recipient.
	AgeIdentityPath string
}

// Filesystem stores each object as one file under Dir.
type Filesystem struct {
	dir         string
	publicURL   string
	compression Compression
	identity    *age.X25519Identity
}

// NewFilesystem creates Dir if needed and loads the age identity.
func NewFilesystem(opts Options) (*Filesystem, error) {
	if opts.Dir == "" {
		return nil, errors.New("objectstore: empty directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create dir: %w", err)
	}
	fsys := &Filesystem{
		dir:         filepath.Clean(opts.Dir),
		publicURL:   strings.TrimRight(opts.PublicURL, "/"),
		compression: opts.Compression,
	}
	if opts.AgeIdentityPath != "" {
		id, err := LoadAgeIdentity(opts.AgeIdentityPath)
		if err != nil {
			return nil, err
		}
		fsys.identity = id
	}
	return fsys, nil
}

// LoadAgeIdentity reads the first X25519 identity from an age key file.
func LoadAgeIdentity(p string) (*age.X25519Identity, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open age identity: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse age identity: %w", err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("objectstore: %s holds no X25519 identity", p)
}

// Location is the URL a worker fetches key from.
func (f *Filesystem) Location(key string) string {
	return f.publicURL + "/objects/" + key
}

// Check reports whether the storage directory is reachable.
func (f *Filesystem) Check() error {
	_, err := os.Stat(f.dir)
	return err
}

func (f *Filesystem) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	dest := filepath.Join(f.dir, filepath.FromSlash(clean))
	if !strings.HasPrefix(dest, f.dir+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return dest, nil
}

// Put writes data atomically: temp file in the target directory, then
// rename. An existing object under key is replaced.
func (f *Filesystem) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := f.path(key)
	if err != nil {
		return err
	}

	body, err := pack(data, f.compression)
	if err != nil {
		return err
	}
	if f.identity != nil {
		if body, err = seal(body, f.identity.Recipient()); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("objectstore: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "upload-*.tmp")
	if err != nil {
		return fmt.Errorf("objectstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: write: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: close: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: rename: %w", err)
	}
	return nil
}

// Get returns the original bytes stored under key.
func (f *Filesystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := f.path(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read: %w", err)
	}
	if f.identity != nil {
		if body, err = open(body, f.identity); err != nil {
			return nil, err
		}
	}
	return unpack(body)
}

func seal(plaintext []byte, r age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("objectstore: age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("objectstore: age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("objectstore: age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

func open(ciphertext []byte, id age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), id)
	if err != nil {
		return nil, fmt.Errorf("objectstore: age decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objectstore: age decrypt: %w", err)
	}
	return out, nil
}
