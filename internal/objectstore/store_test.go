package objectstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
)

func TestKeyFor(t *testing.T) {
	at := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	got := KeyFor("a1", "f1", "sample.py", at)
	want := "analysis/2024-09/02_Monday/a1-f1/sample.py"
	if got != want {
		t.Errorf("KeyFor = %q, want %q", got, want)
	}
}

func TestFilesystemRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("import os\nprint(os.getcwd())\n"), 200)
	random := []byte{0x8f, 0x01, 0xfe, 0x22, 0x90, 0x4c}

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			fsys, err := NewFilesystem(Options{Dir: t.TempDir(), PublicURL: "http://cg.test/", Compression: c})
			if err != nil {
				t.Fatalf("NewFilesystem: %v", err)
			}
			ctx := context.Background()
			for name, data := range map[string][]byte{"text": text, "random": random, "empty": {}} {
				key := "analysis/x/" + name
				if err := fsys.Put(ctx, key, data); err != nil {
					t.Fatalf("Put(%s): %v", name, err)
				}
				got, err := fsys.Get(ctx, key)
				if err != nil {
					t.Fatalf("Get(%s): %v", name, err)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("%s: round trip mismatch (%d bytes, want %d)", name, len(got), len(data))
				}
			}
		})
	}
}

func TestFilesystemCompressesText(t *testing.T) {
	dir := t.TempDir()
	fsys, err := NewFilesystem(Options{Dir: dir, Compression: CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("powershell -enc AAAA "), 500)
	if err := fsys.Put(context.Background(), "k/v.ps1", data); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "k", "v.ps1"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= int64(len(data)) {
		t.Errorf("stored %d bytes for %d bytes of text", info.Size(), len(data))
	}
}

func TestFilesystemEncrypted(t *testing.T) {
	dir := t.TempDir()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	idPath := filepath.Join(dir, "age.key")
	if err := os.WriteFile(idPath, []byte("# test key\n"+id.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	objects := filepath.Join(dir, "objects")
	fsys, err := NewFilesystem(Options{Dir: objects, Compression: CompressionLZ4, AgeIdentityPath: idPath})
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	ctx := context.Background()
	data := []byte("MZ fake stealer payload with a webhook inside")
	if err := fsys.Put(ctx, "a/b.exe", data); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(objects, "a", "b.exe"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("webhook")) {
		t.Errorf("plaintext visible on disk")
	}

	got, err := fsys.Get(ctx, "a/b.exe")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q", got)
	}
}

func TestFilesystemKeys(t *testing.T) {
	fsys, err := NewFilesystem(Options{Dir: t.TempDir(), PublicURL: "http://cg.test/"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../x", "a/../../x", "a//b", "a\\b", "."} {
		if err := fsys.Put(ctx, key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}

	if _, err := fsys.Get(ctx, "missing/obj"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	loc := fsys.Location("analysis/2024-09/02_Monday/a-f/s.py")
	if loc != "http://cg.test/objects/analysis/2024-09/02_Monday/a-f/s.py" {
		t.Errorf("Location = %q", loc)
	}
	if strings.Contains(loc, "//objects") {
		t.Errorf("double slash in %q", loc)
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "lz4": CompressionLZ4, "zstd": CompressionZstd} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Errorf("ParseCompression(gzip) succeeded")
	}
}
