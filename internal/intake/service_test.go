package intake

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cordguard/cordguard/internal/analysis"
	"github.com/cordguard/cordguard/internal/files"
	"github.com/cordguard/cordguard/internal/hasher"
	"github.com/cordguard/cordguard/internal/hashpool"
	"github.com/cordguard/cordguard/internal/metrics"
	"github.com/cordguard/cordguard/internal/objectstore"
	"github.com/cordguard/cordguard/internal/repository"
)

const publicURL = "http://cg.test"

type fixture struct {
	svc     *Service
	repo    *repository.GormRepo
	objects *objectstore.Filesystem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := repository.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	objects, err := objectstore.NewFilesystem(objectstore.Options{Dir: t.TempDir(), PublicURL: publicURL, Compression: objectstore.CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}

	pool := hashpool.NewPool(2, hasher.SHA256, logger)
	pool.Start()
	t.Cleanup(pool.Shutdown)

	now := func() time.Time { return time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC) }
	return &fixture{
		repo:    repo,
		objects: objects,
		svc: NewService(Deps{
			Pool:     pool,
			Files:    files.NewRegistry(repo, hasher.SHA256, now),
			Analyses: analysis.NewStore(repo, now),
			Objects:  objects,
			Policy:   DefaultPolicy(),
			Metrics:  metrics.Discard(),
			Logger:   logger,
			Now:      now,
		}),
	}
}

func TestSubmitFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := []byte("import os\nprint(os.environ)\n")

	rc, err := f.svc.SubmitFile(ctx, Upload{Name: "../stealer grab.py", Content: content})
	if err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	if rc.Duplicate || rc.AnalysisID == "" {
		t.Fatalf("receipt = %+v", rc)
	}

	rec, err := f.repo.GetAnalysis(ctx, rc.AnalysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if rec.Status != repository.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}

	hash, _ := hasher.Hash(content, hasher.SHA256)
	if rec.FileHash != hash {
		t.Errorf("file hash = %s, want %s", rec.FileHash, hash)
	}
	file, err := f.repo.GetFile(ctx, hash)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if file.Name != "stealer_grab.py" || file.Extension != ".py" || file.Size != int64(len(content)) {
		t.Errorf("file = %+v", file)
	}

	prefix := publicURL + "/objects/analysis/2024-09/02_Monday/" + rc.AnalysisID + "-"
	if !strings.HasPrefix(file.Location, prefix) || !strings.HasSuffix(file.Location, "/stealer_grab.py") {
		t.Errorf("location = %q", file.Location)
	}
	stored, err := f.objects.Get(ctx, strings.TrimPrefix(file.Location, publicURL+"/objects/"))
	if err != nil {
		t.Fatalf("object Get: %v", err)
	}
	if string(stored) != string(content) {
		t.Errorf("stored object differs")
	}

	again, err := f.svc.SubmitFile(ctx, Upload{Name: "renamed.ps1", Content: content})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Duplicate || again.AnalysisID != rc.AnalysisID {
		t.Errorf("resubmit receipt = %+v, want duplicate of %s", again, rc.AnalysisID)
	}
}

func TestSubmitFileRejections(t *testing.T) {
	f := newFixture(t)
	elf := append([]byte("\x7fELF\x02\x01\x01\x00"), make([]byte, 120)...)

	cases := []struct {
		name string
		up   Upload
		want error
	}{
		{"extension", Upload{Name: "notes.txt", Content: []byte("x")}, ErrUnsupportedType},
		{"no extension", Upload{Name: "..exe", Content: []byte("x")}, ErrNoExtension},
		{"empty", Upload{Name: "a.py"}, ErrTooLarge},
		{"too large", Upload{Name: "a.py", Content: make([]byte, DefaultMaxBytes+1)}, ErrTooLarge},
		{"sniffed elf", Upload{Name: "a.exe", Content: elf}, ErrExecutable},
		{"declared elf", Upload{Name: "a.sh", DeclaredType: "application/x-executable", Content: []byte("echo hi")}, ErrExecutable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SubmitFile(context.Background(), tc.up)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := f.repo.FindAnalysisByStatus(context.Background(), repository.StatusPending); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("rejected uploads created an analysis (err = %v)", err)
	}
}

func TestSubmitMail(t *testing.T) {
	f := newFixture(t)
	script := base64.StdEncoding.EncodeToString([]byte("Write-Host 'hello'\r\n"))
	notes := base64.StdEncoding.EncodeToString([]byte("just text"))

	msg := strings.Join([]string{
		"From: analyst@example.com",
		"To: intake@cordguard.test",
		"Subject: samples",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"two files attached",
		"--b1",
		`Content-Type: application/octet-stream; name="run.ps1"`,
		`Content-Disposition: attachment; filename="run.ps1"`,
		"Content-Transfer-Encoding: base64",
		"",
		script,
		"--b1",
		`Content-Type: text/plain; name="notes.txt"`,
		`Content-Disposition: attachment; filename="notes.txt"`,
		"Content-Transfer-Encoding: base64",
		"",
		notes,
		"--b1--",
		"",
	}, "\r\n")

	receipts, err := f.svc.SubmitMail(context.Background(), strings.NewReader(msg))
	if err != nil {
		t.Fatalf("SubmitMail: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("receipts = %d, want 2", len(receipts))
	}
	byName := map[string]MailReceipt{}
	for _, r := range receipts {
		byName[r.Name] = r
	}
	if r := byName["run.ps1"]; r.Err != nil || r.Receipt == nil {
		t.Errorf("run.ps1: %+v", r)
	}
	if r := byName["notes.txt"]; !errors.Is(r.Err, ErrUnsupportedType) {
		t.Errorf("notes.txt err = %v, want ErrUnsupportedType", r.Err)
	}
}

func TestSubmitMailWithoutAttachments(t *testing.T) {
	f := newFixture(t)
	msg := "From: a@example.com\r\nSubject: hi\r\n\r\nno files here\r\n"
	if _, err := f.svc.SubmitMail(context.Background(), strings.NewReader(msg)); !errors.Is(err, ErrNoAttachments) {
		t.Errorf("err = %v, want ErrNoAttachments", err)
	}
}
