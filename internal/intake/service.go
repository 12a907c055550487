// Package intake accepts client submissions: it enforces the upload
// policy, stores the sample and opens a pending analysis for it.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/cordguard/cordguard/internal/analysis"
	"github.com/cordguard/cordguard/internal/files"
	"github.com/cordguard/cordguard/internal/hasher"
	"github.com/cordguard/cordguard/internal/hashpool"
	"github.com/cordguard/cordguard/internal/metrics"
	"github.com/cordguard/cordguard/internal/objectstore"
	"github.com/cordguard/cordguard/internal/repository"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Pool     *hashpool.Pool
	Files    *files.Registry
	Analyses *analysis.Store
	Objects  objectstore.Store
	Policy   Policy
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service implements SubmitFile and SubmitMail.
type Service struct {
	pool     *hashpool.Pool
	files    *files.Registry
	analyses *analysis.Store
	objects  objectstore.Store
	policy   Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	m := d.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	return &Service{
		pool:     d.Pool,
		files:    d.Files,
		analyses: d.Analyses,
		objects:  d.Objects,
		policy:   d.Policy,
		metrics:  m,
		logger:   d.Logger,
		now:      now,
	}
}

// Upload is one file as received from a client.
type Upload struct {
	Name         string
	DeclaredType string // Content-Type sent by the client, may be empty
	Content      []byte
}

// Receipt tells the client which analysis covers its file.
type Receipt struct {
	AnalysisID string
	Duplicate  bool // the content was already known
}

// SubmitFile registers content for analysis. Submitting bytes that are
// already registered returns the existing analysis.
func (s *Service) SubmitFile(ctx context.Context, up Upload) (*Receipt, error) {
	logger := s.logger.With(slog.String("file_name", up.Name))

	acc, err := s.policy.CheckName(up.Name)
	if err == nil {
		err = s.policy.CheckSize(int64(len(up.Content)))
	}
	if err != nil {
		s.metrics.Submissions.WithLabelValues("rejected").Inc()
		logger.Warn("upload rejected", slog.String("reason", err.Error()))
		return nil, err
	}

	digest, err := s.pool.Do(ctx, hashpool.Job{ID: acc.Name, Content: up.Content})
	if err != nil {
		return nil, fmt.Errorf("intake digest: %w", err)
	}

	mediaType := up.DeclaredType
	if mediaType == "" {
		mediaType = digest.MediaType
	}
	if digest.Executable || hasher.IsExecutableType(mediaType) {
		s.metrics.Submissions.WithLabelValues("rejected").Inc()
		logger.Warn("upload rejected", slog.String("reason", ErrExecutable.Error()))
		return nil, ErrExecutable
	}
	logger = logger.With(slog.String("file_hash", digest.Hash))

	file, err := s.files.Lookup(ctx, digest.Hash)
	switch {
	case err == nil:
		rec, _, err := s.analyses.CreateForFile(ctx, file, "")
		if err != nil {
			return nil, err
		}
		s.metrics.Submissions.WithLabelValues("duplicate").Inc()
		logger.Info("file already registered", slog.String("analysis_id", rec.ID))
		return &Receipt{AnalysisID: rec.ID, Duplicate: true}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	analysisID := analysis.NewID()
	fileID := uuid.NewString()
	key := objectstore.KeyFor(analysisID, fileID, acc.Name, s.now())
	if err := s.objects.Put(ctx, key, up.Content); err != nil {
		logger.Error("store object", slog.String("key", key), slog.String("error", err.Error()))
		return nil, fmt.Errorf("intake store: %w", err)
	}
	s.metrics.ObjectBytes.Add(float64(len(up.Content)))

	file, err = s.files.Create(ctx, files.Metadata{
		Name:             acc.Name,
		Extension:        acc.Extension,
		Size:             digest.Size,
		MediaType:        mediaType,
		Location:         s.objects.Location(key),
		SimilarityDigest: digest.Similarity,
	}, digest.Hash)
	if errors.Is(err, repository.ErrConflict) {
		// An identical upload registered first; our object is unused.
		logger.Info("lost registration race", slog.String("orphan_key", key))
		file, err = s.files.Lookup(ctx, digest.Hash)
	}
	if err != nil {
		return nil, err
	}

	rec, created, err := s.analyses.CreateForFile(ctx, file, analysisID)
	if err != nil {
		return nil, err
	}
	if !created {
		s.metrics.Submissions.WithLabelValues("duplicate").Inc()
		return &Receipt{AnalysisID: rec.ID, Duplicate: true}, nil
	}

	s.metrics.Submissions.WithLabelValues("created").Inc()
	logger.Info("file queued for analysis",
		slog.String("analysis_id", rec.ID),
		slog.String("file_id", fileID),
		slog.String("media_type", mediaType),
		slog.Int64("size", digest.Size),
	)
	return &Receipt{AnalysisID: rec.ID}, nil
}

// MailReceipt pairs an attachment name with its outcome.
type MailReceipt struct {
	Name    string
	Receipt *Receipt
	Err     error
}

// SubmitMail parses an RFC 5322 message and submits each attachment.
// Per-attachment rejections are reported in the receipts; only parse
// failures and a message without attachments fail the whole call.
func (s *Service) SubmitMail(ctx context.Context, raw io.Reader) ([]MailReceipt, error) {
	env, err := enmime.ReadEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("intake mail: %w", err)
	}
	parts := slices.Concat(env.Attachments, env.Inlines)
	if len(parts) == 0 {
		return nil, ErrNoAttachments
	}

	s.logger.Info("mail received",
		slog.String("subject", env.GetHeader("Subject")),
		slog.Int("attachments", len(parts)),
	)
	out := make([]MailReceipt, 0, len(parts))
	for _, p := range parts {
		if p.FileName == "" {
			continue
		}
		rc, err := s.SubmitFile(ctx, Upload{
			Name:    p.FileName,
			Content: bytes.Clone(p.Content),
		})
		out = append(out, MailReceipt{Name: p.FileName, Receipt: rc, Err: err})
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAttachments
	}
	return out, nil
}
