// Package mission binds free workers to pending analyses and ingests the
// results they send back.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cordguard/cordguard/internal/analysis"
	"github.com/cordguard/cordguard/internal/files"
	"github.com/cordguard/cordguard/internal/metrics"
	"github.com/cordguard/cordguard/internal/repository"
	"github.com/cordguard/cordguard/internal/workers"
)

// UnknownType is the classification a worker reports when analysis
// produced nothing usable. It finalizes the analysis as failed.
const UnknownType = "unknown"

// claimAttempts bounds how many pending records RequestMission tries to
// claim when other workers keep winning the race.
const claimAttempts = 3

// Verifier checks a worker's signed hardware identifier.
type Verifier interface {
	VerifyHex(hwid, signedHex string) bool
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Files    *files.Registry
	Analyses *analysis.Store
	Workers  *workers.Registry
	Missions repository.MissionStore
	Results  repository.ResultStore
	Verifier Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Coordinator implements worker registration, mission assignment, result
// ingestion and status reporting. It keeps no mutable state of its own.
type Coordinator struct {
	files    *files.Registry
	analyses *analysis.Store
	workers  *workers.Registry
	missions repository.MissionStore
	results  repository.ResultStore
	verifier Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator creates a Coordinator (DI, no global state).
func NewCoordinator(d Deps) *Coordinator {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	m := d.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	return &Coordinator{
		files:    d.Files,
		analyses: d.Analyses,
		workers:  d.Workers,
		missions: d.Missions,
		results:  d.Results,
		verifier: d.Verifier,
		metrics:  m,
		logger:   d.Logger,
		now:      now,
	}
}

// Assignment is the public projection of a Mission.
type Assignment struct {
	MissionID    string
	AnalysisID   string
	FileLocation string
	Recovered    bool // true when an existing mission was returned
}

func assignmentOf(m *repository.Mission, recovered bool) *Assignment {
	return &Assignment{
		MissionID:    m.ID,
		AnalysisID:   m.AnalysisID,
		FileLocation: m.FileLocation,
		Recovered:    recovered,
	}
}

// Registration reports the result of Register.
type Registration struct {
	Worker  *repository.Worker
	Created bool
}

// Register verifies the worker's signature over its hwid and records it.
// Registering an already known worker succeeds with Created=false.
func (c *Coordinator) Register(ctx context.Context, id workers.Identity) (*Registration, error) {
	logger := c.logger.With(slog.String("hwid", id.HWID))

	if !c.verifier.VerifyHex(id.HWID, id.SignedHWID) {
		c.metrics.WorkerRegistered.WithLabelValues("rejected").Inc()
		logger.Warn("worker registration rejected: bad signature")
		return nil, ErrInvalidProof
	}

	w, created, err := c.workers.Register(ctx, id)
	if err != nil {
		return nil, err
	}
	if created {
		c.metrics.WorkerRegistered.WithLabelValues("created").Inc()
		logger.Info("worker registered", slog.String("public_ip", w.PublicIP))
	} else {
		c.metrics.WorkerRegistered.WithLabelValues("existing").Inc()
		logger.Info("worker already registered")
	}
	return &Registration{Worker: w, Created: created}, nil
}

// RequestMission hands the worker identified by signedHWID one pending
// analysis. An already acquired worker gets its current mission back.
// hwid may be empty; when set it must match the registered hwid.
//
// signedHWID is a bearer credential: its signature is checked once, by
// Register, and later calls only resolve it to a registered worker.
//
// If the claim succeeds but the mission cannot be recorded, the analysis
// stays analyzing with no mission. It is logged as orphaned and only
// Reclaim moves it on.
func (c *Coordinator) RequestMission(ctx context.Context, signedHWID, hwid string) (*Assignment, error) {
	w, err := c.workers.Get(ctx, signedHWID)
	if errors.Is(err, repository.ErrNotFound) {
		c.metrics.MissionRequests.WithLabelValues("rejected").Inc()
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		c.metrics.MissionRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	logger := c.logger.With(slog.String("hwid", w.HWID))

	if w.Acquired {
		m, err := c.missions.GetMissionByWorker(ctx, w.SignedHWID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && !m.Open()) {
			c.metrics.MissionRequests.WithLabelValues("error").Inc()
			logger.Error("worker is acquired but has no live mission")
			return nil, ErrInconsistentState
		}
		if err != nil {
			c.metrics.MissionRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("mission recover: %w", err)
		}
		c.metrics.MissionRequests.WithLabelValues("recovered").Inc()
		logger.Info("returning existing mission",
			slog.String("mission_id", m.ID),
			slog.String("analysis_id", m.AnalysisID),
		)
		return assignmentOf(m, true), nil
	}

	if hwid != "" && hwid != w.HWID {
		c.metrics.MissionRequests.WithLabelValues("rejected").Inc()
		logger.Warn("mission request rejected: hwid mismatch", slog.String("claimed_hwid", hwid))
		return nil, ErrInvalidProof
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		rec, err := c.analyses.AnyPending(ctx)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			c.metrics.MissionRequests.WithLabelValues("error").Inc()
			return nil, err
		}

		won, err := c.analyses.Claim(ctx, rec.ID)
		if err != nil {
			c.metrics.MissionRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %w", ErrAssignment, err)
		}
		if !won {
			logger.Debug("lost claim race", slog.String("analysis_id", rec.ID))
			continue
		}

		a, err := c.bind(ctx, w, rec)
		if err != nil {
			c.metrics.MissionRequests.WithLabelValues("error").Inc()
			logger.Error("analysis orphaned: claimed without a mission",
				slog.String("analysis_id", rec.ID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		c.metrics.MissionRequests.WithLabelValues("assigned").Inc()
		logger.Info("mission assigned",
			slog.String("mission_id", a.MissionID),
			slog.String("analysis_id", a.AnalysisID),
		)
		return a, nil
	}

	c.metrics.MissionRequests.WithLabelValues("empty").Inc()
	return nil, ErrNoPendingAnalysis
}

// bind acquires the worker and records the mission for a claimed analysis.
// On failure the analysis stays analyzing and is left for Reclaim.
func (c *Coordinator) bind(ctx context.Context, w *repository.Worker, rec *repository.AnalysisRecord) (*Assignment, error) {
	file, err := c.files.Lookup(ctx, rec.FileHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssignment, err)
	}

	if _, err := c.workers.SetAcquired(ctx, w.SignedHWID, true); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssignment, err)
	}

	m := &repository.Mission{
		ID:               analysis.NewID(),
		WorkerSignedHWID: w.SignedHWID,
		AnalysisID:       rec.ID,
		FileHash:         file.Hash,
		FileLocation:     file.Location,
		CreatedAt:        c.now(),
	}
	if err := c.missions.CreateMission(ctx, m); err != nil {
		if _, rerr := c.workers.SetAcquired(ctx, w.SignedHWID, false); rerr != nil {
			c.logger.Error("release after failed mission create",
				slog.String("hwid", w.HWID),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrAssignment, err)
	}
	return assignmentOf(m, false), nil
}

// Submission is a worker's result payload.
type Submission struct {
	AnalysisID         string
	SignedHWID         string
	HWID               string // optional; must match the registered hwid when set
	Status             string
	Type               string
	Webhook            string
	IsValidWebhook     bool
	IsPyInstaller      bool
	PyInstallerVersion string
	IsUPXPacked        bool
	PythonVersion      string
}

// Classify maps a reported type to the terminal status it produces.
func Classify(resultType string) repository.Status {
	t := strings.ToLower(strings.TrimSpace(resultType))
	if t == "" || t == UnknownType {
		return repository.StatusFailed
	}
	return repository.StatusCompleted
}

// Finalized is returned by SubmitResult.
type Finalized struct {
	AnalysisID string
	Status     repository.Status
}

// SubmitResult finalizes an analysis, releases the worker and stores the
// payload, in that order. A worker that sees any error must resubmit;
// resubmitting after a partial failure completes the remaining steps.
func (c *Coordinator) SubmitResult(ctx context.Context, sub Submission) (*Finalized, error) {
	logger := c.logger.With(slog.String("analysis_id", sub.AnalysisID))

	rec, err := c.analyses.Get(ctx, sub.AnalysisID)
	if errors.Is(err, repository.ErrNotFound) {
		c.metrics.Results.WithLabelValues("error").Inc()
		logger.Warn("result for unknown analysis")
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		c.metrics.Results.WithLabelValues("error").Inc()
		return nil, err
	}

	w, m, err := c.proveBinding(ctx, sub, rec)
	if err != nil {
		c.metrics.Results.WithLabelValues("error").Inc()
		logger.Warn("result rejected", slog.String("error", err.Error()))
		return nil, err
	}

	final := Classify(sub.Type)
	if err := c.finalize(ctx, rec, final, logger); err != nil {
		c.metrics.Results.WithLabelValues("error").Inc()
		return nil, err
	}

	if _, err := c.workers.SetAcquired(ctx, w.SignedHWID, false); err != nil {
		c.metrics.Results.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrWorkerRelease, err)
	}
	if m.Open() {
		if err := c.missions.CloseMission(ctx, m.ID, c.now()); err != nil {
			c.metrics.Results.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %w", ErrWorkerRelease, err)
		}
	}

	res := &repository.Result{
		AnalysisID:         rec.ID,
		MissionID:          m.ID,
		SignedHWID:         w.SignedHWID,
		Status:             sub.Status,
		Type:               resultType(sub.Type),
		Webhook:            sub.Webhook,
		IsValidWebhook:     sub.IsValidWebhook,
		IsPyInstaller:      sub.IsPyInstaller,
		PyInstallerVersion: sub.PyInstallerVersion,
		IsUPXPacked:        sub.IsUPXPacked,
		PythonVersion:      sub.PythonVersion,
		CreatedAt:          c.now(),
	}
	if err := c.results.CreateResult(ctx, res); err != nil && !errors.Is(err, repository.ErrConflict) {
		c.metrics.Results.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrResultPersist, err)
	}

	c.metrics.Results.WithLabelValues(final.String()).Inc()
	logger.Info("analysis finalized",
		slog.String("status", final.String()),
		slog.String("type", res.Type),
		slog.String("mission_id", m.ID),
	)
	return &Finalized{AnalysisID: rec.ID, Status: final}, nil
}

// finalize moves rec from analyzing to final with a conditional write, so a
// concurrent ForceFail is never overwritten. A record already in final is
// a resubmission and succeeds.
func (c *Coordinator) finalize(ctx context.Context, rec *repository.AnalysisRecord, final repository.Status, logger *slog.Logger) error {
	if rec.Status == repository.StatusAnalyzing {
		won, err := c.analyses.Finalize(ctx, rec, final)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStatusUpdate, err)
		}
		if won {
			return nil
		}
		current, err := c.analyses.Get(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStatusUpdate, err)
		}
		logger.Warn("analysis left analyzing before the result landed", slog.String("status", current.Status.String()))
		rec = current
	}
	if rec.Status == final {
		logger.Info("analysis already finalized, completing resubmission")
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.Status, final)
}

// proveBinding checks that the submitter is a registered worker and that
// its latest mission is for rec. The mission binding is the authorization;
// the signed hwid only names the worker.
func (c *Coordinator) proveBinding(ctx context.Context, sub Submission, rec *repository.AnalysisRecord) (*repository.Worker, *repository.Mission, error) {
	w, err := c.workers.Get(ctx, sub.SignedHWID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if sub.HWID != "" && sub.HWID != w.HWID {
		return nil, nil, ErrInvalidProof
	}

	m, err := c.missions.GetMissionByWorker(ctx, w.SignedHWID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrMissionMismatch
	}
	if err != nil {
		return nil, nil, err
	}
	if m.AnalysisID != rec.ID {
		return nil, nil, ErrMissionMismatch
	}
	return w, m, nil
}

func resultType(t string) string {
	if strings.TrimSpace(t) == "" {
		return UnknownType
	}
	return t
}
