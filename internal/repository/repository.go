package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the key or query.
	ErrNotFound = errors.New("repository: record not found")

	// ErrConflict is returned by Create* when the key is already taken.
	ErrConflict = errors.New("repository: record already exists")
)

// Status is the lifecycle state of an AnalysisRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is an edge of
// pending -> analyzing -> {completed, failed}.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAnalyzing
	case StatusAnalyzing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// FileRecord is one unique piece of submitted content, keyed by its digest.
type FileRecord struct {
	Hash             string    `cbor:"hash"`
	Name             string    `cbor:"name"`
	Extension        string    `cbor:"extension"`
	Size             int64     `cbor:"size"`
	MediaType        string    `cbor:"media_type"`
	Location         string    `cbor:"location"`
	SimilarityDigest string    `cbor:"similarity_digest"`
	CreatedAt        time.Time `cbor:"created_at"`
}

// AnalysisRecord is the unit of analysis work for one FileRecord.
type AnalysisRecord struct {
	ID         string    `cbor:"id"`
	FileHash   string    `cbor:"file_hash"`
	Status     Status    `cbor:"status"`
	Percentage int       `cbor:"percentage"`
	CreatedAt  time.Time `cbor:"created_at"`
	UpdatedAt  time.Time `cbor:"updated_at"`
}

// Worker is a registered remote analysis agent.
type Worker struct {
	SignedHWID string    `cbor:"signed_hwid"`
	HWID       string    `cbor:"hwid"`
	PublicIP   string    `cbor:"public_ip"`
	Signed     bool      `cbor:"signed"`
	Acquired   bool      `cbor:"acquired"`
	CreatedAt  time.Time `cbor:"created_at"`
	UpdatedAt  time.Time `cbor:"updated_at"`
}

// Mission binds one worker to one analysis. A zero ClosedAt means the
// mission is still live.
type Mission struct {
	ID               string    `cbor:"id"`
	WorkerSignedHWID string    `cbor:"worker_signed_hwid"`
	AnalysisID       string    `cbor:"analysis_id"`
	FileHash         string    `cbor:"file_hash"`
	FileLocation     string    `cbor:"file_location"`
	CreatedAt        time.Time `cbor:"created_at"`
	ClosedAt         time.Time `cbor:"closed_at"`
}

// Open reports whether the mission has not been closed.
func (m *Mission) Open() bool { return m.ClosedAt.IsZero() }

// Result is the terminal payload a worker submits for an analysis.
type Result struct {
	AnalysisID         string    `cbor:"analysis_id"`
	MissionID          string    `cbor:"mission_id"`
	SignedHWID         string    `cbor:"signed_hwid"`
	Status             string    `cbor:"status"`
	Type               string    `cbor:"type"`
	Webhook            string    `cbor:"webhook"`
	IsValidWebhook     bool      `cbor:"is_valid_webhook"`
	IsPyInstaller      bool      `cbor:"is_pyinstaller"`
	PyInstallerVersion string    `cbor:"pyinstaller_version"`
	IsUPXPacked        bool      `cbor:"is_upx_packed"`
	PythonVersion      string    `cbor:"python_version"`
	CreatedAt          time.Time `cbor:"created_at"`
}

// FileStore persists FileRecords keyed by content hash.
type FileStore interface {
	// CreateFile inserts rec. Returns ErrConflict if the hash exists.
	CreateFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, hash string) (*FileRecord, error)
}

// AnalysisStore persists AnalysisRecords keyed by analysis id. At most one
// record may exist per file hash.
type AnalysisStore interface {
	// CreateAnalysis inserts rec. Returns ErrConflict if the id or the
	// file hash is already taken.
	CreateAnalysis(ctx context.Context, rec *AnalysisRecord) error
	GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error)
	GetAnalysisByFile(ctx context.Context, fileHash string) (*AnalysisRecord, error)

	// FindAnalysisByStatus returns any one record in status, or ErrNotFound.
	FindAnalysisByStatus(ctx context.Context, status Status) (*AnalysisRecord, error)

	// ListAnalysesByStatus returns up to limit records in status last
	// updated before the given time.
	ListAnalysesByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*AnalysisRecord, error)

	// UpdateAnalysisStatus sets status and updated_at unconditionally.
	UpdateAnalysisStatus(ctx context.Context, id string, status Status, at time.Time) error

	// SwapAnalysisStatus sets status to `to` only if it is currently
	// `from`. Exactly one of any number of concurrent callers observes true.
	SwapAnalysisStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
}

// WorkerStore persists Workers keyed by signed hardware id.
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, signedHWID string) (*Worker, error)
	SetWorkerAcquired(ctx context.Context, signedHWID string, acquired bool, at time.Time) (*Worker, error)
}

// MissionStore persists Missions keyed by mission id.
type MissionStore interface {
	CreateMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)

	// GetMissionByWorker returns the worker's most recent mission.
	GetMissionByWorker(ctx context.Context, signedHWID string) (*Mission, error)

	// GetMissionByAnalysis returns the analysis's most recent mission.
	GetMissionByAnalysis(ctx context.Context, analysisID string) (*Mission, error)

	CloseMission(ctx context.Context, id string, at time.Time) error
}

// ResultStore persists Results keyed by analysis id.
type ResultStore interface {
	CreateResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, analysisID string) (*Result, error)
}

// Repository is the full persistence collaborator.
// Implementations must honour the supplied context for cancellation and timeouts.
type Repository interface {
	FileStore
	AnalysisStore
	WorkerStore
	MissionStore
	ResultStore

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error
	Close() error
}
