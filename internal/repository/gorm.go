package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Row models for the embedded SQLite backend.

type fileRow struct {
	Hash             string `gorm:"primaryKey;size:128"`
	Name             string
	Extension        string
	Size             int64
	MediaType        string
	Location         string
	SimilarityDigest string
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
}

func (fileRow) TableName() string { return "files" }

type analysisRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	FileHash   string `gorm:"uniqueIndex;size:128;not null"`
	Status     string `gorm:"index;size:16;not null"`
	Percentage int
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false;index"`
}

func (analysisRow) TableName() string { return "analyses" }

type workerRow struct {
	SignedHWID string `gorm:"primaryKey;column:signed_hwid;size:256"`
	HWID       string `gorm:"column:hwid;not null"`
	PublicIP   string
	Signed     bool
	Acquired   bool
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (workerRow) TableName() string { return "workers" }

type missionRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	WorkerSignedHWID string `gorm:"column:worker_signed_hwid;index;size:256;not null"`
	AnalysisID       string `gorm:"index;size:64;not null"`
	FileHash         string
	FileLocation     string
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
	ClosedAt         *time.Time
}

func (missionRow) TableName() string { return "missions" }

type resultRow struct {
	AnalysisID         string `gorm:"primaryKey;size:64"`
	MissionID          string
	SignedHWID         string `gorm:"column:signed_hwid"`
	Status             string
	Type               string
	Webhook            string
	IsValidWebhook     bool
	IsPyInstaller      bool `gorm:"column:is_pyinstaller"`
	PyInstallerVersion string `gorm:"column:pyinstaller_version"`
	IsUPXPacked        bool   `gorm:"column:is_upx_packed"`
	PythonVersion      string
	CreatedAt          time.Time `gorm:"autoCreateTime:false"`
}

func (resultRow) TableName() string { return "results" }

// GormRepo implements Repository on gorm with the SQLite driver.
type GormRepo struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database and migrates the schema.
// Use ":memory:" for a private in-process database.
func OpenSQLite(dsn string) (*GormRepo, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("repo open sqlite: %w", err)
	}

	// SQLite serialises writers; one connection also keeps ":memory:"
	// databases shared across goroutines.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("repo open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&fileRow{}, &analysisRow{}, &workerRow{}, &missionRow{}, &resultRow{}); err != nil {
		return nil, fmt.Errorf("repo migrate: %w", err)
	}
	return &GormRepo{db: db}, nil
}

func (r *GormRepo) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	return r.db.WithContext(ctx), cancel
}

// insert creates row, reporting ErrConflict when the primary or a unique
// key is already present.
func (r *GormRepo) insert(ctx context.Context, op string, row any) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return fmt.Errorf("repo %s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *GormRepo) take(ctx context.Context, op string, dest any, query string, args ...any) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	if err := db.Where(query, args...).Take(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("repo %s: %w", op, err)
	}
	return nil
}

func (r *GormRepo) latest(ctx context.Context, op string, dest any, query string, args ...any) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	err := db.Where(query, args...).Order("created_at DESC").Order("id DESC").Limit(1).Take(dest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("repo %s: %w", op, err)
	}
	return nil
}

// ---------- files ----------

func (r *GormRepo) CreateFile(ctx context.Context, rec *FileRecord) error {
	row := fileRow(*rec)
	return r.insert(ctx, "createFile", &row)
}

func (r *GormRepo) GetFile(ctx context.Context, hash string) (*FileRecord, error) {
	var row fileRow
	if err := r.take(ctx, "getFile", &row, "hash = ?", hash); err != nil {
		return nil, err
	}
	rec := FileRecord(row)
	return &rec, nil
}

// ---------- analyses ----------

func (r *GormRepo) CreateAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	return r.insert(ctx, "createAnalysis", analysisToRow(rec))
}

func (r *GormRepo) GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	var row analysisRow
	if err := r.take(ctx, "getAnalysis", &row, "id = ?", id); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *GormRepo) GetAnalysisByFile(ctx context.Context, fileHash string) (*AnalysisRecord, error) {
	var row analysisRow
	if err := r.take(ctx, "getAnalysisByFile", &row, "file_hash = ?", fileHash); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *GormRepo) FindAnalysisByStatus(ctx context.Context, status Status) (*AnalysisRecord, error) {
	var row analysisRow
	if err := r.take(ctx, "findAnalysisByStatus", &row, "status = ?", string(status)); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *GormRepo) ListAnalysesByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*AnalysisRecord, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var rows []analysisRow
	err := db.Where("status = ? AND updated_at < ?", string(status), updatedBefore).
		Order("updated_at").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repo listAnalysesByStatus: %w", err)
	}
	out := make([]*AnalysisRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (r *GormRepo) UpdateAnalysisStatus(ctx context.Context, id string, status Status, at time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&analysisRow{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("repo updateAnalysisStatus: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) SwapAnalysisStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&analysisRow{}).Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("repo swapAnalysisStatus: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func analysisToRow(rec *AnalysisRecord) *analysisRow {
	return &analysisRow{
		ID:         rec.ID,
		FileHash:   rec.FileHash,
		Status:     string(rec.Status),
		Percentage: rec.Percentage,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func (row *analysisRow) record() *AnalysisRecord {
	return &AnalysisRecord{
		ID:         row.ID,
		FileHash:   row.FileHash,
		Status:     Status(row.Status),
		Percentage: row.Percentage,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

// ---------- workers ----------

func (r *GormRepo) CreateWorker(ctx context.Context, w *Worker) error {
	row := workerRow(*w)
	return r.insert(ctx, "createWorker", &row)
}

func (r *GormRepo) GetWorker(ctx context.Context, signedHWID string) (*Worker, error) {
	var row workerRow
	if err := r.take(ctx, "getWorker", &row, "signed_hwid = ?", signedHWID); err != nil {
		return nil, err
	}
	w := Worker(row)
	return &w, nil
}

func (r *GormRepo) SetWorkerAcquired(ctx context.Context, signedHWID string, acquired bool, at time.Time) (*Worker, error) {
	db, cancel := r.conn(ctx)
	res := db.Model(&workerRow{}).Where("signed_hwid = ?", signedHWID).
		Updates(map[string]any{"acquired": acquired, "updated_at": at})
	cancel()
	if res.Error != nil {
		return nil, fmt.Errorf("repo setWorkerAcquired: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetWorker(ctx, signedHWID)
}

// ---------- missions ----------

func (r *GormRepo) CreateMission(ctx context.Context, m *Mission) error {
	return r.insert(ctx, "createMission", missionToRow(m))
}

func (r *GormRepo) GetMission(ctx context.Context, id string) (*Mission, error) {
	var row missionRow
	if err := r.take(ctx, "getMission", &row, "id = ?", id); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *GormRepo) GetMissionByWorker(ctx context.Context, signedHWID string) (*Mission, error) {
	var row missionRow
	if err := r.latest(ctx, "getMissionByWorker", &row, "worker_signed_hwid = ?", signedHWID); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *GormRepo) GetMissionByAnalysis(ctx context.Context, analysisID string) (*Mission, error) {
	var row missionRow
	if err := r.latest(ctx, "getMissionByAnalysis", &row, "analysis_id = ?", analysisID); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *GormRepo) CloseMission(ctx context.Context, id string, at time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&missionRow{}).Where("id = ?", id).Update("closed_at", at)
	if res.Error != nil {
		return fmt.Errorf("repo closeMission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func missionToRow(m *Mission) *missionRow {
	row := &missionRow{
		ID:               m.ID,
		WorkerSignedHWID: m.WorkerSignedHWID,
		AnalysisID:       m.AnalysisID,
		FileHash:         m.FileHash,
		FileLocation:     m.FileLocation,
		CreatedAt:        m.CreatedAt,
	}
	if !m.ClosedAt.IsZero() {
		closed := m.ClosedAt
		row.ClosedAt = &closed
	}
	return row
}

func (row *missionRow) record() *Mission {
	m := &Mission{
		ID:               row.ID,
		WorkerSignedHWID: row.WorkerSignedHWID,
		AnalysisID:       row.AnalysisID,
		FileHash:         row.FileHash,
		FileLocation:     row.FileLocation,
		CreatedAt:        row.CreatedAt,
	}
	if row.ClosedAt != nil {
		m.ClosedAt = *row.ClosedAt
	}
	return m
}

// ---------- results ----------

func (r *GormRepo) CreateResult(ctx context.Context, res *Result) error {
	row := resultRow(*res)
	return r.insert(ctx, "createResult", &row)
}

func (r *GormRepo) GetResult(ctx context.Context, analysisID string) (*Result, error) {
	var row resultRow
	if err := r.take(ctx, "getResult", &row, "analysis_id = ?", analysisID); err != nil {
		return nil, err
	}
	res := Result(row)
	return &res, nil
}

// ---------- lifecycle ----------

func (r *GormRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *GormRepo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
