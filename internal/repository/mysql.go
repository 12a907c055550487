package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const dbTimeout = 2 * time.Second

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// Schema is the MySQL DDL applied by Migrate. The DSN must set
// parseTime=true and clientFoundRows=true so updates report matched rows.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		hash              VARCHAR(128) NOT NULL PRIMARY KEY,
		name              VARCHAR(255) NOT NULL,
		extension         VARCHAR(64)  NOT NULL,
		size              BIGINT       NOT NULL,
		media_type        VARCHAR(255) NOT NULL,
		location          TEXT         NOT NULL,
		similarity_digest VARCHAR(80)  NOT NULL DEFAULT '',
		created_at        DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analyses (
		id         VARCHAR(64)  NOT NULL PRIMARY KEY,
		file_hash  VARCHAR(128) NOT NULL,
		status     VARCHAR(16)  NOT NULL,
		percentage INT          NOT NULL DEFAULT 0,
		created_at DATETIME(6)  NOT NULL,
		updated_at DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_analyses_file (file_hash),
		KEY idx_analyses_status (status, updated_at)
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		signed_hwid VARCHAR(256) NOT NULL PRIMARY KEY,
		hwid        VARCHAR(255) NOT NULL,
		public_ip   VARCHAR(64)  NOT NULL,
		signed      BOOLEAN      NOT NULL,
		acquired    BOOLEAN      NOT NULL,
		created_at  DATETIME(6)  NOT NULL,
		updated_at  DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS missions (
		id                 VARCHAR(64)  NOT NULL PRIMARY KEY,
		worker_signed_hwid VARCHAR(256) NOT NULL,
		analysis_id        VARCHAR(64)  NOT NULL,
		file_hash          VARCHAR(128) NOT NULL,
		file_location      TEXT         NOT NULL,
		created_at         DATETIME(6)  NOT NULL,
		closed_at          DATETIME(6)  NULL,
		KEY idx_missions_worker (worker_signed_hwid, created_at),
		KEY idx_missions_analysis (analysis_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS results (
		analysis_id         VARCHAR(64)  NOT NULL PRIMARY KEY,
		mission_id          VARCHAR(64)  NOT NULL,
		signed_hwid         VARCHAR(256) NOT NULL,
		status              VARCHAR(255) NOT NULL,
		type                VARCHAR(64)  NOT NULL,
		webhook             TEXT         NOT NULL,
		is_valid_webhook    BOOLEAN      NOT NULL,
		is_pyinstaller      BOOLEAN      NOT NULL,
		pyinstaller_version VARCHAR(64)  NOT NULL,
		is_upx_packed       BOOLEAN      NOT NULL,
		python_version      VARCHAR(64)  NOT NULL,
		created_at          DATETIME(6)  NOT NULL
	)`,
}

const (
	fileColumns     = "hash, name, extension, size, media_type, location, similarity_digest, created_at"
	analysisColumns = "id, file_hash, status, percentage, created_at, updated_at"
	workerColumns   = "signed_hwid, hwid, public_ip, signed, acquired, created_at, updated_at"
	missionColumns  = "id, worker_signed_hwid, analysis_id, file_hash, file_location, created_at, closed_at"
	resultColumns   = "analysis_id, mission_id, signed_hwid, status, type, webhook, is_valid_webhook, is_pyinstaller, pyinstaller_version, is_upx_packed, python_version, created_at"
)

// MySQLRepo implements Repository using prepared statements and context timeouts.
type MySQLRepo struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
}

var mysqlStatements = map[string]string{
	"createFile":           "INSERT INTO files (" + fileColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	"getFile":              "SELECT " + fileColumns + " FROM files WHERE hash = ?",
	"createAnalysis":       "INSERT INTO analyses (" + analysisColumns + ") VALUES (?, ?, ?, ?, ?, ?)",
	"getAnalysis":          "SELECT " + analysisColumns + " FROM analyses WHERE id = ?",
	"getAnalysisByFile":    "SELECT " + analysisColumns + " FROM analyses WHERE file_hash = ?",
	"findAnalysisByStatus": "SELECT " + analysisColumns + " FROM analyses WHERE status = ? LIMIT 1",
	"listAnalysesByStatus": "SELECT " + analysisColumns + " FROM analyses WHERE status = ? AND updated_at < ? ORDER BY updated_at LIMIT ?",
	"updateAnalysisStatus": "UPDATE analyses SET status = ?, updated_at = ? WHERE id = ?",
	"swapAnalysisStatus":   "UPDATE analyses SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
	"createWorker":         "INSERT INTO workers (" + workerColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)",
	"getWorker":            "SELECT " + workerColumns + " FROM workers WHERE signed_hwid = ?",
	"setWorkerAcquired":    "UPDATE workers SET acquired = ?, updated_at = ? WHERE signed_hwid = ?",
	"createMission":        "INSERT INTO missions (" + missionColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)",
	"getMission":           "SELECT " + missionColumns + " FROM missions WHERE id = ?",
	"getMissionByWorker":   "SELECT " + missionColumns + " FROM missions WHERE worker_signed_hwid = ? ORDER BY created_at DESC, id DESC LIMIT 1",
	"getMissionByAnalysis": "SELECT " + missionColumns + " FROM missions WHERE analysis_id = ? ORDER BY created_at DESC, id DESC LIMIT 1",
	"closeMission":         "UPDATE missions SET closed_at = ? WHERE id = ?",
	"createResult":         "INSERT INTO results (" + resultColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
	"getResult":            "SELECT " + resultColumns + " FROM results WHERE analysis_id = ?",
}

// Migrate applies Schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, ddl := range Schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("repo migrate: %w", err)
		}
	}
	return nil
}

// NewMySQLRepo prepares all statements up front. The caller owns the *sql.DB lifetime.
func NewMySQLRepo(db *sql.DB) (*MySQLRepo, error) {
	r := &MySQLRepo{db: db, stmts: make(map[string]*sql.Stmt, len(mysqlStatements))}
	for name, query := range mysqlStatements {
		stmt, err := db.Prepare(query)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("prepare %s: %w", name, err)
		}
		r.stmts[name] = stmt
	}
	return r, nil
}

func (r *MySQLRepo) exec(ctx context.Context, name string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmts[name].ExecContext(ctx, args...)
	if err != nil {
		if isDuplicateEntry(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("repo %s: %w", name, err)
	}
	return res, nil
}

// execOne runs an update and reports ErrNotFound when no row matched.
func (r *MySQLRepo) execOne(ctx context.Context, name string, args ...any) error {
	res, err := r.exec(ctx, name, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MySQLRepo) queryRow(ctx context.Context, name string, scan func(*sql.Row) error, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if err := scan(r.stmts[name].QueryRowContext(ctx, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("repo %s: %w", name, err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// ---------- files ----------

func (r *MySQLRepo) CreateFile(ctx context.Context, rec *FileRecord) error {
	_, err := r.exec(ctx, "createFile", rec.Hash, rec.Name, rec.Extension, rec.Size,
		rec.MediaType, rec.Location, rec.SimilarityDigest, rec.CreatedAt)
	return err
}

func (r *MySQLRepo) GetFile(ctx context.Context, hash string) (*FileRecord, error) {
	rec := &FileRecord{}
	err := r.queryRow(ctx, "getFile", func(row *sql.Row) error {
		return row.Scan(&rec.Hash, &rec.Name, &rec.Extension, &rec.Size,
			&rec.MediaType, &rec.Location, &rec.SimilarityDigest, &rec.CreatedAt)
	}, hash)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ---------- analyses ----------

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(s scanner) (*AnalysisRecord, error) {
	rec := &AnalysisRecord{}
	var status string
	if err := s.Scan(&rec.ID, &rec.FileHash, &status, &rec.Percentage, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return rec, nil
}

func (r *MySQLRepo) getAnalysisBy(ctx context.Context, name string, args ...any) (*AnalysisRecord, error) {
	var rec *AnalysisRecord
	err := r.queryRow(ctx, name, func(row *sql.Row) error {
		var err error
		rec, err = scanAnalysis(row)
		return err
	}, args...)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *MySQLRepo) CreateAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	_, err := r.exec(ctx, "createAnalysis", rec.ID, rec.FileHash, string(rec.Status),
		rec.Percentage, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *MySQLRepo) GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	return r.getAnalysisBy(ctx, "getAnalysis", id)
}

func (r *MySQLRepo) GetAnalysisByFile(ctx context.Context, fileHash string) (*AnalysisRecord, error) {
	return r.getAnalysisBy(ctx, "getAnalysisByFile", fileHash)
}

func (r *MySQLRepo) FindAnalysisByStatus(ctx context.Context, status Status) (*AnalysisRecord, error) {
	return r.getAnalysisBy(ctx, "findAnalysisByStatus", string(status))
}

func (r *MySQLRepo) ListAnalysesByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*AnalysisRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmts["listAnalysesByStatus"].QueryContext(ctx, string(status), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("repo listAnalysesByStatus: %w", err)
	}
	defer rows.Close()

	var records []*AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("repo listAnalysesByStatus scan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *MySQLRepo) UpdateAnalysisStatus(ctx context.Context, id string, status Status, at time.Time) error {
	return r.execOne(ctx, "updateAnalysisStatus", string(status), at, id)
}

// SwapAnalysisStatus is a single conditional UPDATE; InnoDB row locking
// lets exactly one concurrent caller match the old status.
func (r *MySQLRepo) SwapAnalysisStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	err := r.execOne(ctx, "swapAnalysisStatus", string(to), at, id, string(from))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---------- workers ----------

func (r *MySQLRepo) CreateWorker(ctx context.Context, w *Worker) error {
	_, err := r.exec(ctx, "createWorker", w.SignedHWID, w.HWID, w.PublicIP, w.Signed,
		w.Acquired, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *MySQLRepo) GetWorker(ctx context.Context, signedHWID string) (*Worker, error) {
	w := &Worker{}
	err := r.queryRow(ctx, "getWorker", func(row *sql.Row) error {
		return row.Scan(&w.SignedHWID, &w.HWID, &w.PublicIP, &w.Signed, &w.Acquired, &w.CreatedAt, &w.UpdatedAt)
	}, signedHWID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *MySQLRepo) SetWorkerAcquired(ctx context.Context, signedHWID string, acquired bool, at time.Time) (*Worker, error) {
	if err := r.execOne(ctx, "setWorkerAcquired", acquired, at, signedHWID); err != nil {
		return nil, err
	}
	return r.GetWorker(ctx, signedHWID)
}

// ---------- missions ----------

func (r *MySQLRepo) getMissionBy(ctx context.Context, name string, arg string) (*Mission, error) {
	m := &Mission{}
	var closed sql.NullTime
	err := r.queryRow(ctx, name, func(row *sql.Row) error {
		return row.Scan(&m.ID, &m.WorkerSignedHWID, &m.AnalysisID, &m.FileHash, &m.FileLocation, &m.CreatedAt, &closed)
	}, arg)
	if err != nil {
		return nil, err
	}
	if closed.Valid {
		m.ClosedAt = closed.Time
	}
	return m, nil
}

func (r *MySQLRepo) CreateMission(ctx context.Context, m *Mission) error {
	var closed sql.NullTime
	if !m.ClosedAt.IsZero() {
		closed = sql.NullTime{Time: m.ClosedAt, Valid: true}
	}
	_, err := r.exec(ctx, "createMission", m.ID, m.WorkerSignedHWID, m.AnalysisID, m.FileHash,
		m.FileLocation, m.CreatedAt, closed)
	return err
}

func (r *MySQLRepo) GetMission(ctx context.Context, id string) (*Mission, error) {
	return r.getMissionBy(ctx, "getMission", id)
}

func (r *MySQLRepo) GetMissionByWorker(ctx context.Context, signedHWID string) (*Mission, error) {
	return r.getMissionBy(ctx, "getMissionByWorker", signedHWID)
}

func (r *MySQLRepo) GetMissionByAnalysis(ctx context.Context, analysisID string) (*Mission, error) {
	return r.getMissionBy(ctx, "getMissionByAnalysis", analysisID)
}

func (r *MySQLRepo) CloseMission(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "closeMission", at, id)
}

// ---------- results ----------

func (r *MySQLRepo) CreateResult(ctx context.Context, res *Result) error {
	_, err := r.exec(ctx, "createResult", res.AnalysisID, res.MissionID, res.SignedHWID, res.Status,
		res.Type, res.Webhook, res.IsValidWebhook, res.IsPyInstaller, res.PyInstallerVersion,
		res.IsUPXPacked, res.PythonVersion, res.CreatedAt)
	return err
}

func (r *MySQLRepo) GetResult(ctx context.Context, analysisID string) (*Result, error) {
	res := &Result{}
	err := r.queryRow(ctx, "getResult", func(row *sql.Row) error {
		return row.Scan(&res.AnalysisID, &res.MissionID, &res.SignedHWID, &res.Status, &res.Type,
			&res.Webhook, &res.IsValidWebhook, &res.IsPyInstaller, &res.PyInstallerVersion,
			&res.IsUPXPacked, &res.PythonVersion, &res.CreatedAt)
	}, analysisID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ---------- lifecycle ----------

func (r *MySQLRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases all prepared statements.
func (r *MySQLRepo) Close() error {
	for _, s := range r.stmts {
		if s != nil {
			s.Close()
		}
	}
	return nil
}
