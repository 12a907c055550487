package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cordguard/cordguard/internal/codec"
)

// RedisRepo implements Repository on Redis. Records are CBOR blobs under
// "<prefix>:<kind>:<key>". Analysis status is mirrored into one set per
// status so that a claim is a single SMOVE between sets.
type RedisRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRepo wraps an existing client. prefix namespaces every key.
func NewRedisRepo(rdb *redis.Client, prefix string) *RedisRepo {
	if prefix == "" {
		prefix = "cordguard"
	}
	return &RedisRepo{rdb: rdb, prefix: prefix}
}

func (r *RedisRepo) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisRepo) statusSet(s Status) string { return r.key("analysis", "status", string(s)) }

func (r *RedisRepo) load(ctx context.Context, op, key string, dest any) error {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("repo %s: %w", op, err)
	}
	if err := codec.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("repo %s decode: %w", op, err)
	}
	return nil
}

// createNX stores v under key only if key is absent.
func (r *RedisRepo) createNX(ctx context.Context, op, key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("repo %s encode: %w", op, err)
	}
	ok, err := r.rdb.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("repo %s: %w", op, err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (r *RedisRepo) store(ctx context.Context, op, key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("repo %s encode: %w", op, err)
	}
	if err := r.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("repo %s: %w", op, err)
	}
	return nil
}

// ---------- files ----------

func (r *RedisRepo) CreateFile(ctx context.Context, rec *FileRecord) error {
	return r.createNX(ctx, "createFile", r.key("file", rec.Hash), rec)
}

func (r *RedisRepo) GetFile(ctx context.Context, hash string) (*FileRecord, error) {
	rec := &FileRecord{}
	if err := r.load(ctx, "getFile", r.key("file", hash), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ---------- analyses ----------

// CreateAnalysis claims the per-file index first so that two concurrent
// creations for the same content cannot both succeed.
func (r *RedisRepo) CreateAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	byFile := r.key("analysis", "file", rec.FileHash)
	ok, err := r.rdb.SetNX(ctx, byFile, rec.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("repo createAnalysis: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	if err := r.createNX(ctx, "createAnalysis", r.key("analysis", rec.ID), rec); err != nil {
		r.rdb.Del(ctx, byFile)
		return err
	}
	if err := r.rdb.SAdd(ctx, r.statusSet(rec.Status), rec.ID).Err(); err != nil {
		return fmt.Errorf("repo createAnalysis index: %w", err)
	}
	return nil
}

func (r *RedisRepo) GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	rec := &AnalysisRecord{}
	if err := r.load(ctx, "getAnalysis", r.key("analysis", id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisRepo) GetAnalysisByFile(ctx context.Context, fileHash string) (*AnalysisRecord, error) {
	id, err := r.rdb.Get(ctx, r.key("analysis", "file", fileHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo getAnalysisByFile: %w", err)
	}
	return r.GetAnalysis(ctx, id)
}

func (r *RedisRepo) FindAnalysisByStatus(ctx context.Context, status Status) (*AnalysisRecord, error) {
	id, err := r.rdb.SRandMember(ctx, r.statusSet(status)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo findAnalysisByStatus: %w", err)
	}
	return r.GetAnalysis(ctx, id)
}

func (r *RedisRepo) ListAnalysesByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*AnalysisRecord, error) {
	ids, err := r.rdb.SMembers(ctx, r.statusSet(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("repo listAnalysesByStatus: %w", err)
	}
	var out []*AnalysisRecord
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		rec, err := r.GetAnalysis(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == status && rec.UpdatedAt.Before(updatedBefore) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RedisRepo) UpdateAnalysisStatus(ctx context.Context, id string, status Status, at time.Time) error {
	rec, err := r.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	old := rec.Status
	rec.Status = status
	rec.UpdatedAt = at

	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("repo updateAnalysisStatus encode: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("analysis", id), data, 0)
		pipe.SRem(ctx, r.statusSet(old), id)
		pipe.SAdd(ctx, r.statusSet(status), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("repo updateAnalysisStatus: %w", err)
	}
	return nil
}

// SwapAnalysisStatus moves id between status sets with SMOVE, which Redis
// executes atomically; only the caller that moved the member rewrites the
// record.
func (r *RedisRepo) SwapAnalysisStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	moved, err := r.rdb.SMove(ctx, r.statusSet(from), r.statusSet(to), id).Result()
	if err != nil {
		return false, fmt.Errorf("repo swapAnalysisStatus: %w", err)
	}
	if !moved {
		return false, nil
	}

	rec, err := r.GetAnalysis(ctx, id)
	if err != nil {
		return false, err
	}
	rec.Status = to
	rec.UpdatedAt = at
	if err := r.store(ctx, "swapAnalysisStatus", r.key("analysis", id), rec); err != nil {
		return false, err
	}
	return true, nil
}

// ---------- workers ----------

func (r *RedisRepo) CreateWorker(ctx context.Context, w *Worker) error {
	return r.createNX(ctx, "createWorker", r.key("worker", w.SignedHWID), w)
}

func (r *RedisRepo) GetWorker(ctx context.Context, signedHWID string) (*Worker, error) {
	w := &Worker{}
	if err := r.load(ctx, "getWorker", r.key("worker", signedHWID), w); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *RedisRepo) SetWorkerAcquired(ctx context.Context, signedHWID string, acquired bool, at time.Time) (*Worker, error) {
	w, err := r.GetWorker(ctx, signedHWID)
	if err != nil {
		return nil, err
	}
	w.Acquired = acquired
	w.UpdatedAt = at
	if err := r.store(ctx, "setWorkerAcquired", r.key("worker", signedHWID), w); err != nil {
		return nil, err
	}
	return w, nil
}

// ---------- missions ----------

func (r *RedisRepo) CreateMission(ctx context.Context, m *Mission) error {
	if err := r.createNX(ctx, "createMission", r.key("mission", m.ID), m); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("mission", "worker", m.WorkerSignedHWID), m.ID, 0)
		pipe.Set(ctx, r.key("mission", "analysis", m.AnalysisID), m.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("repo createMission index: %w", err)
	}
	return nil
}

func (r *RedisRepo) GetMission(ctx context.Context, id string) (*Mission, error) {
	m := &Mission{}
	if err := r.load(ctx, "getMission", r.key("mission", id), m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *RedisRepo) missionByPointer(ctx context.Context, op, pointer string) (*Mission, error) {
	id, err := r.rdb.Get(ctx, pointer).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo %s: %w", op, err)
	}
	return r.GetMission(ctx, id)
}

func (r *RedisRepo) GetMissionByWorker(ctx context.Context, signedHWID string) (*Mission, error) {
	return r.missionByPointer(ctx, "getMissionByWorker", r.key("mission", "worker", signedHWID))
}

func (r *RedisRepo) GetMissionByAnalysis(ctx context.Context, analysisID string) (*Mission, error) {
	return r.missionByPointer(ctx, "getMissionByAnalysis", r.key("mission", "analysis", analysisID))
}

func (r *RedisRepo) CloseMission(ctx context.Context, id string, at time.Time) error {
	m, err := r.GetMission(ctx, id)
	if err != nil {
		return err
	}
	m.ClosedAt = at
	return r.store(ctx, "closeMission", r.key("mission", id), m)
}

// ---------- results ----------

func (r *RedisRepo) CreateResult(ctx context.Context, res *Result) error {
	return r.createNX(ctx, "createResult", r.key("result", res.AnalysisID), res)
}

func (r *RedisRepo) GetResult(ctx context.Context, analysisID string) (*Result, error) {
	res := &Result{}
	if err := r.load(ctx, "getResult", r.key("result", analysisID), res); err != nil {
		return nil, err
	}
	return res, nil
}

// ---------- lifecycle ----------

func (r *RedisRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisRepo) Close() error {
	return r.rdb.Close()
}
