package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// runConformance exercises the behaviour every backend must share.
func runConformance(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("Files", func(t *testing.T) { testFiles(t, open(t)) })
	t.Run("Analyses", func(t *testing.T) { testAnalyses(t, open(t)) })
	t.Run("SwapIsExclusive", func(t *testing.T) { testSwapExclusive(t, open(t)) })
	t.Run("Workers", func(t *testing.T) { testWorkers(t, open(t)) })
	t.Run("Missions", func(t *testing.T) { testMissions(t, open(t)) })
	t.Run("Results", func(t *testing.T) { testResults(t, open(t)) })
}

func testFiles(t *testing.T, repo Repository) {
	ctx := context.Background()
	rec := &FileRecord{
		Hash: "aa11", Name: "a.py", Extension: ".py", Size: 8,
		MediaType: "text/x-python", Location: "http://x/objects/k", CreatedAt: base,
	}
	if err := repo.CreateFile(ctx, rec); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := repo.CreateFile(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateFile: err = %v, want ErrConflict", err)
	}

	got, err := repo.GetFile(ctx, "aa11")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Name != "a.py" || got.Size != 8 || got.Location != rec.Location {
		t.Errorf("GetFile = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	if _, err := repo.GetFile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFile(missing): err = %v, want ErrNotFound", err)
	}
}

func testAnalyses(t *testing.T, repo Repository) {
	ctx := context.Background()
	rec := &AnalysisRecord{ID: "an-1", FileHash: "f1", Status: StatusPending, CreatedAt: base, UpdatedAt: base}
	if err := repo.CreateAnalysis(ctx, rec); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	dup := &AnalysisRecord{ID: "an-2", FileHash: "f1", Status: StatusPending, CreatedAt: base, UpdatedAt: base}
	if err := repo.CreateAnalysis(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("second analysis for same file: err = %v, want ErrConflict", err)
	}

	byFile, err := repo.GetAnalysisByFile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetAnalysisByFile: %v", err)
	}
	if byFile.ID != "an-1" {
		t.Errorf("GetAnalysisByFile id = %s, want an-1", byFile.ID)
	}

	pending, err := repo.FindAnalysisByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("FindAnalysisByStatus: %v", err)
	}
	if pending.ID != "an-1" {
		t.Errorf("pending id = %s, want an-1", pending.ID)
	}
	if _, err := repo.FindAnalysisByStatus(ctx, StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindAnalysisByStatus(completed): err = %v, want ErrNotFound", err)
	}

	later := base.Add(time.Minute)
	ok, err := repo.SwapAnalysisStatus(ctx, "an-1", StatusPending, StatusAnalyzing, later)
	if err != nil || !ok {
		t.Fatalf("SwapAnalysisStatus = %v, %v; want true", ok, err)
	}
	ok, err = repo.SwapAnalysisStatus(ctx, "an-1", StatusPending, StatusAnalyzing, later)
	if err != nil || ok {
		t.Errorf("second swap = %v, %v; want false", ok, err)
	}
	if _, err := repo.FindAnalysisByStatus(ctx, StatusPending); !errors.Is(err, ErrNotFound) {
		t.Errorf("pending after swap: err = %v, want ErrNotFound", err)
	}

	got, err := repo.GetAnalysis(ctx, "an-1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Status != StatusAnalyzing || !got.UpdatedAt.Equal(later) {
		t.Errorf("after swap: status %s updated %v", got.Status, got.UpdatedAt)
	}

	stale, err := repo.ListAnalysesByStatus(ctx, StatusAnalyzing, later.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListAnalysesByStatus: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("stale analyzing = %d, want 1", len(stale))
	}
	fresh, err := repo.ListAnalysesByStatus(ctx, StatusAnalyzing, later.Add(-time.Second), 10)
	if err != nil {
		t.Fatalf("ListAnalysesByStatus: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("analyses updated before cutoff = %d, want 0", len(fresh))
	}

	if err := repo.UpdateAnalysisStatus(ctx, "an-1", StatusCompleted, later); err != nil {
		t.Fatalf("UpdateAnalysisStatus: %v", err)
	}
	if err := repo.UpdateAnalysisStatus(ctx, "missing", StatusCompleted, later); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAnalysisStatus(missing): err = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetAnalysis(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAnalysis(missing): err = %v, want ErrNotFound", err)
	}
}

func testSwapExclusive(t *testing.T, repo Repository) {
	ctx := context.Background()
	rec := &AnalysisRecord{ID: "race", FileHash: "race-file", Status: StatusPending, CreatedAt: base, UpdatedAt: base}
	if err := repo.CreateAnalysis(ctx, rec); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.SwapAnalysisStatus(ctx, "race", StatusPending, StatusAnalyzing, base.Add(time.Second))
			if err != nil {
				t.Errorf("SwapAnalysisStatus: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("swap winners = %d, want 1", wins.Load())
	}
}

func testWorkers(t *testing.T, repo Repository) {
	ctx := context.Background()
	w := &Worker{SignedHWID: "sig-1", HWID: "w1", PublicIP: "10.0.0.1", Signed: true, CreatedAt: base, UpdatedAt: base}
	if err := repo.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := repo.CreateWorker(ctx, w); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateWorker: err = %v, want ErrConflict", err)
	}

	got, err := repo.SetWorkerAcquired(ctx, "sig-1", true, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("SetWorkerAcquired: %v", err)
	}
	if !got.Acquired || got.HWID != "w1" {
		t.Errorf("after acquire: %+v", got)
	}

	// Setting the same value again still matches the row.
	if _, err := repo.SetWorkerAcquired(ctx, "sig-1", true, base.Add(time.Minute)); err != nil {
		t.Errorf("repeat SetWorkerAcquired: %v", err)
	}

	if _, err := repo.SetWorkerAcquired(ctx, "nobody", true, base); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetWorkerAcquired(nobody): err = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetWorker(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorker(nobody): err = %v, want ErrNotFound", err)
	}
}

func testMissions(t *testing.T, repo Repository) {
	ctx := context.Background()
	for i, at := range []time.Time{base, base.Add(time.Hour)} {
		m := &Mission{
			ID:               fmt.Sprintf("m-%d", i),
			WorkerSignedHWID: "sig-1",
			AnalysisID:       fmt.Sprintf("an-%d", i),
			FileHash:         "f",
			FileLocation:     "loc",
			CreatedAt:        at,
		}
		if err := repo.CreateMission(ctx, m); err != nil {
			t.Fatalf("CreateMission: %v", err)
		}
	}

	latest, err := repo.GetMissionByWorker(ctx, "sig-1")
	if err != nil {
		t.Fatalf("GetMissionByWorker: %v", err)
	}
	if latest.ID != "m-1" {
		t.Errorf("latest mission = %s, want m-1", latest.ID)
	}
	if !latest.Open() {
		t.Errorf("new mission reported closed")
	}

	byAnalysis, err := repo.GetMissionByAnalysis(ctx, "an-0")
	if err != nil {
		t.Fatalf("GetMissionByAnalysis: %v", err)
	}
	if byAnalysis.ID != "m-0" {
		t.Errorf("mission for an-0 = %s, want m-0", byAnalysis.ID)
	}

	if err := repo.CloseMission(ctx, "m-1", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("CloseMission: %v", err)
	}
	closed, err := repo.GetMission(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	if closed.Open() {
		t.Errorf("closed mission still open")
	}

	if _, err := repo.GetMissionByWorker(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMissionByWorker(nobody): err = %v, want ErrNotFound", err)
	}
	if err := repo.CloseMission(ctx, "missing", base); !errors.Is(err, ErrNotFound) {
		t.Errorf("CloseMission(missing): err = %v, want ErrNotFound", err)
	}
}

func testResults(t *testing.T, repo Repository) {
	ctx := context.Background()
	res := &Result{
		AnalysisID: "an-1", MissionID: "m-1", SignedHWID: "sig-1", Status: "done",
		Type: "stealer", Webhook: "https://discord.invalid/api/webhooks/1", IsValidWebhook: true,
		IsPyInstaller: true, PyInstallerVersion: "6.3", PythonVersion: "3.11", CreatedAt: base,
	}
	if err := repo.CreateResult(ctx, res); err != nil {
		t.Fatalf("CreateResult: %v", err)
	}
	if err := repo.CreateResult(ctx, res); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateResult: err = %v, want ErrConflict", err)
	}

	got, err := repo.GetResult(ctx, "an-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Type != "stealer" || !got.IsPyInstaller || got.PyInstallerVersion != "6.3" || !got.IsValidWebhook {
		t.Errorf("GetResult = %+v", got)
	}
	if _, err := repo.GetResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResult(missing): err = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusAnalyzing}:   true,
		{StatusAnalyzing, StatusCompleted}: true,
		{StatusAnalyzing, StatusFailed}:    true,
	}
	all := []Status{StatusPending, StatusAnalyzing, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != legal[[2]Status{from, to}] {
				t.Errorf("%s -> %s = %v", from, to, got)
			}
		}
	}
	if !StatusFailed.Terminal() || !StatusCompleted.Terminal() || StatusAnalyzing.Terminal() {
		t.Errorf("Terminal() wrong")
	}
	if Status("done").Valid() {
		t.Errorf("unknown status reported valid")
	}
}
