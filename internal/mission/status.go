package mission

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cordguard/cordguard/internal/repository"
)

// Report is what a client sees when polling an analysis.
type Report struct {
	AnalysisID string
	Status     repository.Status
	Message    string
	File       *repository.FileRecord // set once completed
	Result     *repository.Result     // set once completed
}

// Status builds the client-facing report for analysisID.
func (c *Coordinator) Status(ctx context.Context, analysisID string) (*Report, error) {
	rec, err := c.analyses.Get(ctx, analysisID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, err
	}

	r := &Report{AnalysisID: rec.ID, Status: rec.Status}
	switch rec.Status {
	case repository.StatusPending:
		r.Message = "Analysis is pending"
	case repository.StatusAnalyzing:
		r.Message = "Analysis is in progress"
	case repository.StatusFailed:
		r.Message = "Analysis failed, request the operator to check the file please.\nGive them the following analysis_id: " + rec.ID
	case repository.StatusCompleted:
		r.Message = "Analysis successful"

		res, err := c.results.GetResult(ctx, rec.ID)
		switch {
		case err == nil:
			r.Result = res
		case errors.Is(err, repository.ErrNotFound):
			c.logger.Warn("completed analysis has no stored result", slog.String("analysis_id", rec.ID))
		default:
			return nil, err
		}

		file, err := c.files.Lookup(ctx, rec.FileHash)
		if err != nil {
			return nil, err
		}
		r.File = file
	}
	return r, nil
}
