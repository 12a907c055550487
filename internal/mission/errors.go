package mission

import "errors"

// Outcomes callers must be able to tell apart. None of them is retried
// inside the coordinator.
var (
	// Not found.
	ErrWorkerNotFound   = errors.New("mission: worker not found")
	ErrAnalysisNotFound = errors.New("mission: analysis not found")

	// Authentication.
	ErrInvalidProof = errors.New("mission: worker is not signed")

	// Precondition failures. ErrInconsistentState needs an operator.
	ErrInconsistentState = errors.New("mission: worker is acquired but no mission assigned")
	ErrMissionMismatch   = errors.New("mission: analysis is not bound to this worker")
	ErrIllegalTransition = errors.New("mission: analysis already finalized with a different status")

	// Empty queue; poll again later.
	ErrNoPendingAnalysis = errors.New("mission: no pending analysis")

	// Persistence failures at a specific step.
	ErrAssignment    = errors.New("mission: assignment failed")
	ErrStatusUpdate  = errors.New("mission: analysis status update failed")
	ErrWorkerRelease = errors.New("mission: worker release failed")
	ErrResultPersist = errors.New("mission: result persist failed")
)
