// Package grpcserver implements the cordguard.WorkerService gRPC service.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/cordguard/cordguard/internal/mission"
	"github.com/cordguard/cordguard/internal/repository"
	"github.com/cordguard/cordguard/internal/workers"
	pb "github.com/cordguard/cordguard/proto"
)

// Server implements pb.WorkerServiceServer on top of a mission.Coordinator.
// Dependencies are injected via the constructor, no global state.
type Server struct {
	coord  *mission.Coordinator
	logger *slog.Logger
}

// NewServer creates a gRPC server backed by coord (DI).
func NewServer(coord *mission.Coordinator, logger *slog.Logger) *Server {
	return &Server{coord: coord, logger: logger}
}

// RegisterWorker verifies and records a VM worker.
func (s *Server) RegisterWorker(ctx context.Context, req *pb.RegisterWorkerRequest) (*pb.RegisterWorkerResponse, error) {
	if req.HWID == "" || req.SignedHWID == "" {
		return nil, status.Error(codes.InvalidArgument, "hwid and signed_hwid are required")
	}
	ip := req.PublicIP
	if ip == "" {
		ip = peerIP(ctx)
	}

	reg, err := s.coord.Register(ctx, workers.Identity{HWID: req.HWID, SignedHWID: req.SignedHWID, PublicIP: ip})
	if err != nil {
		return nil, s.mapError(err, "RegisterWorker")
	}
	msg := "VM worker already registered"
	if reg.Created {
		msg = "VM worker registered successfully"
	}
	return &pb.RegisterWorkerResponse{Status: "success", Message: msg, Created: reg.Created}, nil
}

// RequestMission hands the worker one pending analysis, or its current one.
func (s *Server) RequestMission(ctx context.Context, req *pb.RequestMissionRequest) (*pb.MissionResponse, error) {
	if req.SignedHWID == "" {
		return nil, status.Error(codes.InvalidArgument, "signed_hwid is required")
	}
	a, err := s.coord.RequestMission(ctx, req.SignedHWID, req.HWID)
	if err != nil {
		return nil, s.mapError(err, "RequestMission")
	}
	return &pb.MissionResponse{
		MissionID:   a.MissionID,
		AnalysisID:  a.AnalysisID,
		FileFullURL: a.FileLocation,
		Recovered:   a.Recovered,
	}, nil
}

// SubmitResult finalizes the worker's current analysis.
func (s *Server) SubmitResult(ctx context.Context, req *pb.SubmitResultRequest) (*pb.SubmitResultResponse, error) {
	if req.AnalysisID == "" || req.SignedHWID == "" {
		return nil, status.Error(codes.InvalidArgument, "analysis_id and signed_hwid are required")
	}
	fin, err := s.coord.SubmitResult(ctx, mission.Submission{
		AnalysisID:         req.AnalysisID,
		SignedHWID:         req.SignedHWID,
		HWID:               req.HWID,
		Status:             req.Status,
		Type:               req.Type,
		Webhook:            req.Webhook,
		IsValidWebhook:     req.IsValidWebhook,
		IsPyInstaller:      req.IsPyInstaller,
		PyInstallerVersion: req.PyInstallerVersion,
		IsUPXPacked:        req.IsUPXPacked,
		PythonVersion:      req.PythonVersion,
	})
	if err != nil {
		return nil, s.mapError(err, "SubmitResult")
	}
	return &pb.SubmitResultResponse{
		AnalysisID: fin.AnalysisID,
		Status:     fin.Status.String(),
		Message:    "Results received",
	}, nil
}

// GetStatus reports an analysis to clients.
func (s *Server) GetStatus(ctx context.Context, req *pb.GetStatusRequest) (*pb.StatusResponse, error) {
	if req.AnalysisID == "" {
		return nil, status.Error(codes.InvalidArgument, "analysis_id is required")
	}
	r, err := s.coord.Status(ctx, req.AnalysisID)
	if err != nil {
		return nil, s.mapError(err, "GetStatus")
	}
	return StatusResponse(r), nil
}

// StatusResponse converts a coordinator report to its wire form.
func StatusResponse(r *mission.Report) *pb.StatusResponse {
	out := &pb.StatusResponse{
		AnalysisID: r.AnalysisID,
		Status:     r.Status.String(),
		Message:    r.Message,
	}
	if r.Result != nil {
		out.Results = resultView(r.Result)
	}
	if r.File != nil {
		out.FileData = fileView(r.File)
	}
	return out
}

func resultView(res *repository.Result) *pb.ResultView {
	return &pb.ResultView{
		AnalysisID:         res.AnalysisID,
		MissionID:          res.MissionID,
		Status:             res.Status,
		Type:               res.Type,
		Webhook:            res.Webhook,
		IsValidWebhook:     res.IsValidWebhook,
		IsPyInstaller:      res.IsPyInstaller,
		PyInstallerVersion: res.PyInstallerVersion,
		IsUPXPacked:        res.IsUPXPacked,
		PythonVersion:      res.PythonVersion,
	}
}

func fileView(f *repository.FileRecord) *pb.FileView {
	return &pb.FileView{
		FileHash:      f.Hash,
		FileName:      f.Name,
		FileExtension: f.Extension,
		FileSize:      f.Size,
		FileType:      f.MediaType,
		Similarity:    f.SimilarityDigest,
	}
}

// mapError converts coordinator errors to gRPC status codes. Persistence
// failures are logged here and reach the caller without detail.
func (s *Server) mapError(err error, method string) error {
	switch {
	case errors.Is(err, mission.ErrWorkerNotFound):
		return status.Error(codes.NotFound, "Invalid request, worker not found")
	case errors.Is(err, mission.ErrAnalysisNotFound):
		return status.Error(codes.NotFound, "Analysis not found")
	case errors.Is(err, mission.ErrInvalidProof):
		return status.Error(codes.Unauthenticated, "VM worker is not signed")
	case errors.Is(err, mission.ErrInconsistentState):
		s.logger.Error("inconsistent worker state", slog.String("method", method))
		return status.Error(codes.FailedPrecondition, "Worker is acquired but no mission assigned. Contact support.")
	case errors.Is(err, mission.ErrMissionMismatch):
		return status.Error(codes.FailedPrecondition, "Analysis is not assigned to this worker")
	case errors.Is(err, mission.ErrIllegalTransition):
		return status.Error(codes.FailedPrecondition, "Analysis already finalized with a different result")
	case errors.Is(err, mission.ErrNoPendingAnalysis):
		return status.Error(codes.Unavailable, "No pending analysis found")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: timeout", method)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: cancelled", method)
	}

	s.logger.Error("grpc "+method+" failed", slog.String("error", err.Error()))
	msg := method + ": internal error"
	switch {
	case errors.Is(err, mission.ErrAssignment):
		msg = "Mission assignment failed"
	case errors.Is(err, mission.ErrStatusUpdate):
		msg = "Analysis status update failed"
	case errors.Is(err, mission.ErrWorkerRelease):
		msg = "Worker release failed"
	case errors.Is(err, mission.ErrResultPersist):
		msg = "Result persist failed"
	}
	return status.Error(codes.Internal, msg)
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
