// Package restapi implements the HTTP gateway for clients and VM workers.
package restapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cordguard/cordguard/internal/intake"
	"github.com/cordguard/cordguard/internal/objectstore"
	pb "github.com/cordguard/cordguard/proto"
)

// multipartSlack covers multipart framing on top of the file itself.
const multipartSlack = 1 << 20

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Deps are the collaborators of a Handler.
type Deps struct {
	Worker         pb.WorkerServiceServer
	Intake         *intake.Service
	Objects        objectstore.Store
	MaxUploadBytes int64
	Checks         map[string]Check // "database" is reported by /ping
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
}

// Handler holds dependencies for REST endpoints.
type Handler struct {
	worker    pb.WorkerServiceServer
	intake    *intake.Service
	objects   objectstore.Store
	maxUpload int64
	checks    map[string]Check
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// NewHandler creates a REST handler.
func NewHandler(d Deps) *Handler {
	limit := d.MaxUploadBytes
	if limit <= 0 {
		limit = intake.DefaultMaxBytes
	}
	return &Handler{
		worker:    d.Worker,
		intake:    d.Intake,
		objects:   d.Objects,
		maxUpload: limit,
		checks:    d.Checks,
		gatherer:  d.Gatherer,
		logger:    d.Logger,
	}
}

// Router builds the gin engine with every route attached.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger), securityHeaders())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes attaches all REST routes to r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	a := r.Group("/analysis/api")
	a.POST("/upload", h.upload)
	a.POST("/upload/mail", h.uploadMail)
	a.GET("/status/:analysis_id", h.status)

	r.POST("/discovery/service/api/register/vm/worker", h.registerWorker)

	m := r.Group("/mission/api")
	m.POST("/get", h.getMission)
	m.POST("/set/result", h.setResult)

	r.GET("/objects/*key", h.object)

	r.GET("/ping", h.ping)
	r.GET("/healthz", h.healthz)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// ---------- POST /analysis/api/upload ----------

func (h *Handler) upload(c *gin.Context) {
	logger := loggerFrom(c, h.logger)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartSlack)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondBadRequest(c, "File too large or empty")
			return
		}
		logger.Warn("form file error", slog.String("error", err.Error()))
		respondBadRequest(c, "invalid multipart form")
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, http.StatusInternalServerError, ErrCodeInternal, "failed to read upload")
		return
	}
	defer f.Close()

	// One byte past the cap is enough for intake to reject it.
	content, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		respondError(c, http.StatusInternalServerError, ErrCodeInternal, "failed to read upload")
		return
	}

	declared := fh.Header.Get("Content-Type")
	if declared == "application/octet-stream" {
		declared = ""
	}
	rc, err := h.intake.SubmitFile(c.Request.Context(), intake.Upload{
		Name:         fh.Filename,
		DeclaredType: declared,
		Content:      content,
	})
	if err != nil {
		h.respondIntakeError(c, err)
		return
	}

	if rc.Duplicate {
		c.JSON(http.StatusOK, gin.H{"message": "File already in database", "analysis_id": rc.AnalysisID})
		return
	}
	c.Header("Location", "/analysis/api/status/"+rc.AnalysisID)
	c.JSON(http.StatusAccepted, gin.H{"message": "File uploaded and queued for analysis", "analysis_id": rc.AnalysisID})
}

// ---------- POST /analysis/api/upload/mail ----------

func (h *Handler) uploadMail(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*h.maxUpload+multipartSlack)

	receipts, err := h.intake.SubmitMail(c.Request.Context(), c.Request.Body)
	if err != nil {
		h.respondIntakeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(receipts))
	for _, r := range receipts {
		item := gin.H{"file_name": r.Name}
		switch {
		case r.Err == nil:
			item["analysis_id"] = r.Receipt.AnalysisID
			item["duplicate"] = r.Receipt.Duplicate
		case intakeMessage(r.Err) != "":
			item["error"] = intakeMessage(r.Err)
		default:
			item["error"] = "internal error"
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Attachments processed", "attachments": out})
}

func (h *Handler) respondIntakeError(c *gin.Context, err error) {
	if msg := intakeMessage(err); msg != "" {
		respondBadRequest(c, msg)
		return
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondBadRequest(c, "File too large or empty")
		return
	}
	_ = c.Error(err)
	if errors.Is(err, context.DeadlineExceeded) {
		respondError(c, http.StatusGatewayTimeout, ErrCodeTimeout, "upload timed out")
		return
	}
	respondError(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to upload file")
}

// ---------- GET /analysis/api/status/:analysis_id ----------

func (h *Handler) status(c *gin.Context) {
	resp, err := h.worker.GetStatus(c.Request.Context(), &pb.GetStatusRequest{AnalysisID: c.Param("analysis_id")})
	if err != nil {
		respondGRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ---------- worker routes ----------

func (h *Handler) registerWorker(c *gin.Context) {
	var req pb.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}
	if req.PublicIP == "" {
		req.PublicIP = c.ClientIP()
	}
	resp, err := h.worker.RegisterWorker(c.Request.Context(), &req)
	if err != nil {
		respondGRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getMission(c *gin.Context) {
	var req pb.RequestMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}
	resp, err := h.worker.RequestMission(c.Request.Context(), &req)
	if err != nil {
		respondGRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) setResult(c *gin.Context) {
	var req pb.SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body")
		return
	}
	resp, err := h.worker.SubmitResult(c.Request.Context(), &req)
	if err != nil {
		respondGRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ---------- GET /objects/*key ----------

func (h *Handler) object(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, err := h.objects.Get(c.Request.Context(), key)
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		respondError(c, http.StatusNotFound, ErrCodeNotFound, "object not found")
		return
	case errors.Is(err, objectstore.ErrInvalidKey):
		respondBadRequest(c, "invalid object key")
		return
	case err != nil:
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, ErrCodeInternal, "failed to read object")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// ---------- GET /ping, /healthz ----------

func (h *Handler) ping(c *gin.Context) {
	works := true
	if check, ok := h.checks["database"]; ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		works = check(ctx) == nil
	}
	c.JSON(http.StatusOK, gin.H{"status": "pong", "database_works": works})
}

// healthz runs every registered check.
func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	result := gin.H{"status": "ok"}
	httpStatus := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			result["status"] = "degraded"
			result[name] = "unreachable"
			httpStatus = http.StatusServiceUnavailable
			loggerFrom(c, h.logger).Warn("health check failed", slog.String("check", name), slog.String("error", err.Error()))
			continue
		}
		result[name] = "ok"
	}
	c.JSON(httpStatus, result)
}
