package restapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cordguard/cordguard/internal/intake"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeAuthentication = "AUTHENTICATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodePrecondition   = "PRECONDITION_FAILED"
	ErrCodeNoWork         = "NO_PENDING_ANALYSIS"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

func respondError(c *gin.Context, httpStatus int, code, message string) {
	c.AbortWithStatusJSON(httpStatus, ErrorResponse{Error: message, Code: code})
}

func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, ErrCodeValidation, message)
}

// respondGRPCError converts an error from the worker service to HTTP.
func respondGRPCError(c *gin.Context, err error) {
	st, ok := status.FromError(err)
	if !ok {
		respondError(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	httpStatus := grpcToHTTPStatus(err)
	if st.Code() == codes.Unavailable {
		c.Header("Retry-After", "5")
	}
	respondError(c, httpStatus, errorCode(st.Code()), st.Message())
}

// grpcToHTTPStatus maps gRPC status codes to HTTP status codes.
func grpcToHTTPStatus(err error) int {
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(c codes.Code) string {
	switch c {
	case codes.NotFound:
		return ErrCodeNotFound
	case codes.InvalidArgument:
		return ErrCodeValidation
	case codes.Unauthenticated:
		return ErrCodeAuthentication
	case codes.FailedPrecondition:
		return ErrCodePrecondition
	case codes.Unavailable:
		return ErrCodeNoWork
	case codes.DeadlineExceeded:
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

// intakeMessage returns the client text for an upload rejection, or ""
// when err is not a rejection.
func intakeMessage(err error) string {
	switch {
	case errors.Is(err, intake.ErrUnsupportedType):
		return "Invalid file type"
	case errors.Is(err, intake.ErrNoExtension):
		return "File has no extension, we are unable to process this file."
	case errors.Is(err, intake.ErrTooLarge):
		return "File too large or empty"
	case errors.Is(err, intake.ErrExecutable):
		return "ELF files are not supported yet."
	case errors.Is(err, intake.ErrNoAttachments):
		return "Message has no attachments"
	}
	return ""
}
