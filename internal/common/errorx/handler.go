package errorx

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrorHandler renders errors raised by gin handlers
type ErrorHandler struct {
	logger *zap.Logger
}

func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger.Named("errorx"),
	}
}

// HandleError converts err and writes it as the JSON response.
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	apiErr := *FromError(err)
	apiErr.TraceID = uuid.NewString()

	fields := []zap.Field{
		zap.String("trace_id", apiErr.TraceID),
		zap.String("error_code", apiErr.Code),
		zap.String("category", string(apiErr.Category)),
		zap.Int("http_status", apiErr.HTTPStatus),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
		zap.Error(err),
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(apiErr.Message, fields...)
	} else {
		h.logger.Debug(apiErr.Message, fields...)
	}

	c.AbortWithStatusJSON(apiErr.HTTPStatus, gin.H{"error": &apiErr})
}

// ErrorMiddleware renders the last error a handler attached with c.Error.
func (h *ErrorHandler) ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}

// RecoveryMiddleware turns panics into ErrInternal responses.
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		h.logger.Error("panic recovered", zap.String("panic", fmt.Sprintf("%v", err)), zap.Stack("stack"))
		h.HandleError(c, ErrInternal)
	})
}

// NotFound is installed as the router's NoRoute handler.
func (h *ErrorHandler) NotFound(c *gin.Context) {
	h.HandleError(c, ErrEndpointNotFound)
}
