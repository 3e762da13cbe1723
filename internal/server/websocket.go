package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/internal/transport"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// close frames carry at most 123 bytes of reason text
const maxCloseText = 123

// handleWebSocket authenticates the handshake, registers the connection and
// pumps it until it ends. Rejections happen before the upgrade so clients get
// a plain HTTP status.
func (s *Server) handleWebSocket(c *gin.Context) {
	scope := trace.Tracer(cnst.TraceHub).Start(c.Request.Context(), cnst.SpanWebSocketAccept)
	defer scope.End()
	scope.WithAttrs(
		attribute.String(cnst.AttrClientAddr, c.ClientIP()),
		attribute.String(cnst.AttrClientAgent, c.Request.UserAgent()),
	)

	tenant := c.Param("tenant")
	p, err := s.verifier.Authenticate(c.Request)
	if err != nil {
		scope.Fail(err)
		s.errors.HandleError(c, err)
		return
	}
	if p.TenantID != tenant {
		err := fmt.Errorf("%w: token is for tenant %s", cnst.ErrForbidden, p.TenantID)
		scope.Fail(err)
		s.errors.HandleError(c, err)
		return
	}
	if s.hub.ShuttingDown() {
		s.errors.HandleError(c, cnst.ErrShuttingDown)
		return
	}
	var since time.Time
	if v := c.Query("resume_since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			s.errors.HandleError(c, errorx.ErrInvalidInput.WithMessage("resume_since must be unix milliseconds"))
			return
		}
		since = time.UnixMilli(ms)
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	cfg := s.hub.Config()
	ctx := context.WithoutCancel(scope.Ctx)
	sess := transport.NewSession(ctx, conn, transport.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.ConnectionTimeout,
		MaxMessageSize:    cfg.MaxMessageSize,
	}, s.hub, s.logger)

	id, err := s.hub.Connect(ctx, registry.Params{
		Transport:  sess,
		Principal:  p,
		Metadata:   c.QueryMap("meta"),
		RemoteAddr: c.ClientIP(),
	})
	if err != nil {
		apiErr := errorx.FromError(err)
		s.logger.Info("connection refused",
			zap.String("tenant_id", p.TenantID),
			zap.String("user_id", p.UserID),
			zap.String("error_code", apiErr.Code),
			zap.Error(err))
		scope.Fail(err)
		text := apiErr.Code + " " + apiErr.Message
		if len(text) > maxCloseText {
			text = text[:maxCloseText]
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, text),
			time.Now().Add(cfg.ConnectionTimeout))
		_ = conn.Close()
		return
	}
	scope.WithAttrs(attribute.String(cnst.AttrConnectionID, id), attribute.String(cnst.AttrTenantID, p.TenantID))

	q, err := s.hub.Registry().Outbound(id)
	if err != nil {
		_ = s.hub.Disconnect(ctx, id, registry.ReasonTransportError)
		return
	}
	sess.Bind(id, q)
	if !since.IsZero() {
		n, err := s.hub.Events().ReplayTo(ctx, id, since)
		if err != nil {
			s.logger.Debug("resume replay failed", zap.String("connection_id", id), zap.Error(err))
		} else {
			s.logger.Debug("resumed connection", zap.String("connection_id", id), zap.Int("replayed", n))
		}
	}

	// the span covers the handshake only
	scope.End()
	reason := sess.Run()
	if err := s.hub.Disconnect(context.WithoutCancel(ctx), id, reason); err != nil {
		s.logger.Debug("disconnect failed", zap.String("connection_id", id), zap.Error(err))
	}
}
