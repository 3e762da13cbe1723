package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/registry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives what a session reads from its client
type Handler interface {
	// HandleFrame processes one inbound text frame.
	HandleFrame(ctx context.Context, connID string, data []byte)
	// Heartbeat records client liveness, including pongs.
	Heartbeat(connID string)
}

type Options struct {
	HeartbeatInterval time.Duration // server pings run at half this interval
	WriteTimeout      time.Duration
	MaxMessageSize    int64
}

// Session adapts one gorilla websocket connection to the registry. The read
// pump runs on the caller's goroutine; the write pump drains the outbound
// queue in priority order.
type Session struct {
	conn    *websocket.Conn
	opts    Options
	handler Handler
	logger  *zap.Logger

	id    string
	queue *registry.Queue

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
	wg        sync.WaitGroup
}

var _ registry.Transport = (*Session)(nil)

func NewSession(ctx context.Context, conn *websocket.Conn, opts Options, handler Handler, logger *zap.Logger) *Session {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		conn:    conn,
		opts:    opts,
		handler: handler,
		logger:  logger.Named("transport"),
		ctx:     sctx,
		cancel:  cancel,
	}
}

// Bind attaches the registered connection id and its outbound queue.
func (s *Session) Bind(id string, q *registry.Queue) {
	s.id = id
	s.queue = q
	s.logger = s.logger.With(zap.String("connection_id", id))
}

func (s *Session) Context() context.Context { return s.ctx }

// Run pumps frames until the client goes away or the session is closed and
// returns the disconnect reason.
func (s *Session) Run() string {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.pingLoop()
	}()
	reason := s.readPump()
	s.cancel()
	s.wg.Wait()
	return reason
}

func (s *Session) readTimeout() time.Duration {
	// the registry sweep expires silent connections before this fires
	return 2*s.opts.HeartbeatInterval + s.opts.WriteTimeout
}

func (s *Session) readPump() string {
	if s.opts.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	s.conn.SetPongHandler(func(string) error {
		s.handler.Heartbeat(s.id)
		return s.conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	})

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if reason := s.closedReason(); reason != "" {
				return reason
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return registry.ReasonClient
			}
			s.logger.Debug("websocket read failed", zap.Error(err))
			return registry.ReasonTransportError
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		s.handler.Heartbeat(s.id)
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		s.handler.HandleFrame(s.ctx, s.id, data)
	}
}

func (s *Session) writePump() {
	if s.queue == nil {
		return
	}
	for {
		msg, err := s.queue.Pop(s.ctx)
		if err != nil {
			if errors.Is(err, registry.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Debug("outbound queue pop failed", zap.Error(err))
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
			_ = s.conn.Close()
			return
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.opts.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Send writes a control reply directly, bypassing the outbound queue. Used
// before the session is registered.
func (s *Session) Send(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) closedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close implements registry.Transport. The queue is already closed by the
// registry, so the write pump finishes what is left and exits.
func (s *Session) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()

		code := websocket.CloseNormalClosure
		switch reason {
		case registry.ReasonShutdown:
			code = websocket.CloseGoingAway
		case registry.ReasonHeartbeatTimeout:
			code = websocket.ClosePolicyViolation
		}
		deadline := time.Now().Add(s.opts.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

		s.cancel()
		err = s.conn.Close()
	})
	return err
}
