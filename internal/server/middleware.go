package server

import (
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalKey = "principal"

// loggerMiddleware logs every request once it has been handled
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_addr", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// authMiddleware verifies the caller's signed token and stores its principal
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.verifier.Authenticate(c.Request)
		if err != nil {
			s.errors.HandleError(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principal(c *gin.Context) auth.Principal {
	p, _ := c.Get(principalKey)
	out, _ := p.(auth.Principal)
	return out
}
