package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/gin-gonic/gin"
)

// actFor checks that p may act for tenant and holds perm. Principals with the
// wildcard permission are service accounts and may act for any tenant.
func actFor(p auth.Principal, tenant, perm string) error {
	if perm != "" && !p.Has(perm) {
		return fmt.Errorf("%w: %s required", cnst.ErrForbidden, perm)
	}
	if tenant != p.TenantID && !p.Has(cnst.PermWildcard) {
		return fmt.Errorf("%w: principal cannot act for tenant %s", cnst.ErrForbidden, tenant)
	}
	return nil
}

func parsePriority(s string) (dto.Priority, error) {
	p, err := dto.ParsePriority(s)
	if err != nil {
		return p, errorx.ErrInvalidInput.WithMessage(err.Error())
	}
	return p, nil
}

func (s *Server) handlePublish(c *gin.Context) {
	var req dto.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errors.HandleError(c, errorx.ErrInvalidInput.WithMessage(err.Error()))
		return
	}
	if err := actFor(principal(c), req.TenantID, cnst.PermPublish); err != nil {
		s.errors.HandleError(c, err)
		return
	}
	if req.CrossTenant && s.hub.Config().TenantIsolation {
		s.errors.HandleError(c, fmt.Errorf("%w: cross-tenant events are disabled", cnst.ErrForbidden))
		return
	}
	p, err := parsePriority(req.Priority)
	if err != nil {
		s.errors.HandleError(c, err)
		return
	}
	ev := &event.Event{
		Type:        req.EventType,
		Payload:     req.Data,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		RoomID:      req.Room,
		Priority:    p,
		Persist:     req.Persist,
		CrossTenant: req.CrossTenant,
	}
	if req.TTL > 0 {
		ev.ExpiresAt = time.Now().Add(time.Duration(req.TTL) * time.Millisecond)
	}
	res, err := s.hub.Events().Publish(c.Request.Context(), ev)
	if err != nil {
		s.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.PublishResponse{EventID: res.EventID, Delivered: res.Delivered, Skipped: res.Skipped})
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req dto.BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errors.HandleError(c, errorx.ErrInvalidInput.WithMessage(err.Error()))
		return
	}
	p := principal(c)
	if err := actFor(p, req.SenderTenant, cnst.PermBroadcast); err != nil {
		s.errors.HandleError(c, err)
		return
	}
	prio, err := parsePriority(req.Priority)
	if err != nil {
		s.errors.HandleError(c, err)
		return
	}
	res, err := s.hub.Broadcast(c.Request.Context(), hub.BroadcastInput{
		Content:      req.BroadcastContent,
		Priority:     prio,
		RoomID:       req.Room,
		SenderTenant: req.SenderTenant,
		SenderUserID: p.UserID,
	})
	if err != nil {
		s.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, hub.BroadcastResponse(res))
}

func (s *Server) handleInstances(c *gin.Context) {
	instances, err := s.hub.Cluster().Instances(c.Request.Context())
	if err != nil {
		s.errors.HandleError(c, fmt.Errorf("%w: %v", cnst.ErrClusterUnavailable, err))
		return
	}
	out := make([]dto.InstanceResponse, 0, len(instances))
	for _, in := range instances {
		out = append(out, dto.InstanceResponse{
			InstanceID:  in.ID,
			Connections: in.Connections,
			StartedAt:   in.StartedAt.UnixMilli(),
			LastSeenAt:  in.LastHeartbeat.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

func (s *Server) handleRooms(c *gin.Context) {
	p := principal(c)
	tenant := c.DefaultQuery("tenant", p.TenantID)
	if err := actFor(p, tenant, ""); err != nil {
		s.errors.HandleError(c, err)
		return
	}
	rooms := s.hub.Rooms().List(tenant)
	out := make([]dto.RoomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, hub.RoomResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "instance_id": s.hub.InstanceID()})
}

func (s *Server) handleReady(c *gin.Context) {
	st := s.hub.Status(c.Request.Context())
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}
