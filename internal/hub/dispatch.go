package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/amoylab/wshub/internal/broadcast"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/internal/room"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// request is one decoded inbound envelope and the connection that sent it
type request struct {
	dto.Inbound
	conn registry.Info
}

type dispatchFunc func(h *Hub, ctx context.Context, req request) (any, error)

var dispatchers = map[string]dispatchFunc{
	dto.MsgTypeSubscribe:   (*Hub).subscribe,
	dto.MsgTypeUnsubscribe: (*Hub).unsubscribe,
	dto.MsgTypePublish:     (*Hub).publish,
	dto.MsgTypeCreateRoom:  (*Hub).createRoom,
	dto.MsgTypeJoin:        (*Hub).join,
	dto.MsgTypeLeave:       (*Hub).leave,
	dto.MsgTypeRoomMessage: (*Hub).roomMessage,
	dto.MsgTypeModerate:    (*Hub).moderate,
	dto.MsgTypeInvite:      (*Hub).invite,
	dto.MsgTypeReplay:      (*Hub).replay,
	dto.MsgTypeBroadcast:   (*Hub).broadcast,
}

// HandleFrame implements transport.Handler. Every request gets exactly one
// ack or error reply on the sender's queue.
func (h *Hub) HandleFrame(ctx context.Context, connID string, data []byte) {
	info, ok := h.registry.Get(connID)
	if !ok || !info.State.Live() {
		return
	}
	if !gjson.ValidBytes(data) {
		h.replyError(info, "", "", errorx.ErrInvalidInput.WithMessage("malformed JSON envelope"))
		return
	}
	typ := gjson.GetBytes(data, "type").String()
	requestID := gjson.GetBytes(data, "request_id").String()

	if typ == dto.MsgTypePing {
		h.reply(info, dto.EventTypePong, dto.Ack{RequestID: requestID, Type: typ})
		return
	}
	fn, ok := dispatchers[typ]
	if !ok {
		h.replyError(info, requestID, typ, errorx.ErrInvalidInput.WithMessage(fmt.Sprintf("unknown message type %q", typ)))
		return
	}

	var req request
	if err := json.Unmarshal(data, &req.Inbound); err != nil {
		h.replyError(info, requestID, typ, errorx.ErrInvalidInput.WithMessage(err.Error()))
		return
	}
	req.conn = info

	result, err := fn(h, ctx, req)
	if err != nil {
		h.logger.Debug("request failed",
			zap.String("connection_id", connID),
			zap.String("type", typ),
			zap.Error(err))
		h.replyError(info, requestID, typ, err)
		return
	}
	h.reply(info, dto.EventTypeAck, dto.Ack{RequestID: requestID, Type: typ, Result: result})
}

type errorReply struct {
	RequestID string           `json:"request_id,omitempty"`
	Type      string           `json:"type,omitempty"`
	Error     *errorx.APIError `json:"error"`
}

func (h *Hub) replyError(info registry.Info, requestID, typ string, err error) {
	h.reply(info, dto.EventTypeError, errorReply{RequestID: requestID, Type: typ, Error: errorx.FromError(err)})
}

// reply queues a control envelope. Replies are high priority so they are not
// starved by a busy event stream.
func (h *Hub) reply(info registry.Info, eventType string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("failed to encode reply", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := dto.Envelope{
		ID:        uuid.NewString(),
		EventType: eventType,
		Data:      data,
		UserID:    info.UserID,
		TenantID:  info.TenantID,
		Priority:  dto.PriorityHigh,
		CreatedAt: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode reply envelope", zap.Error(err))
		return
	}
	if _, err := h.registry.Deliver(info.ID, registry.Message{ID: env.ID, Priority: env.Priority, Payload: payload}); err != nil {
		h.logger.Debug("reply not queued", zap.String("connection_id", info.ID), zap.Error(err))
	}
}

func decode[T any](req request) (T, error) {
	var out T
	if len(req.Content) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(req.Content, &out); err != nil {
		return out, errorx.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid %s content: %v", req.Type, err))
	}
	return out, nil
}

func ttl(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func priority(s string) (dto.Priority, error) {
	p, err := dto.ParsePriority(s)
	if err != nil {
		return p, errorx.ErrInvalidInput.WithMessage(err.Error())
	}
	return p, nil
}

// requireRoomMember rejects room scoped requests from non members.
func (h *Hub) requireRoomMember(roomID, connID string) error {
	if roomID == "" {
		return nil
	}
	if _, err := h.rooms.Get(roomID); err != nil {
		return err
	}
	if !h.rooms.IsMember(roomID, connID) {
		return cnst.ErrNotAMember
	}
	return nil
}

func (h *Hub) subscribe(_ context.Context, req request) (any, error) {
	c, err := decode[dto.SubscribeContent](req)
	if err != nil {
		return nil, err
	}
	minPriority, err := priority(c.MinPriority)
	if err != nil {
		return nil, err
	}
	if c.MinPriority == "" {
		minPriority = dto.PriorityLow
	}
	roomID := c.Room
	if roomID == "" {
		roomID = req.Room
	}
	if err := h.requireRoomMember(roomID, req.conn.ID); err != nil {
		return nil, err
	}
	if c.CrossTenant && h.cfg.TenantIsolation {
		return nil, fmt.Errorf("%w: cross-tenant subscriptions are disabled", cnst.ErrForbidden)
	}
	subID, err := h.events.Subscribe(req.conn.ID, c.Types, event.Filter{
		RoomID:      roomID,
		UserID:      c.UserID,
		MinPriority: minPriority,
		CrossTenant: c.CrossTenant,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"subscription_id": subID}, nil
}

func (h *Hub) unsubscribe(_ context.Context, req request) (any, error) {
	c, err := decode[dto.UnsubscribeContent](req)
	if err != nil {
		return nil, err
	}
	owned := slices.ContainsFunc(h.events.Subscriptions(req.conn.ID), func(s event.Subscription) bool {
		return s.ID == c.SubscriptionID
	})
	if !owned {
		return nil, cnst.ErrUnknownSubscription
	}
	return nil, h.events.Unsubscribe(c.SubscriptionID)
}

func (h *Hub) publish(ctx context.Context, req request) (any, error) {
	if !req.conn.Principal().Has(cnst.PermPublish) {
		return nil, fmt.Errorf("%w: %s required", cnst.ErrForbidden, cnst.PermPublish)
	}
	c, err := decode[dto.PublishContent](req)
	if err != nil {
		return nil, err
	}
	p, err := priority(req.Priority)
	if err != nil {
		return nil, err
	}
	if c.CrossTenant && h.cfg.TenantIsolation {
		return nil, fmt.Errorf("%w: cross-tenant events are disabled", cnst.ErrForbidden)
	}
	if err := h.requireRoomMember(req.Room, req.conn.ID); err != nil {
		return nil, err
	}
	ev := &event.Event{
		Type:        c.EventType,
		Payload:     c.Data,
		UserID:      req.conn.UserID,
		TenantID:    req.conn.TenantID,
		RoomID:      req.Room,
		Priority:    p,
		Persist:     c.Persist,
		CrossTenant: c.CrossTenant,
	}
	if d := ttl(c.TTL); d > 0 {
		ev.ExpiresAt = time.Now().Add(d)
	}
	res, err := h.events.Publish(ctx, ev)
	if err != nil {
		return nil, err
	}
	return dto.PublishResponse{EventID: res.EventID, Delivered: res.Delivered, Skipped: res.Skipped}, nil
}

func (h *Hub) createRoom(ctx context.Context, req request) (any, error) {
	c, err := decode[dto.CreateRoomContent](req)
	if err != nil {
		return nil, err
	}
	typ, err := room.ParseType(c.Type)
	if err != nil {
		return nil, err
	}
	if c.CrossTenant && h.cfg.TenantIsolation {
		return nil, fmt.Errorf("%w: cross-tenant rooms are disabled", cnst.ErrForbidden)
	}
	info, err := h.rooms.CreateRoom(ctx, room.CreateOptions{
		Name:        c.Name,
		Type:        typ,
		CreatorID:   req.conn.ID,
		MaxMembers:  c.MaxMembers,
		ParentID:    c.Parent,
		Password:    c.Password,
		CrossTenant: c.CrossTenant,
		TTL:         ttl(c.TTL),
	})
	if err != nil {
		return nil, err
	}
	return RoomResponse(info), nil
}

func (h *Hub) join(ctx context.Context, req request) (any, error) {
	c, err := decode[dto.JoinContent](req)
	if err != nil {
		return nil, err
	}
	role, err := room.ParseRole(c.Role)
	if err != nil {
		return nil, err
	}
	if err := h.rooms.JoinRoom(ctx, req.conn.ID, req.Room, room.JoinOptions{
		Role:        role,
		Password:    c.Password,
		InviteToken: c.InviteToken,
	}); err != nil {
		return nil, err
	}
	return map[string]string{"room": req.Room, "role": role.String()}, nil
}

func (h *Hub) leave(ctx context.Context, req request) (any, error) {
	return nil, h.rooms.LeaveRoom(ctx, req.conn.ID, req.Room)
}

func (h *Hub) roomMessage(ctx context.Context, req request) (any, error) {
	c, err := decode[dto.RoomMessageContent](req)
	if err != nil {
		return nil, err
	}
	p, err := priority(req.Priority)
	if err != nil {
		return nil, err
	}
	res, err := h.rooms.SendRoomMessage(ctx, req.conn.ID, req.Room, room.Message{
		Type:     c.EventType,
		Payload:  c.Data,
		Priority: p,
		Persist:  c.Persist,
	})
	if err != nil {
		return nil, err
	}
	return dto.PublishResponse{EventID: res.EventID, Delivered: res.Delivered, Skipped: res.Skipped}, nil
}

func (h *Hub) moderate(ctx context.Context, req request) (any, error) {
	c, err := decode[dto.ModerateContent](req)
	if err != nil {
		return nil, err
	}
	action, err := room.ParseAction(c.Action)
	if err != nil {
		return nil, err
	}
	return nil, h.rooms.Moderate(ctx, req.conn.ID, req.Room, c.Target, action)
}

func (h *Hub) invite(ctx context.Context, req request) (any, error) {
	c, err := decode[dto.InviteContent](req)
	if err != nil {
		return nil, err
	}
	token, err := h.rooms.CreateInvite(ctx, req.conn.ID, req.Room, ttl(c.TTL))
	if err != nil {
		return nil, err
	}
	return map[string]string{"room": req.Room, "invite_token": token}, nil
}

func (h *Hub) replay(ctx context.Context, req request) (any, error) {
	c, err := decode[dto.ReplayContent](req)
	if err != nil {
		return nil, err
	}
	n, err := h.events.ReplayTo(ctx, req.conn.ID, time.UnixMilli(c.Since))
	if err != nil {
		return nil, err
	}
	return map[string]int{"replayed": n}, nil
}

func (h *Hub) broadcast(ctx context.Context, req request) (any, error) {
	if !req.conn.Principal().Has(cnst.PermBroadcast) {
		return nil, fmt.Errorf("%w: %s required", cnst.ErrForbidden, cnst.PermBroadcast)
	}
	c, err := decode[dto.BroadcastContent](req)
	if err != nil {
		return nil, err
	}
	p, err := priority(req.Priority)
	if err != nil {
		return nil, err
	}
	res, err := h.Broadcast(ctx, BroadcastInput{
		Content:      c,
		Priority:     p,
		RoomID:       req.Room,
		SenderTenant: req.conn.TenantID,
		SenderUserID: req.conn.UserID,
		SenderConnID: req.conn.ID,
	})
	if err != nil {
		return nil, err
	}
	return BroadcastResponse(res), nil
}

// BroadcastInput is a broadcast request from a client or a producer service
type BroadcastInput struct {
	Content      dto.BroadcastContent
	Priority     dto.Priority
	RoomID       string
	SenderTenant string
	SenderUserID string
	SenderConnID string
}

// Broadcast applies the tenant rules shared by the websocket and HTTP
// surfaces and runs the fan-out.
func (h *Hub) Broadcast(ctx context.Context, in BroadcastInput) (broadcast.Result, error) {
	mode, err := broadcast.ParseMode(in.Content.Mode)
	if err != nil {
		return broadcast.Result{}, errorx.ErrInvalidInput.WithMessage(err.Error())
	}
	if h.cfg.TenantIsolation {
		for _, t := range in.Content.TenantIDs {
			if t != in.SenderTenant {
				return broadcast.Result{}, fmt.Errorf("%w: cross-tenant broadcasts are disabled", cnst.ErrForbidden)
			}
		}
	}
	if in.RoomID != "" && in.SenderConnID != "" {
		if err := h.requireRoomMember(in.RoomID, in.SenderConnID); err != nil {
			return broadcast.Result{}, err
		}
	}
	return h.broadcasts.Broadcast(ctx, broadcast.Request{
		EventType:    in.Content.EventType,
		Payload:      in.Content.Data,
		Priority:     in.Priority,
		Mode:         mode,
		SenderTenant: in.SenderTenant,
		SenderUserID: in.SenderUserID,
		SenderConnID: in.SenderConnID,
		Filter: broadcast.Filter{
			TenantIDs:  in.Content.TenantIDs,
			RoomID:     in.RoomID,
			Metadata:   in.Content.Metadata,
			MinAge:     ttl(in.Content.MinAge),
			MaxTargets: in.Content.MaxTargets,
			LocalOnly:  in.Content.LocalOnly,
		},
	})
}

func BroadcastResponse(res broadcast.Result) dto.BroadcastResponse {
	return dto.BroadcastResponse{
		TotalTargets: res.TotalTargets,
		Delivered:    res.Delivered,
		Failed:       res.Failed,
		Skipped:      res.Skipped,
		DurationMS:   res.Duration.Milliseconds(),
	}
}

func RoomResponse(info room.Info) dto.RoomResponse {
	out := dto.RoomResponse{
		ID:          info.ID,
		Name:        info.Name,
		Type:        info.Type.String(),
		TenantID:    info.TenantID,
		ParentID:    info.ParentID,
		CrossTenant: info.CrossTenant,
		Members:     info.MemberCount,
		MaxMembers:  info.MaxMembers,
		CreatedAt:   info.CreatedAt.UnixMilli(),
	}
	if !info.ExpiresAt.IsZero() {
		out.ExpiresAt = info.ExpiresAt.UnixMilli()
	}
	return out
}
