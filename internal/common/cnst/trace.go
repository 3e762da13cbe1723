package cnst

// Tracer names used across the services
const (
	TraceHub       = "wshub/hub"
	TraceBroadcast = "wshub/broadcast"
	TraceCluster   = "wshub/cluster"
)

// Common span names
const (
	SpanEventPublish    = "event.publish"
	SpanEventReplay     = "event.replay"
	SpanRoomMessage     = "room.message"
	SpanBroadcast       = "broadcast.run"
	SpanClusterRelay    = "cluster.relay"
	SpanClusterDeliver  = "cluster.deliver"
	SpanWebSocketAccept = "ws.accept"
)

// Common attribute keys
const (
	AttrTenantID     = "hub.tenant_id"
	AttrConnectionID = "hub.connection_id"
	AttrEventType    = "hub.event_type"
	AttrRoomID       = "hub.room_id"
	AttrDeliveryMode = "hub.delivery_mode"
	AttrTargets      = "hub.targets"
	AttrDelivered    = "hub.delivered"
	AttrSkipped      = "hub.skipped"
	AttrFailed       = "hub.failed"
	AttrInstanceID   = "hub.instance_id"
	AttrErrorReason  = "error.reason"
	AttrClientAddr   = "client.remote_addr"
	AttrClientAgent  = "client.user_agent"
)
