package cnst

// Permissions understood by the hub. They are carried by the principal
// issued by the external auth provider.
const (
	PermWildcard   = "*"
	PermRoomCreate = "room:create"
	PermRoomAdmin  = "room:admin"
	PermBroadcast  = "broadcast"
	PermPublish    = "publish"
)
