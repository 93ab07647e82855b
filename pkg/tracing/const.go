package tracing

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys used by warpstore
const (
	AttrKeyWarpstoreErrorCode = "warpstore.error.code"
	AttrKeyWarpstoreBackend   = "warpstore.backend"
	AttrKeyWarpstoreItem      = "warpstore.item"
	AttrKeyWarpstoreCount     = "warpstore.count"
	AttrKeyWarpstoreRemote    = "warpstore.sync.remote"
	AttrKeyWarpstoreSyncRole  = "warpstore.sync.role"
)

// Attribute values
const (
	AttrValueSyncRolePutter = "putter"
	AttrValueSyncRoleGetter = "getter"
)

// Enumerated attributes
var (
	AttrFullSyncRolePutter = attribute.String(AttrKeyWarpstoreSyncRole, AttrValueSyncRolePutter)
	AttrFullSyncRoleGetter = attribute.String(AttrKeyWarpstoreSyncRole, AttrValueSyncRoleGetter)
)

func AttrBackend(name string) attribute.KeyValue {
	return attribute.String(AttrKeyWarpstoreBackend, name)
}

func AttrCount(n int) attribute.KeyValue {
	return attribute.Int(AttrKeyWarpstoreCount, n)
}
