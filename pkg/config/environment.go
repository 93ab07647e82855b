package config

const (
	// EnvWarpstoreDirectory is the base directory for local databases and the cache.
	// Defaults to ~/.warpstore
	EnvWarpstoreDirectory = "WARPSTORE_DIRECTORY"
	// EnvWarpstoreStore selects the content store backend, see StoreConfig.
	EnvWarpstoreStore = "WARPSTORE_STORE"
	// EnvWarpstoreIndex selects the index backend, see IndexConfig.
	EnvWarpstoreIndex = "WARPSTORE_INDEX"
	// EnvWarpstoreCache overrides the cache directory that cache references resolve against.
	EnvWarpstoreCache = "WARPSTORE_CACHE"
	// EnvWarpstoreTTL is how long an untouched entry survives garbage collection, as a Go duration.
	EnvWarpstoreTTL = "WARPSTORE_TTL"
	// EnvWarpstoreRemote is the default peer address for push, pull and sync.
	EnvWarpstoreRemote = "WARPSTORE_REMOTE"
)

// NOTE: keep this up to date or the config loader won't load them
var envKeys = []string{
	EnvWarpstoreDirectory,
	EnvWarpstoreStore,
	EnvWarpstoreIndex,
	EnvWarpstoreCache,
	EnvWarpstoreTTL,
	EnvWarpstoreRemote,
}
