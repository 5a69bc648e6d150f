// Package configstream implements a client SDK for a remote dynamic
// configuration service.
//
// A streaming client is created with New; it seeds any configured
// fallback values, opens a long-lived replication stream, and blocks
// until either the server's first frame arrives or the initialization
// timeout elapses. Config values are read with Get, which evaluates a
// three-valued condition tree against the merged client/call context
// and falls back to the record's base value when no override matches.
// Subscribe and SubscribeKey register change callbacks; GetSnapshot
// captures the current state for transfer to another process via
// Restore. Close releases the underlying connection; it is idempotent
// and safe to call multiple times.
//
// For server environments that need a one-shot snapshot without
// keeping a long-lived client around per request, see the
// pkg/snapshotcache package, which maintains a small coalescing,
// TTL-expiring cache of streaming clients keyed by (baseURL, sdkKey).
package configstream
