// Package vnconfig binds the cluster node's recognized configuration keys
// (§6 of the spec) onto a single struct, following the teacher's plain
// struct + WithDefaults()/Validate() idiom rather than a registration-tag
// framework: the concerns §6 enumerates are simple scalars, so a
// cfgstruct-style reflection binder would add indirection this module
// never needs (config *loading* — env/flag/file parsing — is out of
// scope per spec.md §1).
package vnconfig

import (
	"time"

	"github.com/zeebo/errs"
)

// Error classes configuration validation failures.
var Error = errs.Class("vnconfig")

// Config holds every recognized configuration key.
type Config struct {
	BucketCount              uint32
	MaxCacheEntries          uint32
	MaxMessageSize           int
	MaxHeaderBufferSize      int
	RecvBufferSize           int
	MessageBufferSize        int
	KeepaliveInterval        time.Duration
	RequestTimeout           time.Duration
	MaxQueueDepth            int
	DiscoveryInterval        time.Duration
	QueuePurgeInterval       time.Duration
	ConnectPath              string
	DiscoveryPath            string
	WellKnownPath            string
	VerifyIP                 bool
	MaxPeerConnections       int
	MaxConcurrentConnections int
	ZeroAllAllocations       bool
	InitialPeers             []string

	// Secret material, loaded once at startup and treated as immutable
	// thereafter (§5 "Shared resources").
	CachePrivateKeyJWK string
	ClientPublicKeyJWK string
}

// WithDefaults returns a copy of c with every zero-valued optional field
// replaced by its default. connect_path and well_known_path are
// deliberately left untouched: the spec requires them but names no
// default, so an empty value must fail Validate rather than silently
// resolve to a guessed route (§9 open-question resolution, see
// DESIGN.md).
func (c Config) WithDefaults() Config {
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = 10000
	}
	if c.RecvBufferSize == 0 {
		c.RecvBufferSize = 64 * 1024
	}
	if c.MaxHeaderBufferSize == 0 {
		c.MaxHeaderBufferSize = 4 * 1024
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.MessageBufferSize == 0 {
		c.MessageBufferSize = 64
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.QueuePurgeInterval == 0 {
		c.QueuePurgeInterval = time.Minute
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 5 * time.Minute
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	return c
}

// Validate reports the first configuration error found, per the required
// minimums in spec.md §6/§8.
func (c Config) Validate() error {
	if c.BucketCount < 1 {
		return Error.New("bucket_count must be >= 1")
	}
	if c.MaxCacheEntries < 2 {
		return Error.New("max_cache_entries must be >= 2")
	}
	if c.ConnectPath == "" {
		return Error.New("connect_path is required")
	}
	if c.WellKnownPath == "" {
		return Error.New("well_known_path is required")
	}
	if c.MaxQueueDepth < 1 {
		return Error.New("max_queue_depth must be >= 1")
	}
	return nil
}
