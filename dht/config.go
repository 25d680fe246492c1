package dht

import "time"

// Default timeouts per spec.md §3. Exposed individually on Config so
// cmd/dhtnode can wire them to CLI flags the way cmd/geth builds its node
// config from flags, and so tests can shrink them for determinism.
const (
	DefaultBucketNodeTimeout     = 15 * time.Minute
	DefaultBucketRefreshTimeout  = 15 * time.Minute
	DefaultSearchIterationTick   = 1 * time.Second
	DefaultPeerTimeout           = 2 * time.Hour
	DefaultSearchQueryTimeout    = 10 * time.Second
	DefaultPingTimeout           = 10 * time.Second
	DefaultPutTimeout            = 2 * time.Hour
	DefaultTokenRotationInterval = 5 * time.Minute
	DefaultSaveInterval          = 5 * time.Minute
)

// Kademlia shape constants per spec.md §4.5 and §9. Alpha is the open
// question spec.md flags as unresolved in the source; this spec fixes it
// at the recommended value of 3.
const (
	BucketSize       = 8
	SearchResultMax  = BucketSize
	DefaultAlpha     = 3
	MaxCandidatePool = 64  // spec.md §4.5: "capped at some reasonable bound, e.g. 64"
	MaxSearchQueries = 128 // spec.md §4.5: hard ceiling against pathological topologies
	MaxPeersReturned = 50  // spec.md §4.7
	MaxSaltLen       = 64  // BEP 44
	MaxValueLen      = 1000
	SaveFileVersion  = 2
)

// Config collects every tunable spec.md names, plus the bind address and
// save-file path a running node needs. It plays the role cmd/geth's node
// config plays in the teacher: a single struct CLI flags populate before
// constructing the long-lived engine value.
type Config struct {
	BucketNodeTimeout     time.Duration
	BucketRefreshTimeout  time.Duration
	SearchIterationTick   time.Duration
	PeerTimeout           time.Duration
	SearchQueryTimeout    time.Duration
	PingTimeout           time.Duration
	PutTimeout            time.Duration
	TokenRotationInterval time.Duration
	SaveInterval          time.Duration

	Alpha int

	BindAddr       string
	SaveFilePath   string
	BootstrapAddrs []string // host:port strings resolved and ObserveNode'd at startup
}

// DefaultConfig returns a Config populated with spec.md's defaults.
func DefaultConfig() Config {
	return Config{
		BucketNodeTimeout:     DefaultBucketNodeTimeout,
		BucketRefreshTimeout:  DefaultBucketRefreshTimeout,
		SearchIterationTick:   DefaultSearchIterationTick,
		PeerTimeout:           DefaultPeerTimeout,
		SearchQueryTimeout:    DefaultSearchQueryTimeout,
		PingTimeout:           DefaultPingTimeout,
		PutTimeout:            DefaultPutTimeout,
		TokenRotationInterval: DefaultTokenRotationInterval,
		SaveInterval:          DefaultSaveInterval,
		Alpha:                 DefaultAlpha,
		BindAddr:              ":6881",
		SaveFilePath:          "dht.save",
	}
}
