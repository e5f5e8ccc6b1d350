package config

import "time"

// Executor selection strategies.
const (
	SelectionRoundRobin    = "round_robin"
	SelectionLeastInFlight = "least_in_flight"
)

// GatewayConfig contains gateway router and executor transport configuration.
type GatewayConfig struct {
	// ListenAddr is the gateway HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// ServiceToken authenticates internal callers (dispatch, results,
	// executor issuance). Empty disables the internal routes.
	ServiceToken string `yaml:"service_token"`

	// Selection picks among eligible executors: round_robin or
	// least_in_flight.
	Selection string `yaml:"selection"`

	// DispatchTimeout is the default pending-request timer when a dispatch
	// carries no timeoutMs.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// DispatchTimeoutCap is the hard ceiling for caller-supplied timeouts.
	DispatchTimeoutCap time.Duration `yaml:"dispatch_timeout_cap"`

	// ResultTTL is how long resolved results stay fetchable.
	ResultTTL time.Duration `yaml:"result_ttl"`

	// OrphanTTL is how long results with no local pending entry are
	// buffered for fetchResult.
	OrphanTTL time.Duration `yaml:"orphan_ttl"`

	// OrphanMaxEntries bounds the orphan buffer.
	OrphanMaxEntries int `yaml:"orphan_max_entries"`

	// HelloTimeout bounds the wait for an executor's first frame after the
	// WebSocket upgrade.
	HelloTimeout time.Duration `yaml:"hello_timeout"`

	// WriteTimeout bounds one frame write to an executor socket.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		ListenAddr:         ":8090",
		Selection:          SelectionRoundRobin,
		DispatchTimeout:    60 * time.Second,
		DispatchTimeoutCap: 600 * time.Second,
		ResultTTL:          5 * time.Minute,
		OrphanTTL:          10 * time.Minute,
		OrphanMaxEntries:   10000,
		HelloTimeout:       10 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}
