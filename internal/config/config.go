// Package config holds the networking configuration shared by all
// communication layers and the session coordinator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults. The delays mirror the empirically tuned values of the original
// room-join sequence; all of them are overridable per Config so tests can
// run the same protocol at memory-transport speed.
const (
	DefaultDiscoveryTopic     = "kaibanet:discovery"
	DefaultRetryAttempts      = 5
	DefaultRetryDelay         = 5 * time.Second
	DefaultMeshSettleDelay    = 3 * time.Second
	DefaultMeshPropagateDelay = time.Second
)

// Config stores all parameters for transport, discovery and the room-join
// protocol. The zero value is not usable; start from Default().
type Config struct {
	BootstrapNode  string   // multiaddr of the initial mesh entry point (P2P mode)
	DiscoveryTopic string   // pub/sub topic carrying room announcements and presence
	ServerURL      string   // relay endpoint (relayed mode), e.g. ws://host:8888/ws
	ListenAddrs    []string // libp2p listen multiaddrs (P2P mode)
	EnableMDNS     bool     // LAN peer discovery (P2P mode)

	RetryAttempts      int           // peer-discovery poll attempts during join
	RetryDelay         time.Duration // sleep between discovery polls
	MeshSettleDelay    time.Duration // wait after subscribing for the gossip mesh to converge
	MeshPropagateDelay time.Duration // wait after a mesh refresh for membership to propagate
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DiscoveryTopic: DefaultDiscoveryTopic,
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		EnableMDNS:         true,
		RetryAttempts:      DefaultRetryAttempts,
		RetryDelay:         DefaultRetryDelay,
		MeshSettleDelay:    DefaultMeshSettleDelay,
		MeshPropagateDelay: DefaultMeshPropagateDelay,
	}
}

// FromEnv returns Default() overridden by KAIBANET_* environment variables.
// Unset or unparsable variables keep their defaults.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("KAIBANET_BOOTSTRAP_NODE"); v != "" {
		cfg.BootstrapNode = v
	}
	if v := os.Getenv("KAIBANET_DISCOVERY_TOPIC"); v != "" {
		cfg.DiscoveryTopic = v
	}
	if v := os.Getenv("KAIBANET_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("KAIBANET_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv("KAIBANET_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RetryDelay = d
		}
	}
	if v := os.Getenv("KAIBANET_MESH_SETTLE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MeshSettleDelay = d
		}
	}
	if v := os.Getenv("KAIBANET_MESH_PROPAGATE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MeshPropagateDelay = d
		}
	}

	return cfg
}
