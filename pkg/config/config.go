// Package config loads WardenGate's policy surface from YAML via koanf,
// the same loader shape the reference reverse proxy uses for its own
// rate-limit policy file. Loading a TOML file or wiring a CLI flag that
// picks the path is the outer proxy's job (spec.md §1); this package
// only owns parsing and the in-memory atomic swap.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// L4 holds the L4Guard policy (spec.md §6 "l4" section).
type L4 struct {
	Enabled             bool  `yaml:"enabled"`
	MaxConnectionsPerIP int   `yaml:"max_connections_per_ip"`
	MaxPacketsPerSecond int   `yaml:"max_packets_per_second"`
	RateLimitWindowMs   int64 `yaml:"rate_limit_window_ms"`
	BlockDurationMs     int64 `yaml:"block_duration_ms"`
	MaxExceptionsPerIP  int   `yaml:"max_exceptions_per_ip"`
	IdleEvictAfterMs    int64 `yaml:"idle_evict_after_ms"`
}

// PacketFilter holds the PacketFilter policy (spec.md §6 "packet-filter").
type PacketFilter struct {
	Enabled              bool     `yaml:"enabled"`
	MaxPacketSize        int      `yaml:"max_packet_size"`
	BlockHarmfulPatterns bool     `yaml:"block_harmful_patterns"`
	BlockRepeatedPackets bool     `yaml:"block_repeated_packets"`
	RepeatedRingCapacity int      `yaml:"repeated_ring_capacity"`
	Whitelist            []string `yaml:"whitelist"`
	RingIdleEvictMs      int64    `yaml:"ring_idle_evict_ms"`
}

// L7 holds the L7Guard policy (spec.md §6 "l7" section).
type L7 struct {
	Enabled                  bool  `yaml:"enabled"`
	MaxLoginAttemptsPerIP    int   `yaml:"max_login_attempts_per_ip"`
	LoginAttemptWindowMs     int64 `yaml:"login_attempt_window_ms"`
	MaxPacketTypePerSecond   int   `yaml:"max_packet_type_per_second"`
	MaxServerListPingsPerIP  int   `yaml:"max_server_list_pings_per_ip"`
	DetectProtocolViolations bool  `yaml:"detect_protocol_violations"`
	MaxExceptionsPerWindow   int   `yaml:"max_exceptions_per_window"`
	TrackerIdleEvictMs       int64 `yaml:"tracker_idle_evict_ms"`
}

// Verification holds the mini-world policy (part of spec.md §6
// "anti-bot", split out here because it has its own supplemented
// option, min_direction_changes — see SPEC_FULL.md).
type Verification struct {
	Duration            time.Duration `yaml:"duration"`
	MinMovements        int           `yaml:"min_movements"`
	MinDistance         float64       `yaml:"min_distance"`
	MinElapsed          time.Duration `yaml:"min_elapsed"`
	MinDirectionChanges int           `yaml:"min_direction_changes"`
	TimingStdDevEpsilon float64       `yaml:"timing_stddev_epsilon"`
	Grace               time.Duration `yaml:"grace"`
}

// AntiBot holds the AntiBot coordinator policy (spec.md §6 "anti-bot").
type AntiBot struct {
	Enabled                  bool          `yaml:"enabled"`
	CheckOnlyFirstJoin       bool          `yaml:"check_only_first_join"`
	KickThreshold            int           `yaml:"kick_threshold"`
	KickMessage              string        `yaml:"kick_message"`
	AllowedBrands            []string      `yaml:"allowed_brands"`
	UsernamePatterns         []string      `yaml:"username_patterns"`
	SequentialCharThreshold  int           `yaml:"sequential_char_threshold"`
	RejectImbalancedNames    bool          `yaml:"reject_imbalanced_names"`
	AllowDirectIPConnections bool          `yaml:"allow_direct_ip_connections"`
	AllowedDomains           []string      `yaml:"allowed_domains"`
	ExcludedIPs              []string      `yaml:"excluded_ips"`
	MinLatency               time.Duration `yaml:"min_latency"`
	MaxLatency               time.Duration `yaml:"max_latency"`
	RateLimitThreshold       int           `yaml:"rate_limit_threshold"`
	RateLimitWindow          time.Duration `yaml:"rate_limit_window"`
	ReverseDNSCheck          bool          `yaml:"reverse_dns_check"`
	ReverseDNSTimeout        time.Duration `yaml:"reverse_dns_timeout"`
	HostingSuffixes          []string      `yaml:"hosting_suffixes"`
	Verification             Verification  `yaml:"verification"`
}

// Cluster controls the optional Redis-backed cross-instance sync
// (internal/clusterstate). Disabled by default; the core is always
// correct without it (spec.md §6 "Persisted state: None required").
type Cluster struct {
	Enabled  bool   `yaml:"enabled"`
	RedisURL string `yaml:"redis_url"`
}

// Server controls the demonstrator binary's admin HTTP surface.
type Server struct {
	AdminAddr string `yaml:"admin_addr"`
}

// Logging controls the zerolog global level.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the full policy surface. Zero value is invalid; use
// Default() or Load().
type Config struct {
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
	Cluster      Cluster      `yaml:"cluster"`
	L4           L4           `yaml:"l4"`
	PacketFilter PacketFilter `yaml:"packet_filter"`
	L7           L7           `yaml:"l7"`
	AntiBot      AntiBot      `yaml:"anti_bot"`
}

// Default returns the configuration described by spec.md §6's defaults
// table, extended with the ambient sections this port adds.
func Default() *Config {
	return &Config{
		Server:  Server{AdminAddr: ":9090"},
		Logging: Logging{Level: "info"},
		Cluster: Cluster{Enabled: false, RedisURL: "redis:6379"},
		L4: L4{
			Enabled:             true,
			MaxConnectionsPerIP: 5,
			MaxPacketsPerSecond: 100,
			RateLimitWindowMs:   1000,
			BlockDurationMs:     300_000,
			MaxExceptionsPerIP:  10,
			IdleEvictAfterMs:    60_000,
		},
		PacketFilter: PacketFilter{
			Enabled:              true,
			MaxPacketSize:        32768,
			BlockHarmfulPatterns: true,
			BlockRepeatedPackets: true,
			RepeatedRingCapacity: 5,
			Whitelist:            []string{"Handshake", "ServerPing", "LoginStart", "StatusRequest"},
			RingIdleEvictMs:      5 * 60_000,
		},
		L7: L7{
			Enabled:                  true,
			MaxLoginAttemptsPerIP:    20,
			LoginAttemptWindowMs:     300_000,
			MaxPacketTypePerSecond:   100,
			MaxServerListPingsPerIP:  3,
			DetectProtocolViolations: true,
			MaxExceptionsPerWindow:   5,
			TrackerIdleEvictMs:       30 * 60_000,
		},
		AntiBot: AntiBot{
			Enabled:                  true,
			CheckOnlyFirstJoin:       true,
			KickThreshold:            5,
			KickMessage:              "Unable to verify connection, please try again.",
			SequentialCharThreshold:  4,
			AllowDirectIPConnections: false,
			MinLatency:               10 * time.Millisecond,
			MaxLatency:               1000 * time.Millisecond,
			RateLimitThreshold:       5,
			RateLimitWindow:          1000 * time.Millisecond,
			ReverseDNSCheck:          false,
			ReverseDNSTimeout:        750 * time.Millisecond,
			Verification: Verification{
				Duration:            15 * time.Second,
				MinMovements:        3,
				MinDistance:         2.0,
				MinElapsed:          3 * time.Second,
				MinDirectionChanges: 2,
				TimingStdDevEpsilon: 0.015,
				Grace:               5 * time.Second,
			},
		},
	}
}

// Store is an atomic pointer swap so in-flight pipeline calls keep
// using the config captured at call start (spec.md §9 "Dynamic
// reloadability ... should be an atomic pointer swap").
type Store struct {
	v atomic.Pointer[Config]
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

func (s *Store) Load() *Config    { return s.v.Load() }
func (s *Store) Swap(cfg *Config) { s.v.Store(cfg) }

// Load reads path as YAML via koanf and merges it over Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// Dump returns cfg's enumerated options as a nested map, for the
// "config load → component init → config dump round-trips enumerated
// options" testable property (spec.md §8). It mirrors the struct
// layout directly rather than re-entering koanf, since koanf has no
// struct-to-map provider of its own.
func Dump(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"server":        map[string]interface{}{"admin_addr": cfg.Server.AdminAddr},
		"logging":       map[string]interface{}{"level": cfg.Logging.Level},
		"cluster":       map[string]interface{}{"enabled": cfg.Cluster.Enabled, "redis_url": cfg.Cluster.RedisURL},
		"l4":            cfg.L4,
		"packet_filter": cfg.PacketFilter,
		"l7":            cfg.L7,
		"anti_bot":      cfg.AntiBot,
	}
}
