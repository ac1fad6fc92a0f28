// Package config manages tasd daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags layered in
// that order, with CLI flags taking final precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete tasd configuration (spec.md §6 CLI list).
type Config struct {
	GRPC     GRPCConfig     `koanf:"grpc"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Memory   MemoryConfig   `koanf:"memory"`
	Fastpath FastpathConfig `koanf:"fastpath"`
	CC       CCConfig       `koanf:"cc"`
	Slowpath SlowpathConfig `koanf:"slowpath"`
}

// GRPCConfig holds the introspection/control ConnectRPC server
// configuration (SPEC_FULL.md §4.10).
type GRPCConfig struct {
	// Addr is the introspection RPC listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MemoryConfig holds the internal pipeline memory sizes (spec.md §6's
// `tas_info`/`flextcp_pl_mem` sizing knobs).
type MemoryConfig struct {
	// DMAMemSize is the DMA-able packet memory pool size, in bytes.
	DMAMemSize uint64 `koanf:"dma_mem_size"`
	// InternalMemSize is the flow/app/context table arena size, in bytes.
	InternalMemSize uint64 `koanf:"internal_mem_size"`
}

// FastpathConfig holds the fast-path dataplane tunables.
type FastpathConfig struct {
	// IPAddr is the service's own address, e.g. "10.0.0.1/24". Required.
	IPAddr string `koanf:"ip_addr"`

	// CoresMax bounds the number of fast-path dataplane contexts started,
	// one busy-polling OS thread each (spec.md §5).
	CoresMax int `koanf:"cores_max"`

	// NoInterrupts is loaded but no code reads it: dataplane.Core.Run
	// enables link interrupts after every idle round whatever this is
	// set to.
	NoInterrupts bool `koanf:"no_interrupts"`

	// NoHugepages disables hugepage-backed shared memory allocation.
	NoHugepages bool `koanf:"no_hugepages"`

	// KNIName names the kernel-network-interface handed slow-path traffic
	// that isn't claimed by any flow or listener.
	KNIName string `koanf:"kni_name"`

	// Gateway is the default next hop for off-link destinations, used
	// by internal/slowpath's RouteTable; empty means only on-link
	// destinations can be reached.
	Gateway string `koanf:"gateway"`

	// ReadyFD, if >= 0, is an inherited file descriptor written to once
	// the daemon is ready to serve, for supervisors that don't speak
	// sd_notify.
	ReadyFD int `koanf:"ready_fd"`

	// AllowFutureACKs is loaded and defaults to false, but no code reads
	// it: the fast path (internal/flowstate) never accepts an ACK beyond
	// tx_next_seq, whatever this is set to.
	AllowFutureACKs bool `koanf:"allow_future_acks"`
}

// IPPrefix parses FastpathConfig.IPAddr as a netip.Prefix.
func (f FastpathConfig) IPPrefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(f.IPAddr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse fastpath.ip_addr %q: %w", f.IPAddr, err)
	}
	return p, nil
}

// CCAlgorithm names one of the four congestion-control algorithms
// spec.md §4.7 requires (dctcp-win, dctcp-rate, const-rate, timely).
type CCAlgorithm string

const (
	CCDCTCPWin   CCAlgorithm = "dctcp-win"
	CCDCTCPRate  CCAlgorithm = "dctcp-rate"
	CCConstRate  CCAlgorithm = "const-rate"
	CCTimely     CCAlgorithm = "timely"
)

// ValidCCAlgorithms lists the recognized --cc values.
var ValidCCAlgorithms = map[CCAlgorithm]bool{
	CCDCTCPWin:  true,
	CCDCTCPRate: true,
	CCConstRate: true,
	CCTimely:    true,
}

// CCConfig holds the selected congestion-control algorithm and every
// tunable any of the four algorithms reads (spec.md §4.7); unused fields
// for the selected algorithm are simply ignored.
type CCConfig struct {
	Algorithm CCAlgorithm `koanf:"algorithm"`

	// Weight is DCTCP-win's ECN-fraction EWMA weight (α update weight).
	Weight float64 `koanf:"weight"`
	// MinPkts is DCTCP-rate's minimum acks-per-interval before a rate
	// update is computed.
	MinPkts uint32 `koanf:"min_pkts"`
	// MinRate is the floor rate in kbps for DCTCP-rate and TIMELY.
	MinRate uint32 `koanf:"min_rate"`
	// Rate is const-rate's fixed pacing rate in kbps.
	Rate uint32 `koanf:"rate"`
	// TLow and THigh are TIMELY's RTT thresholds in microseconds.
	TLow  uint32 `koanf:"t_low"`
	THigh uint32 `koanf:"t_high"`
	// Alpha is TIMELY's rtt_diff EWMA weight.
	Alpha float64 `koanf:"alpha"`
	// Beta is TIMELY's multiplicative-decrease factor.
	Beta float64 `koanf:"beta"`
	// LinkBW is the link bandwidth in bits/sec, used by DCTCP-win's rate
	// computation's RTT-vs-bandwidth-delay floor.
	LinkBW uint64 `koanf:"link_bw"`
}

// SlowpathConfig holds the handshake/CC event loop tunables (spec.md
// §4.7's "handshake_retries" and "cc_rexmit_ints").
type SlowpathConfig struct {
	// HandshakeRetries bounds the SYN/ARP retry count before a
	// connection attempt fails, per the handshake state machine's
	// exponential backoff.
	HandshakeRetries int `koanf:"handshake_retries"`

	// CCTickIntervalMs is the period between congestion-control
	// recomputations.
	CCTickIntervalMs int `koanf:"cc_tick_interval_ms"`

	// CCRexmitInts is the number of consecutive CC ticks with
	// tx_sent > 0 and no new ACKs before the retransmit monitor fires.
	CCRexmitInts int `koanf:"cc_rexmit_ints"`

	// ListenBacklog is the default accept-queue depth for a new listener.
	ListenBacklog int `koanf:"listen_backlog"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
// IPAddr has no default and must be supplied — spec.md §6 marks
// --ip-addr required.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Memory: MemoryConfig{
			DMAMemSize:      1 << 30, // 1 GiB
			InternalMemSize: 1 << 28, // 256 MiB
		},
		Fastpath: FastpathConfig{
			CoresMax:        4,
			KNIName:         "tas0",
			ReadyFD:         -1,
			AllowFutureACKs: false,
		},
		CC: CCConfig{
			Algorithm: CCDCTCPWin,
			Weight:    0.0625, // 1/16, matches original_source's default g
			MinPkts:   10,
			MinRate:   1000,
			Rate:      1_000_000,
			TLow:      50,
			THigh:     1000,
			Alpha:     0.02,
			Beta:      0.8,
			LinkBW:    10_000_000_000,
		},
		Slowpath: SlowpathConfig{
			HandshakeRetries: 7,
			CCTickIntervalMs: 10,
			CCRexmitInts:     3,
			ListenBacklog:    128,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tasd configuration.
// Variables are named TASD_<section>_<key>, e.g., TASD_FASTPATH_IP_ADDR.
const envPrefix = "TASD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TASD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. CLI flags are layered on top of the
// result by the caller (cmd/tasd), which always wins last.
//
// Uses koanf/v2 with file + env providers and YAML parser, exactly the
// teacher's internal/config.Load layering.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms TASD_FASTPATH_IP_ADDR -> fastpath.ip_addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"grpc.addr":                     d.GRPC.Addr,
		"metrics.addr":                  d.Metrics.Addr,
		"metrics.path":                  d.Metrics.Path,
		"log.level":                     d.Log.Level,
		"log.format":                    d.Log.Format,
		"memory.dma_mem_size":           d.Memory.DMAMemSize,
		"memory.internal_mem_size":      d.Memory.InternalMemSize,
		"fastpath.ip_addr":              d.Fastpath.IPAddr,
		"fastpath.cores_max":            d.Fastpath.CoresMax,
		"fastpath.no_interrupts":        d.Fastpath.NoInterrupts,
		"fastpath.no_hugepages":         d.Fastpath.NoHugepages,
		"fastpath.kni_name":             d.Fastpath.KNIName,
		"fastpath.gateway":              d.Fastpath.Gateway,
		"fastpath.ready_fd":             d.Fastpath.ReadyFD,
		"fastpath.allow_future_acks":    d.Fastpath.AllowFutureACKs,
		"cc.algorithm":                  string(d.CC.Algorithm),
		"cc.weight":                     d.CC.Weight,
		"cc.min_pkts":                   d.CC.MinPkts,
		"cc.min_rate":                   d.CC.MinRate,
		"cc.rate":                       d.CC.Rate,
		"cc.t_low":                      d.CC.TLow,
		"cc.t_high":                     d.CC.THigh,
		"cc.alpha":                      d.CC.Alpha,
		"cc.beta":                       d.CC.Beta,
		"cc.link_bw":                    d.CC.LinkBW,
		"slowpath.handshake_retries":    d.Slowpath.HandshakeRetries,
		"slowpath.cc_tick_interval_ms":  d.Slowpath.CCTickIntervalMs,
		"slowpath.cc_rexmit_ints":       d.Slowpath.CCRexmitInts,
		"slowpath.listen_backlog":       d.Slowpath.ListenBacklog,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyIPAddr indicates --ip-addr was not supplied.
	ErrEmptyIPAddr = errors.New("fastpath.ip_addr must not be empty")

	// ErrInvalidIPAddr indicates --ip-addr failed to parse as a CIDR prefix.
	ErrInvalidIPAddr = errors.New("fastpath.ip_addr must be an address with prefix, e.g. 10.0.0.1/24")

	// ErrInvalidCoresMax indicates fastpath.cores_max is not positive.
	ErrInvalidCoresMax = errors.New("fastpath.cores_max must be >= 1")

	// ErrEmptyGRPCAddr indicates the introspection RPC listen address is empty.
	ErrEmptyGRPCAddr = errors.New("grpc.addr must not be empty")

	// ErrInvalidCCAlgorithm indicates an unrecognized --cc value.
	ErrInvalidCCAlgorithm = errors.New("cc.algorithm must be one of dctcp-win, dctcp-rate, const-rate, timely")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered: one of the sentinel errors above,
// possibly wrapped with the underlying parse error.
func Validate(cfg *Config) error {
	if cfg.Fastpath.IPAddr == "" {
		return ErrEmptyIPAddr
	}
	if _, err := cfg.Fastpath.IPPrefix(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIPAddr, err)
	}
	if cfg.Fastpath.CoresMax < 1 {
		return ErrInvalidCoresMax
	}
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}
	if !ValidCCAlgorithms[cfg.CC.Algorithm] {
		return fmt.Errorf("%q: %w", cfg.CC.Algorithm, ErrInvalidCCAlgorithm)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
