package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tcp-acceleration-service/tas-sub000/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.GRPC.Addr != ":50051" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":50051")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.CC.Algorithm != config.CCDCTCPWin {
		t.Errorf("CC.Algorithm = %q, want %q", cfg.CC.Algorithm, config.CCDCTCPWin)
	}
	if cfg.Fastpath.CoresMax != 4 {
		t.Errorf("Fastpath.CoresMax = %d, want 4", cfg.Fastpath.CoresMax)
	}
	if cfg.Fastpath.AllowFutureACKs {
		t.Error("Fastpath.AllowFutureACKs = true, want false by default")
	}
	if cfg.Slowpath.HandshakeRetries != 7 {
		t.Errorf("Slowpath.HandshakeRetries = %d, want 7", cfg.Slowpath.HandshakeRetries)
	}
	if cfg.Slowpath.ListenBacklog != 128 {
		t.Errorf("Slowpath.ListenBacklog = %d, want 128", cfg.Slowpath.ListenBacklog)
	}

	// DefaultConfig has no ip_addr, so it must NOT pass validation on its
	// own — spec.md §6 marks --ip-addr required.
	if err := config.Validate(cfg); !errors.Is(err, config.ErrEmptyIPAddr) {
		t.Errorf("Validate(DefaultConfig()) = %v, want ErrEmptyIPAddr", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
grpc:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
fastpath:
  ip_addr: "10.0.0.1/24"
  cores_max: 2
  kni_name: "tas1"
cc:
  algorithm: "timely"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":60000" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":60000")
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if cfg.Fastpath.IPAddr != "10.0.0.1/24" {
		t.Errorf("Fastpath.IPAddr = %q, want %q", cfg.Fastpath.IPAddr, "10.0.0.1/24")
	}
	if cfg.Fastpath.CoresMax != 2 {
		t.Errorf("Fastpath.CoresMax = %d, want 2", cfg.Fastpath.CoresMax)
	}
	if cfg.CC.Algorithm != config.CCTimely {
		t.Errorf("CC.Algorithm = %q, want %q", cfg.CC.Algorithm, config.CCTimely)
	}

	prefix, err := cfg.Fastpath.IPPrefix()
	if err != nil {
		t.Fatalf("IPPrefix() error: %v", err)
	}
	if prefix.Bits() != 24 {
		t.Errorf("IPPrefix().Bits() = %d, want 24", prefix.Bits())
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
fastpath:
  ip_addr: "10.0.0.1/24"
log:
  level: "warn"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Fastpath.CoresMax != 4 {
		t.Errorf("Fastpath.CoresMax = %d, want default 4", cfg.Fastpath.CoresMax)
	}
	if cfg.CC.Algorithm != config.CCDCTCPWin {
		t.Errorf("CC.Algorithm = %q, want default %q", cfg.CC.Algorithm, config.CCDCTCPWin)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:   "empty ip addr",
			modify: func(cfg *config.Config) {},
			wantErr: config.ErrEmptyIPAddr,
		},
		{
			name: "invalid ip addr",
			modify: func(cfg *config.Config) {
				cfg.Fastpath.IPAddr = "not-an-addr"
			},
			wantErr: config.ErrInvalidIPAddr,
		},
		{
			name: "zero cores max",
			modify: func(cfg *config.Config) {
				cfg.Fastpath.IPAddr = "10.0.0.1/24"
				cfg.Fastpath.CoresMax = 0
			},
			wantErr: config.ErrInvalidCoresMax,
		},
		{
			name: "empty grpc addr",
			modify: func(cfg *config.Config) {
				cfg.Fastpath.IPAddr = "10.0.0.1/24"
				cfg.GRPC.Addr = ""
			},
			wantErr: config.ErrEmptyGRPCAddr,
		},
		{
			name: "invalid cc algorithm",
			modify: func(cfg *config.Config) {
				cfg.Fastpath.IPAddr = "10.0.0.1/24"
				cfg.CC.Algorithm = "bogus"
			},
			wantErr: config.ErrInvalidCCAlgorithm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateValidCCAlgorithms(t *testing.T) {
	t.Parallel()

	for _, alg := range []config.CCAlgorithm{
		config.CCDCTCPWin, config.CCDCTCPRate, config.CCConstRate, config.CCTimely,
	} {
		cfg := config.DefaultConfig()
		cfg.Fastpath.IPAddr = "10.0.0.1/24"
		cfg.CC.Algorithm = alg

		if err := config.Validate(cfg); err != nil {
			t.Errorf("Validate() with algorithm %q returned error: %v", alg, err)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
fastpath:
  ip_addr: "10.0.0.1/24"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("TASD_GRPC_ADDR", ":60000")
	t.Setenv("TASD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":60000" {
		t.Errorf("GRPC.Addr = %q, want %q (from env)", cfg.GRPC.Addr, ":60000")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
fastpath:
  ip_addr: "10.0.0.1/24"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("TASD_METRICS_ADDR", ":9200")
	t.Setenv("TASD_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}
	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "tasd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
