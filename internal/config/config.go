// Package config loads the queue harness configuration from flags,
// environment variables, and an optional YAML file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the configuration shared by the echo binaries.
type Config struct {
	LogLevel string
	// Fabric selects the provider: "mem" for the in-process software fabric,
	// "rdma" for the librdmacm/libibverbs adapter.
	Fabric string
	// Addr is the address to listen on (server) or dial (client).
	Addr    string
	Backlog int

	RecvBufCount int
	RecvBufSize  uint32

	// Client-side workload shape.
	MessageCount int
	MessageSize  int
	RatePerSec   int

	OtelEnabled       bool
	OtelCollectorAddr string
}

// SetupFlags sets up the command line flags shared by the echo binaries.
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "demikernel.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.String("fabric", "mem", "Fabric provider (mem, rdma)")
	flagSet.String("addr", "127.0.0.1:9000", "Listen or dial address")
	flagSet.Int("backlog", 10, "Listen backlog")
	flagSet.Int("recv-buf-count", 1, "Steady-state number of posted receive buffers per queue")
	flagSet.Uint32("recv-buf-size", 1024, "Receive buffer size; bounds the framed message size")
	flagSet.Int("message-count", 10, "Number of messages the client pushes")
	flagSet.Int("message-size", 64, "Payload size of each client message")
	flagSet.Int("rate-per-sec", 100, "Client push rate limit per second")
	flagSet.Bool("otel-enabled", false, "Export queue metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address")
}

// LoadConfig loads the configuration from flags, environment variables, and
// an optional config file named by --config.
func LoadConfig(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DEMIKERNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{
		LogLevel:          v.GetString("log-level"),
		Fabric:            v.GetString("fabric"),
		Addr:              v.GetString("addr"),
		Backlog:           v.GetInt("backlog"),
		RecvBufCount:      v.GetInt("recv-buf-count"),
		RecvBufSize:       v.GetUint32("recv-buf-size"),
		MessageCount:      v.GetInt("message-count"),
		MessageSize:       v.GetInt("message-size"),
		RatePerSec:        v.GetInt("rate-per-sec"),
		OtelEnabled:       v.GetBool("otel-enabled"),
		OtelCollectorAddr: v.GetString("otel-collector-addr"),
	}

	if config.RecvBufCount < 1 {
		return nil, fmt.Errorf("recv-buf-count must be at least 1, got %d", config.RecvBufCount)
	}
	if config.RecvBufSize < 12 {
		return nil, fmt.Errorf("recv-buf-size must hold at least a wire header, got %d", config.RecvBufSize)
	}

	return config, nil
}

// WriteDefaultConfig creates a default configuration file.
func WriteDefaultConfig(path string) error {
	configContent := `# Demikernel RDMA queue configuration
log_level: "info" # debug, info, warn, error
fabric: "mem" # mem, rdma
addr: "127.0.0.1:9000"
backlog: 10
recv_buf_count: 1
recv_buf_size: 1024
message_count: 10
message_size: 64
rate_per_sec: 100
otel_enabled: false
otel_collector_addr: "localhost:4317"
`

	return writeConfigFile(path, configContent)
}
