package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SimConfig holds configuration for the cqsim completion queue simulator
type SimConfig struct {
	InstanceID        string
	LogLevel          string
	CQEntries         int
	CQESize           int
	BatchSize         int
	WCFlags           uint64 // 0 polls fixed-shape completions
	RatePerSecond     int
	DurationMS        uint32
	QPCount           int
	SendWR            int
	RecvWR            int
	SRQWR             int // 0 disables the shared receive queue
	ResizeTo          int // 0 disables the mid-run resize
	MetricsEnabled    bool
	OtelCollectorAddr string
	DatabaseURI       string // empty disables the run store
	HealthAddr        string // empty disables the health server
}

// flag name -> config key
var simFlagKeys = map[string]string{
	"instance-id":         "instance_id",
	"log-level":           "log_level",
	"cq-entries":          "cq_entries",
	"cqe-size":            "cqe_size",
	"batch-size":          "batch_size",
	"wc-flags":            "wc_flags",
	"rate-per-second":     "rate_per_second",
	"duration-ms":         "duration_ms",
	"qp-count":            "qp_count",
	"send-wr":             "send_wr",
	"recv-wr":             "recv_wr",
	"srq-wr":              "srq_wr",
	"resize-to":           "resize_to",
	"metrics-enabled":     "metrics_enabled",
	"otel-collector-addr": "otel_collector_addr",
	"db-uri":              "db_uri",
	"health-addr":         "health_addr",
}

// SetupSimFlags sets up the command line flags for the simulator
func SetupSimFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "cqsim.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("instance-id", "", "Instance ID reported in metrics and run records (defaults to hostname)")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.Int("cq-entries", 256, "Minimum number of completions the CQ holds")
	flagSet.Int("cqe-size", 32, "CQE size in bytes (32 or 64)")
	flagSet.Int("batch-size", 16, "Maximum completions drained per poll")
	flagSet.Uint64("wc-flags", 0, "Extended completion fields to request; 0 polls fixed-shape completions")
	flagSet.Int("rate-per-second", 10000, "Completions produced per second by the simulated device")
	flagSet.Uint32("duration-ms", 5000, "Run duration in milliseconds")
	flagSet.Int("qp-count", 4, "Number of queue pairs completing on the CQ")
	flagSet.Int("send-wr", 128, "Send queue depth per queue pair")
	flagSet.Int("recv-wr", 128, "Receive queue depth per queue pair")
	flagSet.Int("srq-wr", 0, "Shared receive queue depth, 0 to disable")
	flagSet.Int("resize-to", 0, "Resize the CQ to this many entries halfway through the run, 0 to disable")
	flagSet.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	flagSet.String("otel-collector-addr", "grpc://localhost:4317", "OpenTelemetry collector address")
	flagSet.String("db-uri", "", "rqlite URI for run records, empty to disable")
	flagSet.String("health-addr", "", "gRPC health server listen address, empty to disable")
}

// LoadSimConfig loads the simulator configuration from flags, environment
// variables and an optional config file, in that order of precedence.
func LoadSimConfig(flagSet *pflag.FlagSet) (*SimConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("instance_id", getSystemHostname())
	v.SetDefault("log_level", "info")
	v.SetDefault("cq_entries", 256)
	v.SetDefault("cqe_size", 32)
	v.SetDefault("batch_size", 16)
	v.SetDefault("wc_flags", 0)
	v.SetDefault("rate_per_second", 10000)
	v.SetDefault("duration_ms", 5000) // 5 seconds
	v.SetDefault("qp_count", 4)
	v.SetDefault("send_wr", 128)
	v.SetDefault("recv_wr", 128)
	v.SetDefault("srq_wr", 0)
	v.SetDefault("resize_to", 0)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("otel_collector_addr", "grpc://localhost:4317")
	v.SetDefault("db_uri", "")
	v.SetDefault("health_addr", "")

	// Environment variables
	v.SetEnvPrefix("HWCQ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	configPath := ""
	if flagSet != nil {
		// Only flags given on the command line override file and env values
		for name, key := range simFlagKeys {
			if f := flagSet.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
		configPath, _ = flagSet.GetString("config")
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("cqsim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hwcq")
		v.AddConfigPath("/etc/hwcq")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &SimConfig{
		InstanceID:        v.GetString("instance_id"),
		LogLevel:          v.GetString("log_level"),
		CQEntries:         v.GetInt("cq_entries"),
		CQESize:           v.GetInt("cqe_size"),
		BatchSize:         v.GetInt("batch_size"),
		WCFlags:           v.GetUint64("wc_flags"),
		RatePerSecond:     v.GetInt("rate_per_second"),
		DurationMS:        v.GetUint32("duration_ms"),
		QPCount:           v.GetInt("qp_count"),
		SendWR:            v.GetInt("send_wr"),
		RecvWR:            v.GetInt("recv_wr"),
		SRQWR:             v.GetInt("srq_wr"),
		ResizeTo:          v.GetInt("resize_to"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
		DatabaseURI:       v.GetString("db_uri"),
		HealthAddr:        v.GetString("health_addr"),
	}
	if config.InstanceID == "" {
		config.InstanceID = getSystemHostname()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values the simulator cannot run with.
func (c *SimConfig) Validate() error {
	switch {
	case c.CQESize != 32 && c.CQESize != 64:
		return fmt.Errorf("invalid cqe_size %d: must be 32 or 64", c.CQESize)
	case c.CQEntries < 1:
		return fmt.Errorf("invalid cq_entries %d", c.CQEntries)
	case c.BatchSize < 1:
		return fmt.Errorf("invalid batch_size %d", c.BatchSize)
	case c.RatePerSecond < 1:
		return fmt.Errorf("invalid rate_per_second %d", c.RatePerSecond)
	case c.QPCount < 1:
		return fmt.Errorf("invalid qp_count %d", c.QPCount)
	case c.SendWR < 1 || c.RecvWR < 1:
		return fmt.Errorf("invalid work queue depth: send_wr %d, recv_wr %d", c.SendWR, c.RecvWR)
	case c.SRQWR < 0 || c.ResizeTo < 0:
		return fmt.Errorf("srq_wr and resize_to must not be negative")
	}
	return nil
}

// WriteDefaultConfig creates a default configuration file for the simulator
func WriteDefaultConfig(path string) error {
	configContent := `# hwcq simulator configuration
instance_id: "" # Leave empty to use hostname
log_level: "info" # trace, debug, info, warn, error
cq_entries: 256
cqe_size: 32 # 32 or 64
batch_size: 16
wc_flags: 0 # extended completion fields, 0 polls fixed-shape completions
rate_per_second: 10000
duration_ms: 5000 # 5 seconds
qp_count: 4
send_wr: 128
recv_wr: 128
srq_wr: 0 # 0 disables the shared receive queue
resize_to: 0 # 0 disables the mid-run resize
metrics_enabled: false
otel_collector_addr: "grpc://localhost:4317"
db_uri: "" # e.g. http://localhost:4001
health_addr: "" # e.g. 127.0.0.1:50061
`

	return writeConfigFile(path, configContent)
}
