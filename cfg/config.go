package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// ConnectionConfiguration holds one database endpoint.
type ConnectionConfiguration struct {
	DSN string `toml:"dsn"`
}

// ReplicationConfiguration controls the stream and the DDL side channel.
type ReplicationConfiguration struct {
	SlotName              string   `toml:"slot_name"`
	PublicationName       string   `toml:"publication_name"`
	DDLLogTable           string   `toml:"ddl_log_table"`
	StatusIntervalSeconds int      `toml:"status_interval_seconds"` // standby status update cadence
	SequenceCacheSeconds  int      `toml:"sequence_cache_seconds"`  // sequence catalog cache TTL
	IgnoreTables          []string `toml:"ignore_tables"`           // glob patterns, matched against schema.table
}

// StateConfiguration controls the durable cursor/buffer store.
type StateConfiguration struct {
	Dir string `toml:"dir"`
}

// PublisherConfiguration controls optional change fan-out.
type PublisherConfiguration struct {
	Enabled     bool     `toml:"enabled"`
	Sink        string   `toml:"sink"` // "nats" or "kafka"
	TopicPrefix string   `toml:"topic_prefix"`
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	Tables      []string `toml:"tables"` // glob patterns; empty publishes everything
	QueueSize   int      `toml:"queue_size"`
}

// AdminConfiguration controls the status/metrics HTTP listener.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	Primary ConnectionConfiguration `toml:"primary"`
	Replica ConnectionConfiguration `toml:"replica"`

	Replication ReplicationConfiguration `toml:"replication"`
	State       StateConfiguration       `toml:"state"`
	Publisher   PublisherConfiguration   `toml:"publisher"`
	Admin       AdminConfiguration       `toml:"admin"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	StateDirFlag   = flag.String("state-dir", "", "State directory (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Replication: ReplicationConfiguration{
		SlotName:              "translicate_slot",
		PublicationName:       "translicate_pub",
		DDLLogTable:           "translicate_ddl_log",
		StatusIntervalSeconds: 10,
		SequenceCacheSeconds:  60,
	},

	State: StateConfiguration{
		Dir: "./translicate-state",
	},

	Publisher: PublisherConfiguration{
		Enabled:     false,
		Sink:        "nats",
		TopicPrefix: "translicate.cdc",
		QueueSize:   1024,
	},

	Admin: AdminConfiguration{
		Enabled:     false,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *StateDirFlag != "" {
		Config.State.Dir = *StateDirFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	return nil
}

// Validate checks configuration invariants before startup.
func Validate() error {
	if Config.Primary.DSN == "" {
		return fmt.Errorf("primary.dsn is required")
	}
	if Config.Replica.DSN == "" {
		return fmt.Errorf("replica.dsn is required")
	}
	if Config.Replication.SlotName == "" {
		return fmt.Errorf("replication.slot_name is required")
	}
	if Config.Replication.PublicationName == "" {
		return fmt.Errorf("replication.publication_name is required")
	}
	if Config.Replication.DDLLogTable == "" {
		return fmt.Errorf("replication.ddl_log_table is required")
	}
	if Config.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if Config.Publisher.Enabled {
		switch Config.Publisher.Sink {
		case "nats":
			if Config.Publisher.NatsURL == "" {
				return fmt.Errorf("publisher.nats_url is required for the nats sink")
			}
		case "kafka":
			if len(Config.Publisher.Brokers) == 0 {
				return fmt.Errorf("publisher.brokers is required for the kafka sink")
			}
		default:
			return fmt.Errorf("unknown publisher sink %q", Config.Publisher.Sink)
		}
	}
	return nil
}
