// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Store and transport backends.
const (
	BackendEtcd   = "etcd"
	BackendSqlite = "sqlite"
	BackendKafka  = "kafka"
)

// Config holds all configuration for the coordinator.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NodeID             string        `mapstructure:"node_id"`
	EtcdEndpoints      []string      `mapstructure:"etcd_endpoints" validate:"required_if=StoreBackend etcd,required_if=Transport etcd"`
	EtcdTimeout        time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	HttpListenAddr     string        `mapstructure:"http_listen_addr" validate:"required"`
	ReplyListenAddr    string        `mapstructure:"reply_listen_addr" validate:"required"`
	ReplyAdvertiseAddr string        `mapstructure:"reply_advertise_addr"`
	ReplyTTL           int64         `mapstructure:"reply_ttl" validate:"gte=5"`

	StoreBackend string `mapstructure:"store_backend" validate:"oneof=etcd sqlite"`
	SqlitePath   string `mapstructure:"sqlite_path" validate:"required_if=StoreBackend sqlite"`

	Transport    string   `mapstructure:"transport" validate:"oneof=etcd kafka"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" validate:"required_if=Transport kafka"`
	KafkaGroup   string   `mapstructure:"kafka_group" validate:"required_if=Transport kafka"`

	ControlTopic   string        `mapstructure:"control_topic" validate:"required,nefield=PartitionTopic"`
	PartitionTopic string        `mapstructure:"partition_topic" validate:"required"`
	EventsTopic    string        `mapstructure:"events_topic"`
	EventsTTL      time.Duration `mapstructure:"events_ttl" validate:"gt=0"`

	GroupSecurityEnabled bool          `mapstructure:"group_security_enabled"`
	PartitionTimeout     time.Duration `mapstructure:"partition_timeout" validate:"gt=0"`
	RescanSpec           string        `mapstructure:"rescan_spec" validate:"required"`
	MaxInFlight          int           `mapstructure:"max_in_flight" validate:"gt=0"`
	LockTTL              int           `mapstructure:"lock_ttl" validate:"gte=1"`
	ShellTimeout         time.Duration `mapstructure:"shell_timeout" validate:"gt=0"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("reply_listen_addr", ":9090")
	v.SetDefault("reply_advertise_addr", "")
	v.SetDefault("reply_ttl", 10)
	v.SetDefault("store_backend", BackendEtcd)
	v.SetDefault("sqlite_path", "")
	v.SetDefault("transport", BackendEtcd)
	v.SetDefault("kafka_group", "batch-dispatch")
	v.SetDefault("control_topic", "batch.control")
	v.SetDefault("partition_topic", "batch.partitions")
	v.SetDefault("events_topic", "batch.events")
	v.SetDefault("events_ttl", "1h")
	v.SetDefault("group_security_enabled", false)
	v.SetDefault("partition_timeout", "10m")
	v.SetDefault("rescan_spec", "@every 30s")
	v.SetDefault("max_in_flight", 16)
	v.SetDefault("lock_ttl", 10)
	v.SetDefault("shell_timeout", "30s")
	v.SetDefault("shutdown_timeout", "30s")
}

// Load loads configuration from file and BATCH_* environment variables.
// paths replaces the default search path (./configs and the working directory).
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("BATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// kafka_brokers 没有默认值，需要显式绑定环境变量
	if err := v.BindEnv("kafka_brokers"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 没有配置文件时只使用默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "coordinator-" + uuid.NewString()[:8]
	}
	if cfg.ReplyAdvertiseAddr == "" {
		addr, err := advertiseAddr(cfg.ReplyListenAddr)
		if err != nil {
			return nil, err
		}
		cfg.ReplyAdvertiseAddr = addr
	} else if !dialable(cfg.ReplyAdvertiseAddr) {
		return nil, fmt.Errorf("invalid config: reply_advertise_addr %q must name a host other nodes can dial", cfg.ReplyAdvertiseAddr)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

var hostname = os.Hostname

func dialable(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "" {
		return false
	}
	return !net.ParseIP(host).IsUnspecified()
}

// advertiseAddr derives the reply address registered for this node from the
// listen address. A missing or wildcard host becomes the machine's hostname.
func advertiseAddr(listen string) (string, error) {
	if dialable(listen) {
		return listen, nil
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid config: reply_listen_addr %q: %w", listen, err)
	}
	name, err := hostname()
	if err != nil || name == "" {
		return "", fmt.Errorf("invalid config: reply_advertise_addr is required, reply_listen_addr %q has no dialable host", listen)
	}
	return net.JoinHostPort(name, port), nil
}
