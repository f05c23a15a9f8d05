package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

// EnvPrefix 环境变量覆盖前缀
const EnvPrefix = "LWMQTT_"

// DefaultPath 默认配置文件
const DefaultPath = "config.json"

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type ClientConfig struct {
	ClientID       string `json:"client_id" yaml:"client_id" env:"ID"`
	CleanSession   bool   `json:"clean_session" yaml:"clean_session" env:"CLEAN_SESSION"`
	PollInterval   string `json:"poll_interval" yaml:"poll_interval" env:"POLL_INTERVAL"`
	CommandTimeout string `json:"command_timeout" yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
	KeepAlive      string `json:"keep_alive" yaml:"keep_alive" env:"KEEP_ALIVE"`
	MaxHandlers    int    `json:"max_handlers" yaml:"max_handlers" env:"MAX_HANDLERS"`
	MailboxSize    int    `json:"mailbox_size" yaml:"mailbox_size" env:"MAILBOX_SIZE"`
	MaxPacketSize  int    `json:"max_packet_size" yaml:"max_packet_size" env:"MAX_PACKET_SIZE"`
}

type BrokerConfig struct {
	Host           string `json:"host" yaml:"host" env:"HOST"`
	Port           int    `json:"port" yaml:"port" env:"PORT"`
	ConnectTimeout string `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

type AuthConfig struct {
	Username string `json:"username" yaml:"username" env:"USERNAME"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
}

type WillConfig struct {
	Topic   string `json:"topic" yaml:"topic" env:"TOPIC"`
	Payload string `json:"payload" yaml:"payload" env:"PAYLOAD"`
	QoS     byte   `json:"qos" yaml:"qos" env:"QOS"`
	Retain  bool   `json:"retain" yaml:"retain" env:"RETAIN"`
}

type ArchiveConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Host               string `json:"host" yaml:"host" env:"HOST"`
	Port               uint64 `json:"port" yaml:"port" env:"PORT"`
	Username           string `json:"username" yaml:"username" env:"USERNAME"`
	Password           string `json:"password" yaml:"password" env:"PASSWORD"`
	Database           string `json:"database" yaml:"database" env:"DATABASE"`
	Collection         string `json:"collection" yaml:"collection" env:"COLLECTION"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls" env:"USE_TLS"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout" env:"SOCKET_TIMEOUT"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout" env:"CONNECT_IDLE_TIMEOUT"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat" env:"HEARTBEAT"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size" env:"MIN_POOL_SIZE"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size" env:"MAX_POOL_SIZE"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Address string `json:"address" yaml:"address" env:"ADDRESS"`
}

type LogConfig struct {
	Debug     bool   `json:"debug" yaml:"debug" env:"DEBUG"`
	Directory string `json:"directory" yaml:"directory" env:"DIRECTORY"`
}

type Config struct {
	AppName string        `json:"app_name" yaml:"app_name" env:"APP_NAME"`
	Client  ClientConfig  `json:"client" yaml:"client" envPrefix:"CLIENT_"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker" envPrefix:"BROKER_"`
	Auth    AuthConfig    `json:"auth" yaml:"auth" envPrefix:"AUTH_"`
	Will    WillConfig    `json:"will" yaml:"will" envPrefix:"WILL_"`
	Archive ArchiveConfig `json:"archive" yaml:"archive" envPrefix:"ARCHIVE_"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Log     LogConfig     `json:"log" yaml:"log" envPrefix:"LOG_"`
}

// Default 返回一份可直接连接本地 broker 的配置
func Default() Config {
	return Config{
		AppName: "life-stream-mqtt-client",
		Client: ClientConfig{
			CleanSession:   true,
			PollInterval:   "500ms",
			CommandTimeout: "5s",
			KeepAlive:      "60s",
			MaxHandlers:    5,
			MailboxSize:    10,
			MaxPacketSize:  mqtt.DefaultMaxPacketSize,
		},
		Broker: BrokerConfig{
			Host:           "127.0.0.1",
			Port:           1883,
			ConnectTimeout: "10s",
		},
		Archive: ArchiveConfig{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "mqtt",
			Collection:         "messages",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
		},
		Metrics: MetricsConfig{
			Address: ":9100",
		},
		Log: LogConfig{
			Directory: "logs",
		},
	}
}

var (
	mu          sync.Mutex
	config      Config
	initialized = false
)

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, cfg Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "\t")
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// ReadConfig 读取配置文件并应用环境变量覆盖.
// 文件不存在时写入默认配置并返回 ErrConfigCreated.
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("error occured while reading %s: %w", path, err)
		}
		data, mErr := marshal(path, cfg)
		if mErr != nil {
			return cfg, mErr
		}
		if wErr := os.WriteFile(path, data, 0644); wErr != nil {
			return cfg, fmt.Errorf("error occured while creating %s: %w", path, wErr)
		}
		return cfg, ErrConfigCreated
	}

	if err = unmarshal(path, bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("the configuration file %s is not valid: %w", path, err)
	}

	if err = env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("error occured while applying environment overrides: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return cfg, err
	}

	mu.Lock()
	config = cfg
	initialized = true
	mu.Unlock()
	return cfg, nil
}

// GetConfig 返回已加载的配置, 未加载时读取默认路径
func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig(DefaultPath)
}

func checkDuration(name, value string, allowZero bool) error {
	d, err := utils.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d == 0 && !allowZero {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

// Validate 检查取值范围
func (c Config) Validate() error {
	var errs []error
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if c.Client.MaxHandlers <= 0 {
		errs = append(errs, fmt.Errorf("client.max_handlers must be positive"))
	}
	if c.Client.MailboxSize <= 0 {
		errs = append(errs, fmt.Errorf("client.mailbox_size must be positive"))
	}
	if c.Client.MaxPacketSize <= 0 || c.Client.MaxPacketSize > mqtt.MaxRemainingLength {
		errs = append(errs, fmt.Errorf("client.max_packet_size %d out of range", c.Client.MaxPacketSize))
	}
	if c.Will.QoS > 2 {
		errs = append(errs, fmt.Errorf("will.qos %d out of range", c.Will.QoS))
	}
	for _, d := range []struct {
		name, value string
		zero        bool
	}{
		{"client.poll_interval", c.Client.PollInterval, true},
		{"client.command_timeout", c.Client.CommandTimeout, false},
		{"client.keep_alive", c.Client.KeepAlive, true},
		{"broker.connect_timeout", c.Broker.ConnectTimeout, false},
	} {
		if err := checkDuration(d.name, d.value, d.zero); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Archive.Enabled {
		if c.Archive.Database == "" || c.Archive.Collection == "" {
			errs = append(errs, fmt.Errorf("archive.database and archive.collection are required"))
		}
		if c.Archive.MinPoolSize > c.Archive.MaxPoolSize {
			errs = append(errs, fmt.Errorf("archive.min_pool_size exceeds max_pool_size"))
		}
	}
	return errors.Join(errs...)
}

func (c ClientConfig) PollIntervalDuration() time.Duration {
	return utils.ParseStringTime(c.PollInterval)
}

func (c ClientConfig) CommandTimeoutDuration() time.Duration {
	return utils.ParseStringTime(c.CommandTimeout)
}

// KeepAliveSeconds MQTT CONNECT 报文中的保活秒数
func (c ClientConfig) KeepAliveSeconds() uint16 {
	s := utils.ParseStringTime(c.KeepAlive) / time.Second
	if s > 0xFFFF {
		return 0xFFFF
	}
	return uint16(s)
}

func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

func (b BrokerConfig) ConnectTimeoutDuration() time.Duration {
	return utils.ParseStringTime(b.ConnectTimeout)
}
