package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "illo"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host     string
		HttpPort int    `yaml:"httpPort"`
		Domain   string `yaml:"domain"`
		Scheme   string `yaml:"scheme"`
		Debug    bool   `yaml:"debug"`
	}
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	}
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	}
	Queue struct {
		Driver       string        `yaml:"driver"`
		Workers      int           `yaml:"workers"`
		PollInterval time.Duration `yaml:"pollInterval"`
	}
	Delivery struct {
		MaxAttempts int           `yaml:"maxAttempts"`
		Timeout     time.Duration `yaml:"timeout"`
		FailFast4xx bool          `yaml:"failFast4xx"`
	}
	Federation struct {
		FetchTimeout  time.Duration `yaml:"fetchTimeout"`
		ActorRefresh  time.Duration `yaml:"actorRefresh"`
		ActorCacheTTL time.Duration `yaml:"actorCacheTTL"`
		KnownSoftware []string      `yaml:"knownSoftware"`
	}
}

// ReadConf loads config.yaml from the working directory or ~/.config/illo,
// falling back to the embedded defaults, then applies ILLO_* overrides.
func ReadConf(log *zap.Logger) (*AppConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("config file not found, using embedded defaults", zap.String("path", configPath))
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("could not write default config", zap.String("path", userConfigPath), zap.Error(writeErr))
			} else {
				log.Info("created default config file", zap.String("path", userConfigPath))
			}
		}
	}
	return parseConf(buf)
}

// ReadConfFrom loads an explicit config file; used by the --config flag.
func ReadConfFrom(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return parseConf(buf)
}

func parseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	// defaults first so a partial file only overrides what it names
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("ILLO_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("ILLO_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ILLO_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("ILLO_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("ILLO_DEBUG"); v == "true" {
		c.Conf.Debug = true
	}
	if v := os.Getenv("ILLO_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("ILLO_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ILLO_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ILLO_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("ILLO_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("ILLO_QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = v
	}
	if v := os.Getenv("ILLO_DELIVERY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ILLO_DELIVERY_MAX_ATTEMPTS: %w", err)
		}
		c.Delivery.MaxAttempts = n
	}
	if v := os.Getenv("ILLO_FAIL_FAST_4XX"); v != "" {
		c.Delivery.FailFast4xx = v == "true"
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DatabasePath resolves a relative sqlite file name the same way as the config file.
func (c *AppConfig) DatabasePath() string {
	if c.Database.Driver != "" && c.Database.Driver != "sqlite" {
		return c.Database.DSN
	}
	dsn := c.Database.DSN
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, "/") {
		return dsn
	}
	return ResolveFilePath(dsn)
}
