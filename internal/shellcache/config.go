package shellcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
	} `yaml:"server"`

	Cache struct {
		Version     string            `yaml:"version"`
		Critical    []string          `yaml:"critical"`
		SkipWaiting *bool             `yaml:"skipWaiting"`
		Manifest    string            `yaml:"manifest"`
		TTL         map[string]string `yaml:"ttl"`
	} `yaml:"cache"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		Memory struct {
			Max string `yaml:"max"`
		} `yaml:"memory"`
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"network"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	originURL     *url.URL
	ttls          map[ResourceClass]time.Duration
	memMax        int64
	netTimeout    time.Duration
	statsEveryDur time.Duration
	logLevel      zerolog.Level
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: %q is not an absolute http(s) URL", cfg.Server.Origin)
	}
	cfg.originURL = u

	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__shellcache"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultVersion
	}
	if len(cfg.Cache.Critical) == 0 {
		cfg.Cache.Critical = append([]string(nil), DefaultCriticalPaths...)
	}
	for i, p := range cfg.Cache.Critical {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.critical[%d]: %q must be an absolute path", i, p)
		}
	}
	if cfg.Cache.SkipWaiting == nil {
		skip := true
		cfg.Cache.SkipWaiting = &skip
	}

	cfg.ttls = map[ResourceClass]time.Duration{}
	for name, v := range cfg.Cache.TTL {
		if !isRecognized(name) {
			return fmt.Errorf("cache.ttl: unknown class %q", name)
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("cache.ttl.%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("cache.ttl.%s: must be positive", name)
		}
		cfg.ttls[ResourceClass(name)] = d
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "":
		cfg.Storage.Driver = "memory"
	case "memory", "leveldb", "sqlite":
		cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case "leveldb":
			cfg.Storage.Path = "./data/leveldb"
		case "sqlite":
			cfg.Storage.Path = "./data/shellcache.db"
		}
	}
	if cfg.memMax, err = parseByteSize(cfg.Storage.Memory.Max); err != nil {
		return fmt.Errorf("storage.memory.max: %w", err)
	}

	cfg.netTimeout = 30 * time.Second
	if cfg.Network.Timeout != "" {
		if cfg.netTimeout, err = time.ParseDuration(cfg.Network.Timeout); err != nil {
			return fmt.Errorf("network.timeout: %w", err)
		}
	}

	if cfg.Logging.StatsEvery != "" {
		if cfg.statsEveryDur, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}
	cfg.logLevel = zerolog.InfoLevel
	if cfg.Logging.Level != "" {
		if cfg.logLevel, err = zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

func (cfg Config) OriginURL() *url.URL { return cfg.originURL }

func (cfg Config) LogLevel() zerolog.Level { return cfg.logLevel }

// TTLs returns the configured per-class overrides.
func (cfg Config) TTLs() map[ResourceClass]time.Duration { return cfg.ttls }

func (cfg Config) NetworkTimeout() time.Duration { return cfg.netTimeout }
