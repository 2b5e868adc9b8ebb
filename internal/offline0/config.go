package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFLINE0_PORT" validate:"min=1,max=65535"`
		Origin string `yaml:"origin" env:"OFFLINE0_ORIGIN" validate:"required,url"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path" env:"OFFLINE0_STORAGE_PATH" validate:"required"`
	} `yaml:"storage"`

	Cache struct {
		Prefix          string `yaml:"prefix" validate:"required"`
		Version         string `yaml:"version" env:"OFFLINE0_CACHE_VERSION" validate:"required"`
		MaxDynamicItems int    `yaml:"maxDynamicItems" validate:"min=1"`
		MaxEntrySize    string `yaml:"maxEntrySize"`

		maxEntryBytes int64
	} `yaml:"cache"`

	Precache struct {
		Static       []string `yaml:"static"`
		Images       []string `yaml:"images"`
		Sitemaps     []string `yaml:"sitemaps"`
		SitemapLimit int      `yaml:"sitemapLimit" validate:"min=0"`
	} `yaml:"precache"`

	Offline struct {
		Page string `yaml:"page" validate:"required,startswith=/"`
	} `yaml:"offline"`

	Forms struct {
		Paths       []string `yaml:"paths"`
		Hosts       []string `yaml:"hosts"`
		MaxBodySize string   `yaml:"maxBodySize"`

		maxBodyBytes int64
	} `yaml:"forms"`

	Queue struct {
		Backend string `yaml:"backend" validate:"oneof=leveldb redis"`
		MaxAge  string `yaml:"maxAge"`
		Redis   struct {
			Addr   string `yaml:"addr" env:"OFFLINE0_REDIS_ADDR"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`

		maxAgeDur time.Duration
	} `yaml:"queue"`

	Sync struct {
		Periodic        string  `yaml:"periodic"`
		ProbeInterval   string  `yaml:"probeInterval"`
		ProbePath       string  `yaml:"probePath" validate:"startswith=/"`
		ReplayPerSecond float64 `yaml:"replayPerSecond" validate:"gt=0"`

		periodicDur time.Duration
		probeDur    time.Duration
	} `yaml:"sync"`

	Worker struct {
		SkipWaiting  bool   `yaml:"skipWaiting"`
		InstallRetry string `yaml:"installRetry"`

		installRetryDur time.Duration
	} `yaml:"worker"`

	Control struct {
		Prefix string `yaml:"prefix" validate:"startswith=/"`
	} `yaml:"control"`

	Notify struct {
		NATS struct {
			URL     string `yaml:"url" env:"OFFLINE0_NATS_URL"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"notify"`

	Tracing struct {
		Endpoint string `yaml:"endpoint" env:"OFFLINE0_OTLP_ENDPOINT"`
	} `yaml:"tracing"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides and defaults, and
// compiles the duration and size fields.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	cfg.applyDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "offline0"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.MaxDynamicItems == 0 {
		cfg.Cache.MaxDynamicItems = 50
	}
	if cfg.Cache.MaxEntrySize == "" {
		cfg.Cache.MaxEntrySize = "5mb"
	}
	if cfg.Precache.SitemapLimit == 0 {
		cfg.Precache.SitemapLimit = 50
	}
	if cfg.Offline.Page == "" {
		cfg.Offline.Page = "/offline.html"
	}
	if cfg.Forms.MaxBodySize == "" {
		cfg.Forms.MaxBodySize = "1mb"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "leveldb"
	}
	if cfg.Queue.Redis.Prefix == "" {
		cfg.Queue.Redis.Prefix = "offline0"
	}
	if cfg.Sync.Periodic == "" {
		cfg.Sync.Periodic = "15m"
	}
	if cfg.Sync.ProbeInterval == "" {
		cfg.Sync.ProbeInterval = "30s"
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if cfg.Sync.ReplayPerSecond == 0 {
		cfg.Sync.ReplayPerSecond = 5
	}
	if cfg.Worker.InstallRetry == "" {
		cfg.Worker.InstallRetry = "1m"
	}
	if cfg.Control.Prefix == "" {
		cfg.Control.Prefix = "/_offline"
	}
	cfg.Control.Prefix = strings.TrimRight(cfg.Control.Prefix, "/")
	if cfg.Notify.NATS.Subject == "" {
		cfg.Notify.NATS.Subject = "offline0.events"
	}
}

func (cfg *Config) compile() error {
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Queue.Backend == "redis" && cfg.Queue.Redis.Addr == "" {
		return fmt.Errorf("queue.redis.addr is required for the redis backend")
	}

	var err error
	if cfg.Cache.maxEntryBytes, err = parseBytes(cfg.Cache.MaxEntrySize); err != nil {
		return fmt.Errorf("cache.maxEntrySize: %w", err)
	}
	if cfg.Forms.maxBodyBytes, err = parseBytes(cfg.Forms.MaxBodySize); err != nil {
		return fmt.Errorf("forms.maxBodySize: %w", err)
	}

	durs := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"queue.maxAge", cfg.Queue.MaxAge, &cfg.Queue.maxAgeDur},
		{"sync.periodic", cfg.Sync.Periodic, &cfg.Sync.periodicDur},
		{"sync.probeInterval", cfg.Sync.ProbeInterval, &cfg.Sync.probeDur},
		{"worker.installRetry", cfg.Worker.InstallRetry, &cfg.Worker.installRetryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.Logging.logStatsEveryDur},
	}
	for _, d := range durs {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.out = v
	}

	for i, p := range cfg.Precache.Static {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache.static[%d]: %q must start with /", i, p)
		}
	}
	for i, p := range cfg.Precache.Images {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache.images[%d]: %q must start with /", i, p)
		}
	}
	for i := range cfg.Forms.Hosts {
		cfg.Forms.Hosts[i] = strings.ToLower(strings.TrimSpace(cfg.Forms.Hosts[i]))
	}
	return nil
}

// MatchesForm reports whether a POST to u may be queued while offline.
func (cfg *Config) MatchesForm(u *url.URL) bool {
	for _, p := range cfg.Forms.Paths {
		if p != "" && strings.Contains(u.Path, p) {
			return true
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range cfg.Forms.Hosts {
		if h != "" && host == h {
			return true
		}
	}
	return false
}
