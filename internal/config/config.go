// Package config loads credd settings: defaults, then the first readable
// YAML candidate, then DEFI_* environment overrides. Flags are applied by
// the caller on top.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/securestore"
	"defidash/go-backend/internal/tier"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"

	CounterMemory = "memory"
	CounterRedis  = "redis"

	ScopeKey = "key"
	ScopeIP  = "ip"
)

type Config struct {
	ListenAddr     string
	DataDir        string
	MasterKeyEnv   string
	LogLevel       slog.Level
	StoreBackend   string
	PostgresDSN    string
	CounterBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StoreTimeout   time.Duration
	RateLimitScope string
	AuditQueueSize int
	Tiers          []TierOverride
}

type TierOverride struct {
	ID                string   `yaml:"id"`
	RequestsPerMinute int      `yaml:"requestsPerMinute"`
	MonthlyQuota      *int64   `yaml:"monthlyQuota"`
	Unlimited         bool     `yaml:"unlimited"`
	Features          []string `yaml:"features"`
}

type fileConfig struct {
	Server struct {
		ListenAddr string `yaml:"listenAddr"`
		DataDir    string `yaml:"dataDir"`
		LogLevel   string `yaml:"logLevel"`
	} `yaml:"server"`
	Security struct {
		MasterKeyEnv string `yaml:"masterKeyEnv"`
	} `yaml:"security"`
	Store struct {
		Backend     string        `yaml:"backend"`
		PostgresDSN string        `yaml:"postgresDsn"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"store"`
	Counter struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisPassword string `yaml:"redisPassword"`
		RedisDB       *int   `yaml:"redisDb"`
	} `yaml:"counter"`
	RateLimit struct {
		Scope string `yaml:"scope"`
	} `yaml:"rateLimit"`
	Audit struct {
		QueueSize int `yaml:"queueSize"`
	} `yaml:"audit"`
	Tiers []TierOverride `yaml:"tiers"`
}

func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8787",
		DataDir:        "data",
		MasterKeyEnv:   securestore.DefaultMasterKeyEnv,
		LogLevel:       slog.LevelInfo,
		StoreBackend:   StoreFile,
		CounterBackend: CounterMemory,
		StoreTimeout:   2 * time.Second,
		RateLimitScope: ScopeKey,
		AuditQueueSize: 256,
	}
}

// LoadFromPath reads configPath, or the default candidates when it is
// empty. A missing candidate is skipped; an unreadable explicit path or a
// file that does not parse is an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/credd.yaml",
			"configs/credd.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("%w: read config %s: %v", faults.ErrConfiguration, path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: parse config %s: %v", faults.ErrConfiguration, filepath.Base(path), err)
		}
		if err := merge(&cfg, parsed); err != nil {
			return Config{}, err
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func merge(dst *Config, src fileConfig) error {
	if src.Server.ListenAddr != "" {
		dst.ListenAddr = src.Server.ListenAddr
	}
	if src.Server.DataDir != "" {
		dst.DataDir = src.Server.DataDir
	}
	if src.Server.LogLevel != "" {
		lvl, err := parseLevel(src.Server.LogLevel)
		if err != nil {
			return err
		}
		dst.LogLevel = lvl
	}
	if src.Security.MasterKeyEnv != "" {
		dst.MasterKeyEnv = src.Security.MasterKeyEnv
	}
	if src.Store.Backend != "" {
		dst.StoreBackend = src.Store.Backend
	}
	if src.Store.PostgresDSN != "" {
		dst.PostgresDSN = src.Store.PostgresDSN
	}
	if src.Store.Timeout != 0 {
		dst.StoreTimeout = src.Store.Timeout
	}
	if src.Counter.Backend != "" {
		dst.CounterBackend = src.Counter.Backend
	}
	if src.Counter.RedisAddr != "" {
		dst.RedisAddr = src.Counter.RedisAddr
	}
	if src.Counter.RedisPassword != "" {
		dst.RedisPassword = src.Counter.RedisPassword
	}
	if src.Counter.RedisDB != nil {
		dst.RedisDB = *src.Counter.RedisDB
	}
	if src.RateLimit.Scope != "" {
		dst.RateLimitScope = src.RateLimit.Scope
	}
	if src.Audit.QueueSize != 0 {
		dst.AuditQueueSize = src.Audit.QueueSize
	}
	if src.Tiers != nil {
		dst.Tiers = src.Tiers
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) error {
	setString := func(env string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	setString("DEFI_LISTEN_ADDR", &cfg.ListenAddr)
	setString("DEFI_DATA_DIR", &cfg.DataDir)
	setString("DEFI_MASTER_KEY_ENV", &cfg.MasterKeyEnv)
	setString("DEFI_STORE_BACKEND", &cfg.StoreBackend)
	setString("DEFI_POSTGRES_DSN", &cfg.PostgresDSN)
	setString("DEFI_COUNTER_BACKEND", &cfg.CounterBackend)
	setString("DEFI_REDIS_ADDR", &cfg.RedisAddr)
	setString("DEFI_REDIS_PASSWORD", &cfg.RedisPassword)
	setString("DEFI_RATE_LIMIT_SCOPE", &cfg.RateLimitScope)

	if raw := strings.TrimSpace(os.Getenv("DEFI_LOG_LEVEL")); raw != "" {
		lvl, err := parseLevel(raw)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if raw := strings.TrimSpace(os.Getenv("DEFI_STORE_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: DEFI_STORE_TIMEOUT: %v", faults.ErrConfiguration, err)
		}
		cfg.StoreTimeout = d
	}
	if raw := strings.TrimSpace(os.Getenv("DEFI_REDIS_DB")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: DEFI_REDIS_DB: %v", faults.ErrConfiguration, err)
		}
		cfg.RedisDB = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if strings.TrimSpace(c.MasterKeyEnv) == "" {
		errs = append(errs, errors.New("master key env name is empty"))
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreFile:
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, errors.New("file store needs a data dir"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres store needs a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	switch c.CounterBackend {
	case CounterMemory:
	case CounterRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis counter needs an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown counter backend %q", c.CounterBackend))
	}
	if c.RateLimitScope != ScopeKey && c.RateLimitScope != ScopeIP {
		errs = append(errs, fmt.Errorf("unknown rate limit scope %q", c.RateLimitScope))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if _, err := c.TierTable(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", faults.ErrConfiguration, errors.Join(errs...))
}

// TierTable returns the built-in tiers with overrides applied. An override
// replaces the fields it sets on a known tier, or adds a new tier.
func (c Config) TierTable() (*tier.Table, error) {
	base := tier.Default()
	if len(c.Tiers) == 0 {
		return base, nil
	}
	defs := make(map[string]tier.Definition)
	order := base.IDs()
	for _, id := range order {
		d, _ := base.Resolve(id)
		defs[id] = d
	}
	for _, o := range c.Tiers {
		id := strings.TrimSpace(o.ID)
		d, known := defs[id]
		if !known {
			d = tier.Definition{ID: id}
			order = append(order, id)
		}
		if o.RequestsPerMinute != 0 {
			d.RequestsPerMinute = o.RequestsPerMinute
		}
		switch {
		case o.Unlimited:
			d.MonthlyQuota = nil
		case o.MonthlyQuota != nil:
			d.MonthlyQuota = tier.Quota(*o.MonthlyQuota)
		}
		if o.Features != nil {
			d.Features = o.Features
		}
		defs[id] = d
	}
	list := make([]tier.Definition, 0, len(order))
	for _, id := range order {
		list = append(list, defs[id])
	}
	return tier.NewTable(list...)
}

func (c Config) CredentialsPath() string {
	return filepath.Join(c.DataDir, "credentials.enc")
}

func parseLevel(raw string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", faults.ErrConfiguration, raw)
	}
	return lvl, nil
}
