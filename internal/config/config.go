// Package config loads the YAML configuration shared by contentctl and the
// worker service. Secrets and deployment knobs can be overridden from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"contentengine/internal/servicetoken"
	"contentengine/pkg/ai"
	"contentengine/pkg/publish"
	"contentengine/pkg/storage"
	"contentengine/pkg/usage"
)

// DefaultPath is used when neither -config nor CONTENTENGINE_CONFIG is set.
const DefaultPath = "config.yaml"

type FileConfig struct {
	LogLevel    string              `yaml:"logLevel"`
	LogFormat   string              `yaml:"logFormat"`
	Blueprints  BlueprintConfig     `yaml:"blueprints"`
	Store       StoreConfig         `yaml:"store"`
	Usage       UsageConfig         `yaml:"usage"`
	Redis       RedisConfig         `yaml:"redis"`
	LLM         LLMConfig           `yaml:"llm"`
	Generation  GenerationConfig    `yaml:"generation"`
	Publisher   publish.Config      `yaml:"publisher"`
	ObjectStore storage.MinioConfig `yaml:"objectStore"`
	Events      EventsConfig        `yaml:"events"`
	Worker      WorkerConfig        `yaml:"worker"`
	Client      ClientConfig        `yaml:"client"`
}

type BlueprintConfig struct {
	Dirs  []string `yaml:"dirs"`
	Watch bool     `yaml:"watch"`
}

// StoreConfig selects the content store: "postgres" or "memory".
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"databaseURL"`
}

// UsageConfig selects the ledger backend: "postgres", "redis" or "memory".
// Money is written as a decimal dollar string, e.g. "10.00".
type UsageConfig struct {
	Backend        string        `yaml:"backend"`
	Account        string        `yaml:"account"`
	DailyCallLimit int           `yaml:"dailyCallLimit"`
	MonthlyBudget  string        `yaml:"monthlyBudget"`
	MinDelay       time.Duration `yaml:"minDelay"`
	HoldTTL        time.Duration `yaml:"holdTTL"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type LLMConfig struct {
	ai.Config          `yaml:",inline"`
	MaxTokens          int    `yaml:"maxTokens"`
	InputPricePerMTok  string `yaml:"inputPricePerMTok"`
	OutputPricePerMTok string `yaml:"outputPricePerMTok"`
}

type GenerationConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
	// ContextDir feeds FileSource for workflow runs and queued jobs.
	ContextDir      string `yaml:"contextDir"`
	ContextMaxItems int    `yaml:"contextMaxItems"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqpURL"`
	Exchange string `yaml:"exchange"`
}

type WorkerConfig struct {
	Port      string        `yaml:"port"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
	ClaimTTL  time.Duration `yaml:"claimTTL"`
	Queue     QueueConfig   `yaml:"queue"`
	Auth      AuthConfig    `yaml:"auth"`
}

type QueueConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Stream      string        `yaml:"stream"`
	Group       string        `yaml:"group"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"maxRetries"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
}

// AuthConfig guards the worker's internal routes.
type AuthConfig struct {
	PublicKeys     map[string]string `yaml:"publicKeys"`
	Audience       string            `yaml:"audience"`
	AllowedIssuers []string          `yaml:"allowedIssuers"`
	RateLimit      int               `yaml:"rateLimit"`
	RateWindow     time.Duration     `yaml:"rateWindow"`
}

// ClientConfig lets contentctl call a remote worker.
type ClientConfig struct {
	WorkerURL      string `yaml:"workerURL"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
	KeyID          string `yaml:"keyID"`
	Issuer         string `yaml:"issuer"`
	Actor          string `yaml:"actor"`
}

// Path resolves the config location: explicit flag, then
// CONTENTENGINE_CONFIG, then DefaultPath.
func Path(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("CONTENTENGINE_CONFIG")); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, defaults, overrides and validates the configuration.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("LLM_MODEL", &cfg.LLM.Model)
	str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("LLM_API_KEY", &cfg.LLM.APIKey)
	str("LINKEDIN_ACCESS_TOKEN", &cfg.Publisher.LinkedIn.AccessToken)
	str("LINKEDIN_USER_SUB", &cfg.Publisher.LinkedIn.UserSub)
	str("AMQP_URL", &cfg.Events.AMQPURL)
	str("MINIO_ENDPOINT", &cfg.ObjectStore.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.ObjectStore.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.ObjectStore.SecretKey)
	str("WORKER_PORT", &cfg.Worker.Port)
	str("CONTENTENGINE_WORKER_URL", &cfg.Client.WorkerURL)
	str("CONTENTENGINE_JWT_PRIVATE_KEY_PATH", &cfg.Client.PrivateKeyPath)
	str("CONTENTENGINE_ACTOR", &cfg.Client.Actor)
	if v := os.Getenv("USAGE_DAILY_CALL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Usage.DailyCallLimit = n
		}
	}
	str("USAGE_MONTHLY_BUDGET", &cfg.Usage.MonthlyBudget)
	if v := os.Getenv("USAGE_MIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Usage.MinDelay = d
		}
	}
	if v := os.Getenv("CONTENTENGINE_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		keys, err := servicetoken.ParseKeyMap(v)
		if err != nil {
			return fmt.Errorf("config: CONTENTENGINE_JWT_VERIFY_PUBLIC_KEYS: %w", err)
		}
		cfg.Worker.Auth.PublicKeys = keys
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Blueprints.Dirs) == 0 {
		cfg.Blueprints.Dirs = []string{"blueprints"}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}
	if cfg.Usage.Backend == "" {
		cfg.Usage.Backend = cfg.Store.Driver
	}
	if cfg.Usage.Account == "" {
		cfg.Usage.Account = "default"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "contentengine"
	}
	if cfg.Publisher.Kind == "" {
		cfg.Publisher.Kind = "log"
	}
	if cfg.Worker.Port == "" {
		cfg.Worker.Port = "8090"
	}
	if cfg.Worker.Interval <= 0 {
		cfg.Worker.Interval = time.Minute
	}
	if cfg.Worker.Queue.Stream == "" {
		cfg.Worker.Queue.Stream = cfg.Redis.Prefix + ":jobs"
	}
	if cfg.Worker.Auth.Audience == "" {
		cfg.Worker.Auth.Audience = "contentengine-worker"
	}
	if len(cfg.Worker.Auth.AllowedIssuers) == 0 {
		cfg.Worker.Auth.AllowedIssuers = []string{"contentctl"}
	}
	if cfg.Worker.Auth.RateWindow <= 0 {
		cfg.Worker.Auth.RateWindow = time.Minute
	}
	if cfg.Client.Issuer == "" {
		cfg.Client.Issuer = "contentctl"
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.Store.Driver {
	case "postgres":
		if strings.TrimSpace(cfg.Store.DatabaseURL) == "" {
			return errors.New("config: store.databaseURL is required for the postgres driver (or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: store.driver %q must be postgres or memory", cfg.Store.Driver)
	}

	switch cfg.Usage.Backend {
	case "postgres":
		if cfg.Store.Driver != "postgres" {
			return errors.New("config: usage.backend postgres requires store.driver postgres")
		}
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("config: redis.addr is required for usage.backend redis (or REDIS_ADDR)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: usage.backend %q must be postgres, redis or memory", cfg.Usage.Backend)
	}
	if cfg.Usage.DailyCallLimit <= 0 {
		return errors.New("config: usage.dailyCallLimit must be > 0")
	}
	if _, err := usage.ParseCost(cfg.Usage.MonthlyBudget); err != nil {
		return fmt.Errorf("config: usage.monthlyBudget: %w", err)
	}
	if cfg.Usage.MinDelay < 0 {
		return errors.New("config: usage.minDelay must be >= 0")
	}
	if cfg.Usage.HoldTTL < 0 {
		return errors.New("config: usage.holdTTL must be >= 0")
	}

	if strings.TrimSpace(cfg.LLM.Provider) == "" {
		return errors.New("config: llm.provider is required")
	}
	for key, v := range map[string]string{"llm.inputPricePerMTok": cfg.LLM.InputPricePerMTok, "llm.outputPricePerMTok": cfg.LLM.OutputPricePerMTok} {
		if v == "" {
			continue
		}
		if _, err := usage.ParseCost(v); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	if cfg.Generation.MaxAttempts < 0 {
		return errors.New("config: generation.maxAttempts must be >= 0")
	}

	switch cfg.Publisher.Kind {
	case "log":
	case "linkedin":
		if cfg.Publisher.LinkedIn.AccessToken == "" || cfg.Publisher.LinkedIn.UserSub == "" {
			return errors.New("config: publisher.linkedin requires accessToken and userSub (or LINKEDIN_ACCESS_TOKEN, LINKEDIN_USER_SUB)")
		}
	case "archive":
		if cfg.ObjectStore.Endpoint == "" || cfg.ObjectStore.Bucket == "" {
			return errors.New("config: publisher.archive requires objectStore.endpoint and objectStore.bucket")
		}
	default:
		return fmt.Errorf("config: publisher.kind %q must be log, linkedin or archive", cfg.Publisher.Kind)
	}

	if cfg.Worker.Queue.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("config: worker.queue.enabled requires redis.addr (or REDIS_ADDR)")
	}
	if cfg.Worker.Auth.RateLimit > 0 && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("config: worker.auth.rateLimit requires redis.addr (or REDIS_ADDR)")
	}
	if cfg.Worker.BatchSize < 0 {
		return errors.New("config: worker.batchSize must be >= 0")
	}
	return nil
}

// Limits converts the usage section to ledger limits. Load has already
// validated the values.
func (c FileConfig) Limits() usage.Limits {
	budget, _ := usage.ParseCost(c.Usage.MonthlyBudget)
	return usage.Limits{
		Account:        c.Usage.Account,
		DailyCallLimit: c.Usage.DailyCallLimit,
		MonthlyBudget:  budget,
		MinDelay:       c.Usage.MinDelay,
		HoldTTL:        c.Usage.HoldTTL,
	}
}

// Prices returns the per-million-token input and output prices.
func (c FileConfig) Prices() (input, output usage.Cost) {
	if c.LLM.InputPricePerMTok != "" {
		input, _ = usage.ParseCost(c.LLM.InputPricePerMTok)
	}
	if c.LLM.OutputPricePerMTok != "" {
		output, _ = usage.ParseCost(c.LLM.OutputPricePerMTok)
	}
	return input, output
}
