package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/internal/logger"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// A _FILE path that cannot be read is an error.
func readSecret(envKey string) error {
	if os.Getenv(envKey) != "" {
		return nil
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", fileKey, err)
	}
	return os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Jobs      JobsConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	WS        WSConfig
	Example   ExampleConfig
}

type ServerConfig struct {
	Port string
}

type JobsConfig struct {
	Max           int
	CacheMax      int
	CacheTTL      time.Duration
	RunnerThreads int
	Timeout       time.Duration // zero disables
}

type LoggerConfig struct {
	Type  string
	Level string
}

type AuthConfig struct {
	Users     map[string]string
	JWTSecret string
}

// RedisConfig is optional: an empty Addr keeps rate limiting in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	SubmitPerMin int // zero disables
}

type WSConfig struct {
	GracePeriod time.Duration
}

type ExampleConfig struct {
	Step time.Duration
}

var envBindings = map[string][]string{
	"server.port":              {"PORT", "VCAP_PORT"},
	"jobs.max":                 {"JOBS_MAX"},
	"jobs.cache_max":           {"JOBS_CACHE_MAX"},
	"jobs.cache_ttl":           {"JOBS_CACHE_TTL"},
	"jobs.runner_threads":      {"JOB_RUNNER_THREADS"},
	"jobs.timeout":             {"JOB_RUNNER_TIMEOUT"},
	"logger.type":              {"LOGGER_TYPE"},
	"logger.level":             {"LOG_LEVEL"},
	"auth.users":               {"USERS"},
	"auth.jwt_secret":          {"JWT_SECRET"},
	"redis.addr":               {"REDIS_ADDR"},
	"redis.password":           {"REDIS_PASSWORD"},
	"redis.db":                 {"REDIS_DB"},
	"ratelimit.submit_per_min": {"RATELIMIT_SUBMIT_PER_MIN"},
	"ws.grace_period":          {"WS_GRACE_PERIOD"},
	"example.step":             {"EXAMPLE_STEP"},
}

// Load reads the optional YAML manifest, then the environment, then
// defaults. An empty manifest path skips the file.
func Load(manifest string) (*Config, error) {
	for _, key := range []string{"USERS", "JWT_SECRET", "REDIS_PASSWORD"} {
		if err := readSecret(key); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}

	// Defaults
	v.SetDefault("server.port", "4000")
	v.SetDefault("jobs.max", 3)
	v.SetDefault("jobs.cache_max", 20)
	v.SetDefault("jobs.cache_ttl", 3600)
	v.SetDefault("jobs.runner_threads", 20)
	v.SetDefault("jobs.timeout", 1200)
	v.SetDefault("logger.type", logger.TypePretty)
	v.SetDefault("logger.level", "info")
	v.SetDefault("auth.users", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.submit_per_min", 60)
	v.SetDefault("ws.grace_period", "5s")
	v.SetDefault("example.step", "2s")

	if manifest != "" {
		v.SetConfigFile(manifest)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", manifest, err)
		}
	}

	users, err := parseUsers(v.Get("auth.users"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
		},
		Jobs: JobsConfig{
			Max:           v.GetInt("jobs.max"),
			CacheMax:      v.GetInt("jobs.cache_max"),
			CacheTTL:      time.Duration(v.GetInt("jobs.cache_ttl")) * time.Second,
			RunnerThreads: v.GetInt("jobs.runner_threads"),
			Timeout:       time.Duration(v.GetInt("jobs.timeout")) * time.Second,
		},
		Logger: LoggerConfig{
			Type:  v.GetString("logger.type"),
			Level: v.GetString("logger.level"),
		},
		Auth: AuthConfig{
			Users:     users,
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin: v.GetInt("ratelimit.submit_per_min"),
		},
		WS: WSConfig{
			GracePeriod: v.GetDuration("ws.grace_period"),
		},
		Example: ExampleConfig{
			Step: v.GetDuration("example.step"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseUsers accepts the USERS JSON object or a YAML mapping from the
// manifest.
func parseUsers(raw any) (map[string]string, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		var users map[string]string
		if err := json.Unmarshal([]byte(t), &users); err != nil {
			return nil, fmt.Errorf("USERS must be a JSON object of user to password: %w", err)
		}
		return users, nil
	case map[string]any:
		users := make(map[string]string, len(t))
		for name, pass := range t {
			s, ok := pass.(string)
			if !ok {
				return nil, fmt.Errorf("auth.users: password of %q must be a string", name)
			}
			users[name] = s
		}
		return users, nil
	default:
		return nil, fmt.Errorf("auth.users: unsupported value of type %T", raw)
	}
}

// Validate rejects limits the runner cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Jobs.Max < 1 {
		errs = append(errs, fmt.Errorf("jobs.max must be positive, got %d", c.Jobs.Max))
	}
	if c.Jobs.CacheMax < 1 {
		errs = append(errs, fmt.Errorf("jobs.cache_max must be positive, got %d", c.Jobs.CacheMax))
	}
	if c.Jobs.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("jobs.cache_ttl must be positive, got %s", c.Jobs.CacheTTL))
	}
	if c.Jobs.RunnerThreads < 1 {
		errs = append(errs, fmt.Errorf("jobs.runner_threads must be positive, got %d", c.Jobs.RunnerThreads))
	}
	if c.Jobs.Timeout < 0 {
		errs = append(errs, fmt.Errorf("jobs.timeout must not be negative, got %s", c.Jobs.Timeout))
	}
	if c.Logger.Type != logger.TypePretty && c.Logger.Type != logger.TypePlain {
		errs = append(errs, fmt.Errorf("logger.type must be %s or %s, got %q", logger.TypePretty, logger.TypePlain, c.Logger.Type))
	}
	if c.RateLimit.SubmitPerMin < 0 {
		errs = append(errs, fmt.Errorf("ratelimit.submit_per_min must not be negative, got %d", c.RateLimit.SubmitPerMin))
	}
	if c.WS.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("ws.grace_period must not be negative, got %s", c.WS.GracePeriod))
	}
	return errors.Join(errs...)
}

// Fields describes the configuration for the startup log line. Secrets are
// redacted.
func (c *Config) Fields() []zap.Field {
	users := make([]string, 0, len(c.Auth.Users))
	for name := range c.Auth.Users {
		users = append(users, name)
	}
	return []zap.Field{
		zap.String("port", c.Server.Port),
		zap.Int("jobs_max", c.Jobs.Max),
		zap.Int("jobs_cache_max", c.Jobs.CacheMax),
		zap.Duration("jobs_cache_ttl", c.Jobs.CacheTTL),
		zap.Int("job_runner_threads", c.Jobs.RunnerThreads),
		zap.Duration("job_timeout", c.Jobs.Timeout),
		zap.Strings("users", users),
		zap.Bool("jwt", c.Auth.JWTSecret != ""),
		zap.String("redis_addr", c.Redis.Addr),
		zap.Int("submit_per_min", c.RateLimit.SubmitPerMin),
		zap.Duration("ws_grace_period", c.WS.GracePeriod),
		zap.Duration("example_step", c.Example.Step),
	}
}
