package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/screening-backend/internal/platform/envutil"
	"github.com/yungbote/screening-backend/internal/screening/domain"
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		return d.parse(u)
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a JSON string like \"5s\" or an int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		d.Duration = time.Duration(n)
		return nil
	}
	return d.parse(node.Value)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(s string) error {
	if strings.TrimSpace(s) == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration{Duration: 5 * time.Second},
			IdleTimeout:       Duration{Duration: 2 * time.Minute},
			ShutdownTimeout:   Duration{Duration: 15 * time.Second},
			MaxRequestBytes:   1 << 20,
		},
		Inference: InferenceConfig{
			StreamPath:    "/v1/screenings/stream",
			OpenTimeout:   Duration{Duration: 10 * time.Second},
			StreamTimeout: Duration{Duration: 90 * time.Second},
			IdleTimeout:   Duration{Duration: 20 * time.Second},
			MaxRetries:    1,
		},
		Pipeline: PipelineConfig{
			DefaultMode:      string(domain.ModeHybrid),
			SubscriberBuffer: 8,
		},
		Persistence: PersistenceConfig{
			Driver: "memory",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "screening-backend",
		},
	}
}

// Load resolves configuration from defaults, an optional file and the
// environment, in that order, then validates the result.
func Load() (*Config, error) {
	cfgPath := strings.TrimSpace(os.Getenv("SCREENING_CONFIG_PATH"))
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
				p := filepath.Join(wd, "config", name)
				if _, err := os.Stat(p); err == nil {
					cfgPath = p
					break
				}
			}
		}
	}
	return LoadFile(cfgPath)
}

// LoadFile is Load with an explicit file path; an empty path skips the file.
func LoadFile(cfgPath string) (*Config, error) {
	cfg := defaultConfig()

	if cfgPath != "" {
		b, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(cfgPath)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", cfgPath, err)
			}
		default:
			if err := json.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", cfgPath, err)
			}
		}
	}

	applyEnv(cfg)

	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = envutil.String("LOG_MODE", cfg.Env)
	cfg.HTTP.Addr = envutil.String("SCREENING_HTTP_ADDR", cfg.HTTP.Addr)
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" && os.Getenv("SCREENING_HTTP_ADDR") == "" {
		cfg.HTTP.Addr = ":" + v
	}

	cfg.Inference.BaseURL = envutil.String("SCREENING_INFERENCE_URL", cfg.Inference.BaseURL)
	cfg.Inference.StreamPath = envutil.String("SCREENING_INFERENCE_STREAM_PATH", cfg.Inference.StreamPath)
	cfg.Inference.APIKey = envutil.String("SCREENING_INFERENCE_API_KEY", cfg.Inference.APIKey)
	cfg.Inference.OpenTimeout.Duration = envutil.Duration("SCREENING_INFERENCE_OPEN_TIMEOUT", cfg.Inference.OpenTimeout.Duration)
	cfg.Inference.StreamTimeout.Duration = envutil.Duration("SCREENING_INFERENCE_STREAM_TIMEOUT", cfg.Inference.StreamTimeout.Duration)
	cfg.Inference.IdleTimeout.Duration = envutil.Duration("SCREENING_INFERENCE_IDLE_TIMEOUT", cfg.Inference.IdleTimeout.Duration)
	cfg.Inference.MaxRetries = envutil.Int("SCREENING_INFERENCE_MAX_RETRIES", cfg.Inference.MaxRetries)

	cfg.Pipeline.DefaultMode = envutil.String("SCREENING_MODE", cfg.Pipeline.DefaultMode)

	cfg.Persistence.Driver = envutil.String("SCREENING_PERSISTENCE_DRIVER", cfg.Persistence.Driver)
	cfg.Persistence.RedisAddr = envutil.String("REDIS_ADDR", cfg.Persistence.RedisAddr)
	cfg.Persistence.RedisPassword = envutil.String("REDIS_PASSWORD", cfg.Persistence.RedisPassword)
	cfg.Persistence.RedisDB = envutil.Int("REDIS_DB", cfg.Persistence.RedisDB)
	cfg.Persistence.DSN = envutil.String("SCREENING_DB_DSN", cfg.Persistence.DSN)
	cfg.Persistence.ResultTTL.Duration = envutil.Duration("SCREENING_RESULT_TTL", cfg.Persistence.ResultTTL.Duration)

	cfg.Telemetry.ServiceName = envutil.String("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.Version = envutil.String("SERVICE_VERSION", cfg.Telemetry.Version)
	cfg.Telemetry.MetricsAddr = envutil.String("SCREENING_METRICS_ADDR", cfg.Telemetry.MetricsAddr)
}

func normalize(cfg *Config) error {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "development"
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.MaxRequestBytes <= 0 {
		cfg.HTTP.MaxRequestBytes = 1 << 20
	}

	inf := &cfg.Inference
	inf.BaseURL = strings.TrimRight(strings.TrimSpace(inf.BaseURL), "/")
	inf.StreamPath = strings.TrimSpace(inf.StreamPath)
	if inf.StreamPath == "" {
		inf.StreamPath = "/v1/screenings/stream"
	}
	if !strings.HasPrefix(inf.StreamPath, "/") {
		inf.StreamPath = "/" + inf.StreamPath
	}
	if inf.OpenTimeout.Duration < 0 || inf.StreamTimeout.Duration < 0 || inf.IdleTimeout.Duration < 0 {
		return errors.New("inference timeouts must not be negative")
	}
	if inf.MaxRetries < 0 {
		return errors.New("inference.max_retries must not be negative")
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Pipeline.DefaultMode))
	switch domain.Mode(mode) {
	case "":
		cfg.Pipeline.DefaultMode = string(domain.ModeHybrid)
	case domain.ModeOnline, domain.ModeHybrid, domain.ModeOffline:
		cfg.Pipeline.DefaultMode = mode
	default:
		return fmt.Errorf("invalid pipeline.default_mode=%q", cfg.Pipeline.DefaultMode)
	}
	if cfg.Pipeline.SubscriberBuffer <= 0 {
		cfg.Pipeline.SubscriberBuffer = 8
	}

	p := &cfg.Persistence
	p.Driver = strings.ToLower(strings.TrimSpace(p.Driver))
	switch p.Driver {
	case "", "memory":
		p.Driver = "memory"
	case "redis":
		if strings.TrimSpace(p.RedisAddr) == "" {
			return errors.New("persistence.driver=redis requires redis_addr (REDIS_ADDR)")
		}
	case "sqlite":
		if strings.TrimSpace(p.DSN) == "" {
			p.DSN = "screening.db"
		}
	case "postgres", "postgresql":
		p.Driver = "postgres"
		if strings.TrimSpace(p.DSN) == "" {
			return errors.New("persistence.driver=postgres requires dsn (SCREENING_DB_DSN)")
		}
	default:
		return fmt.Errorf("invalid persistence.driver=%q", p.Driver)
	}
	if p.ResultTTL.Duration < 0 {
		return errors.New("persistence.result_ttl must not be negative")
	}
	return nil
}
