package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/neurobridge-risk/internal/platform/envutil"
)

func Default() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration{Duration: 5 * time.Second},
			IdleTimeout:       Duration{Duration: 2 * time.Minute},
			ShutdownTimeout:   Duration{Duration: 15 * time.Second},
			RequestTimeout:    Duration{Duration: 20 * time.Second},
			MaxRequestBytes:   1 << 20,
			CORSOrigins:       []string{"http://localhost:3000"},
		},
		Risk: RiskConfig{
			AllowGlobalCohortFallback: true,
			Tiers:                     TierThresholds{Moderate: 0.40, High: 0.70, Critical: 0.85},
			ColdStartK:                10,
			RetrievalK:                3,
			RulePrecision:             0.90,
			ShapleySamples:            200,
			CounterfactualPlans:       3,
			CounterfactualIterations:  1500,
			ExplanationCacheSize:      4096,
			BatchConcurrency:          8,
			BatchMaxItems:             100,
		},
		Snapshot: SnapshotConfig{
			Source:          "file",
			Path:            "data/snapshot.json",
			ModelKey:        "learner_risk",
			RefreshInterval: Duration{Duration: time.Minute},
		},
		Knowledge: KnowledgeConfig{
			Backend:   "memory",
			Namespace: "interventions",
		},
		Generation: GenerationConfig{
			Model:          "gpt-4o-mini",
			Temperature:    0.7,
			Timeout:        Duration{Duration: 8 * time.Second},
			Retries:        2,
			BackoffInitial: Duration{Duration: 500 * time.Millisecond},
			BackoffMax:     Duration{Duration: 4 * time.Second},
		},
		Redis: RedisConfig{
			RefreshChannel:  "risk:snapshot:refresh",
			DeliveryChannel: "risk:interventions",
			CachePrefix:     "risk:explain:",
			CacheTTL:        Duration{Duration: time.Hour},
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "neurobridge-risk",
			SampleRatio: 1,
		},
	}
}

// Load builds the runtime config: defaults, then the config file
// (RISK_CONFIG_PATH or ./config/config.{json,yaml,yml}), then environment
// overrides. A .env file in the working directory is loaded first and never
// overrides variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()

	cfgPath := strings.TrimSpace(os.Getenv("RISK_CONFIG_PATH"))
	if cfgPath == "" {
		cfgPath = findConfigFile()
	}
	if cfgPath != "" {
		if err := LoadFile(cfgPath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes path onto cfg; fields absent from the file keep their values.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	return nil
}

func findConfigFile() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		p := filepath.Join(wd, "config", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	cfg.Env = envutil.String("LOG_MODE", cfg.Env)
	cfg.HTTP.Addr = envutil.String("RISK_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.RequestTimeout.Duration = envutil.Duration("RISK_REQUEST_TIMEOUT", cfg.HTTP.RequestTimeout.Duration)
	if v := envutil.String("CORS_ALLOWED_ORIGINS", ""); v != "" {
		cfg.HTTP.CORSOrigins = splitList(v)
	}

	cfg.Risk.AllowGlobalCohortFallback = envutil.Bool("RISK_ALLOW_GLOBAL_COHORT_FALLBACK", cfg.Risk.AllowGlobalCohortFallback)

	cfg.Snapshot.Source = envutil.String("RISK_SNAPSHOT_SOURCE", cfg.Snapshot.Source)
	cfg.Snapshot.Path = envutil.String("RISK_SNAPSHOT_PATH", cfg.Snapshot.Path)
	cfg.Snapshot.RefreshInterval.Duration = envutil.Duration("RISK_SNAPSHOT_REFRESH_INTERVAL", cfg.Snapshot.RefreshInterval.Duration)

	cfg.Knowledge.CorpusPath = envutil.String("RISK_CORPUS_PATH", cfg.Knowledge.CorpusPath)
	cfg.Knowledge.Backend = envutil.String("RISK_KNOWLEDGE_BACKEND", cfg.Knowledge.Backend)
	q := &cfg.Knowledge.Qdrant
	q.URL = envutil.String("QDRANT_URL", q.URL)
	q.Collection = envutil.String("QDRANT_COLLECTION", q.Collection)
	q.NamespacePrefix = envutil.String("QDRANT_NAMESPACE_PREFIX", q.NamespacePrefix)
	q.VectorDim = envutil.Int("QDRANT_VECTOR_DIM", q.VectorDim)

	g := &cfg.Generation
	if key := envutil.String("OPENAI_API_KEY", ""); key != "" {
		if g.Engine.Type == "" {
			g.Engine.Type = "openai"
		}
		g.Engine.APIKey = key
	}
	g.Engine.Type = envutil.String("GENERATION_ENGINE", g.Engine.Type)
	g.Engine.BaseURL = envutil.String("OPENAI_BASE_URL", g.Engine.BaseURL)
	g.Model = envutil.String("OPENAI_MODEL", g.Model)
	g.Timeout.Duration = envutil.Duration("GENERATION_TIMEOUT", g.Timeout.Duration)
	g.Retries = envutil.Int("GENERATION_RETRIES", g.Retries)

	e := &cfg.Embedding
	e.Engine.Type = envutil.String("EMBEDDING_ENGINE", e.Engine.Type)
	e.Model = envutil.String("OPENAI_EMBED_MODEL", e.Model)
	if e.Engine.Type != "" && e.Engine.APIKey == "" {
		e.Engine.APIKey = g.Engine.APIKey
	}
	if e.Engine.Type != "" && e.Engine.BaseURL == "" {
		e.Engine.BaseURL = g.Engine.BaseURL
	}

	d := &cfg.Database
	d.Driver = envutil.String("DATABASE_DRIVER", d.Driver)
	if dsn := envutil.String("POSTGRES_DSN", ""); dsn != "" {
		d.DSN = dsn
		if d.Driver == "" {
			d.Driver = "postgres"
		}
	} else if host := envutil.String("POSTGRES_HOST", ""); host != "" {
		d.DSN = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.String("POSTGRES_USER", "postgres"),
			envutil.String("POSTGRES_PASSWORD", ""),
			host,
			envutil.String("POSTGRES_PORT", "5432"),
			envutil.String("POSTGRES_NAME", "neurobridge"),
		)
		if d.Driver == "" {
			d.Driver = "postgres"
		}
	}
	d.AutoMigrate = envutil.Bool("DATABASE_AUTO_MIGRATE", d.AutoMigrate)

	r := &cfg.Redis
	r.Addr = envutil.String("REDIS_ADDR", r.Addr)
	r.Password = envutil.String("REDIS_PASSWORD", r.Password)
	r.DB = envutil.Int("REDIS_DB", r.DB)

	t := &cfg.Tracing
	t.Exporter = envutil.String("TRACING_EXPORTER", t.Exporter)
	if ep := envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""); ep != "" {
		t.Endpoint = ep
		if t.Exporter == "none" {
			t.Exporter = "otlp"
		}
	}
	t.ServiceName = envutil.String("OTEL_SERVICE_NAME", t.ServiceName)
	t.SampleRatio = envutil.Float("TRACING_SAMPLE_RATIO", t.SampleRatio)
}

// Validate normalizes engine settings and rejects configurations the server
// cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "development"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.MaxRequestBytes <= 0 {
		c.HTTP.MaxRequestBytes = 1 << 20
	}

	t := c.Risk.Tiers
	if !(0 < t.Moderate && t.Moderate < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("risk.tiers must satisfy 0 < moderate < high < critical <= 1 (got %.2f/%.2f/%.2f)", t.Moderate, t.High, t.Critical)
	}
	if c.Risk.ColdStartK <= 0 {
		return errors.New("risk.cold_start_k must be positive")
	}
	if c.Risk.RetrievalK <= 0 {
		return errors.New("risk.retrieval_k must be positive")
	}
	if c.Risk.RulePrecision <= 0 || c.Risk.RulePrecision > 1 {
		return fmt.Errorf("risk.rule_precision must be in (0, 1] (got %v)", c.Risk.RulePrecision)
	}
	for name, b := range c.Risk.Feasibility {
		if b.MinMultiplier < 0 || b.MinMultiplier > 1 || b.MaxMultiplier < 1 {
			return fmt.Errorf("risk.feasibility.%s: need 0 <= min_multiplier <= 1 <= max_multiplier", name)
		}
	}
	if c.Risk.BatchConcurrency <= 0 {
		c.Risk.BatchConcurrency = 1
	}
	if c.Risk.BatchMaxItems <= 0 {
		c.Risk.BatchMaxItems = 100
	}

	switch c.Snapshot.Source {
	case "file":
		if strings.TrimSpace(c.Snapshot.Path) == "" {
			return errors.New("snapshot.path is required when snapshot.source=file")
		}
	case "db":
		if c.Database.Driver == "" {
			return errors.New("snapshot.source=db requires database.driver")
		}
	default:
		return fmt.Errorf("invalid snapshot.source=%q (allowed: file, db)", c.Snapshot.Source)
	}
	if strings.TrimSpace(c.Snapshot.ModelKey) == "" {
		c.Snapshot.ModelKey = "learner_risk"
	}

	switch c.Knowledge.Backend {
	case "", "memory":
		c.Knowledge.Backend = "memory"
	case "qdrant":
		if c.Knowledge.Qdrant.NamespacePrefix == "" {
			c.Knowledge.Qdrant.NamespacePrefix = "risk"
		}
	default:
		return fmt.Errorf("invalid knowledge.backend=%q (allowed: memory, qdrant)", c.Knowledge.Backend)
	}

	if c.Generation.Timeout.Duration <= 0 {
		return errors.New("generation.timeout must be positive")
	}
	if c.Generation.Retries < 0 {
		return errors.New("generation.retries must be >= 0")
	}
	if err := normalizeEngine("generation", &c.Generation.Engine); err != nil {
		return err
	}
	if err := normalizeEngine("embedding", &c.Embedding.Engine); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver=%q (allowed: postgres, sqlite)", c.Database.Driver)
	}
	if c.Database.Driver != "" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
	}

	switch c.Tracing.Exporter {
	case "", "none":
		c.Tracing.Exporter = "none"
	case "stdout", "otlp":
	default:
		return fmt.Errorf("invalid tracing.exporter=%q (allowed: none, stdout, otlp)", c.Tracing.Exporter)
	}
	return nil
}

func normalizeEngine(section string, e *EngineConfig) error {
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.BaseURL = strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	switch e.Type {
	case "", "mock":
		return nil
	case "openai":
		if e.APIKey == "" {
			return fmt.Errorf("%s.engine (openai) requires api_key or OPENAI_API_KEY", section)
		}
	case "openai_http", "oai_http":
		e.Type = "oai_http"
		if e.BaseURL == "" {
			return fmt.Errorf("%s.engine (oai_http) missing base_url", section)
		}
		if e.ChatCompletionsPath == "" {
			e.ChatCompletionsPath = "/v1/chat/completions"
		}
		if e.EmbeddingsPath == "" {
			e.EmbeddingsPath = "/v1/embeddings"
		}
	default:
		return fmt.Errorf("invalid %s.engine.type=%q (allowed: mock, oai_http, openai)", section, e.Type)
	}
	if e.Timeout.Duration <= 0 {
		e.Timeout = Duration{Duration: 60 * time.Second}
	}
	e.JSONSchema.Mode = strings.ToLower(strings.TrimSpace(e.JSONSchema.Mode))
	switch e.JSONSchema.Mode {
	case "", "auto":
		e.JSONSchema.Mode = "auto"
	case "none", "guided_json", "prompt":
	default:
		return fmt.Errorf("invalid %s.engine.json_schema.mode=%q", section, e.JSONSchema.Mode)
	}
	if e.JSONSchema.MaxRetries < 0 {
		return fmt.Errorf("invalid %s.engine.json_schema.max_retries", section)
	}
	if e.JSONSchema.MaxRetries == 0 {
		e.JSONSchema.MaxRetries = 2
	}
	if e.JSONSchema.MaxPromptBytes <= 0 {
		e.JSONSchema.MaxPromptBytes = 64 << 10
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
