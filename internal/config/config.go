package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/neurobridge-risk/internal/platform/qdrant"
)

// Duration accepts "5s"-style strings or integer nanoseconds in both JSON and YAML.
type Duration struct {
	Duration time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

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
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar (line %d)", node.Line)
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(node.Value), 10, 64); err == nil {
		d.Duration = time.Duration(n)
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

type HTTPConfig struct {
	Addr              string   `json:"addr" yaml:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RequestTimeout bounds one assessment end to end. Hitting it before the
	// advice step yields a partial response.
	RequestTimeout  Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxRequestBytes int64    `json:"max_request_bytes" yaml:"max_request_bytes"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
}

type TierThresholds struct {
	Moderate float64 `json:"moderate" yaml:"moderate"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

type BoundConfig struct {
	MinMultiplier float64 `json:"min_multiplier" yaml:"min_multiplier"`
	MaxMultiplier float64 `json:"max_multiplier" yaml:"max_multiplier"`
	Ceiling       float64 `json:"ceiling,omitempty" yaml:"ceiling,omitempty"`
}

type RiskConfig struct {
	AllowGlobalCohortFallback bool                   `json:"allow_global_cohort_fallback" yaml:"allow_global_cohort_fallback"`
	Tiers                     TierThresholds         `json:"tiers" yaml:"tiers"`
	ColdStartK                int                    `json:"cold_start_k" yaml:"cold_start_k"`
	RetrievalK                int                    `json:"retrieval_k" yaml:"retrieval_k"`
	RulePrecision             float64                `json:"rule_precision" yaml:"rule_precision"`
	ShapleySamples            int                    `json:"shapley_samples" yaml:"shapley_samples"`
	CounterfactualPlans       int                    `json:"counterfactual_plans" yaml:"counterfactual_plans"`
	CounterfactualIterations  int                    `json:"counterfactual_iterations" yaml:"counterfactual_iterations"`
	Feasibility               map[string]BoundConfig `json:"feasibility,omitempty" yaml:"feasibility,omitempty"`
	ExplanationCacheSize      int                    `json:"explanation_cache_size" yaml:"explanation_cache_size"`
	BatchConcurrency          int                    `json:"batch_concurrency" yaml:"batch_concurrency"`
	BatchMaxItems             int                    `json:"batch_max_items" yaml:"batch_max_items"`
}

type SnapshotConfig struct {
	// Source is "file" (Path is a local path or gs:// uri) or "db".
	Source          string   `json:"source" yaml:"source"`
	Path            string   `json:"path" yaml:"path"`
	ModelKey        string   `json:"model_key" yaml:"model_key"`
	RefreshInterval Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

type KnowledgeConfig struct {
	// CorpusPath is a JSON/YAML file or gs:// uri; empty uses the built-in corpus.
	CorpusPath string `json:"corpus_path" yaml:"corpus_path"`
	// Backend is "memory" or "qdrant".
	Backend   string        `json:"backend" yaml:"backend"`
	Namespace string        `json:"namespace" yaml:"namespace"`
	Qdrant    qdrant.Config `json:"qdrant" yaml:"qdrant"`
}

type JSONSchemaConfig struct {
	// Mode is one of none, guided_json, prompt or auto (guided first, then prompt).
	Mode           string `json:"mode,omitempty" yaml:"mode,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	MaxPromptBytes int    `json:"max_prompt_bytes,omitempty" yaml:"max_prompt_bytes,omitempty"`
}

// EngineConfig selects a text/embedding backend. Type is "mock", "oai_http"
// (any OpenAI-compatible server) or "openai" (hosted API through go-openai).
// An empty Type disables the backend.
type EngineConfig struct {
	Type                string           `json:"type" yaml:"type"`
	BaseURL             string           `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey              string           `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	ChatCompletionsPath string           `json:"chat_completions_path,omitempty" yaml:"chat_completions_path,omitempty"`
	EmbeddingsPath      string           `json:"embeddings_path,omitempty" yaml:"embeddings_path,omitempty"`
	Timeout             Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	JSONSchema          JSONSchemaConfig `json:"json_schema,omitempty" yaml:"json_schema,omitempty"`
}

type GenerationConfig struct {
	Engine      EngineConfig `json:"engine" yaml:"engine"`
	Model       string       `json:"model" yaml:"model"`
	Temperature float64      `json:"temperature" yaml:"temperature"`
	// Timeout bounds each attempt; Retries is the number of extra attempts.
	Timeout        Duration `json:"timeout" yaml:"timeout"`
	Retries        int      `json:"retries" yaml:"retries"`
	BackoffInitial Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     Duration `json:"backoff_max" yaml:"backoff_max"`
}

type EmbeddingConfig struct {
	// Empty Engine.Type selects the local TF-IDF embedder.
	Engine EngineConfig `json:"engine" yaml:"engine"`
	Model  string       `json:"model" yaml:"model"`
}

type DatabaseConfig struct {
	// Driver is "postgres", "sqlite" or empty (no database).
	Driver      string `json:"driver" yaml:"driver"`
	DSN         string `json:"dsn" yaml:"dsn"`
	AutoMigrate bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	Password        string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB              int      `json:"db" yaml:"db"`
	RefreshChannel  string   `json:"refresh_channel" yaml:"refresh_channel"`
	DeliveryChannel string   `json:"delivery_channel" yaml:"delivery_channel"`
	CachePrefix     string   `json:"cache_prefix" yaml:"cache_prefix"`
	CacheTTL        Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type TracingConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type Config struct {
	Env        string           `json:"env" yaml:"env"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Risk       RiskConfig       `json:"risk" yaml:"risk"`
	Snapshot   SnapshotConfig   `json:"snapshot" yaml:"snapshot"`
	Knowledge  KnowledgeConfig  `json:"knowledge" yaml:"knowledge"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
}
