// Package config provides configuration loading for all platform services.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds configuration for every service; each service reads only the
// sections it needs.
type Config struct {
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
	// OTLP trace endpoint; tracing is a no-op when empty
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	Store        StoreConfig        `json:"store"`
	Stream       StreamConfig       `json:"stream"`
	Vector       VectorConfig       `json:"vector"`
	Bus          BusConfig          `json:"bus"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Crawl        CrawlConfig        `json:"crawl"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Article      ArticleConfig      `json:"article"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Archive      ArchiveConfig      `json:"archive"`
	Dashboard    DashboardConfig    `json:"dashboard"`
	Memory       MemoryConfig       `json:"memory"`
}

// StoreConfig selects the relational store. Scheme decides the dialect:
// postgres:// uses pgx, anything else is treated as a sqlite path.
type StoreConfig struct {
	URL string `json:"url"`
}

// StreamConfig selects the stream substrate. redis:// uses Redis Streams;
// "memory" keeps everything in-process (tests, single-node dev).
type StreamConfig struct {
	URL string `json:"url"`
}

// VectorConfig points at the vector store the memory service mirrors
// embeddings into.
type VectorConfig struct {
	URL        string `json:"url"`
	Collection string `json:"collection"`
}

// BusConfig configures the MCP Bus service and its clients.
type BusConfig struct {
	Addr string `json:"addr"`
	// URL agents use to reach the bus
	URL                  string `json:"url"`
	CallTimeoutSeconds   int    `json:"call_timeout_seconds"`
	ProbeTimeoutSeconds  int    `json:"probe_timeout_seconds"`
	ProbeIntervalSeconds int    `json:"probe_interval_seconds"`
	BreakerThreshold     int    `json:"breaker_threshold"`
	BreakerWindowSeconds int    `json:"breaker_window_seconds"`
	BreakerOpenSeconds   int    `json:"breaker_open_seconds"`
}

// OrchestratorConfig configures the GPU orchestrator.
type OrchestratorConfig struct {
	Addr                   string `json:"addr"`
	LeaseTTLSeconds        int    `json:"lease_ttl_seconds"`
	ClaimStalenessSeconds  int    `json:"claim_staleness_seconds"`
	MaxJobAttempts         int    `json:"max_job_attempts"`
	ReclaimIntervalSeconds int    `json:"reclaim_interval_seconds"`
	LeaderLockName         string `json:"leader_lock_name"`
	AllowUnprobedGPU       bool   `json:"allow_unprobed_gpu"`
	QueueMaxPending        int    `json:"queue_max_pending"`
	// Agent-model policy map (YAML); empty means allow-all with no budget
	PolicyPath string `json:"policy_path,omitempty"`
	// Adapter path list passed through to the model runtime; oci:// entries
	// are resolved into AdapterCacheDir first
	AdapterPaths    string `json:"adapter_paths,omitempty"`
	AdapterCacheDir string `json:"adapter_cache_dir"`
}

// CrawlConfig configures the crawler service.
type CrawlConfig struct {
	Addr         string `json:"addr"`
	SchedulePath string `json:"schedule_path"`
	ProfilesDir  string `json:"profiles_dir"`
}

// SchedulerConfig configures the crawl scheduler loop.
type SchedulerConfig struct {
	IntervalSeconds     int    `json:"interval_seconds"`
	GlobalArticleBudget int    `json:"global_article_budget"`
	DomainRunCapSeconds int    `json:"domain_run_cap_seconds"`
	MetricsPath         string `json:"metrics_path,omitempty"`
	HistoryPath         string `json:"history_path,omitempty"`
}

// ArticleConfig configures extraction, normalization, and quality heuristics.
type ArticleConfig struct {
	ExtractorPrimary string  `json:"extractor_primary"`
	ConfidenceGate   float64 `json:"confidence_gate"`
	URLHashAlgo      string  `json:"url_hash_algo"`
	URLNormalization string  `json:"url_normalization"`
	MinWords         int     `json:"min_words"`
	MinTextHTMLRatio float64 `json:"min_text_html_ratio"`
	EmbeddingModel   string  `json:"embedding_model"`
	RawHTMLDir       string  `json:"raw_html_dir"`
}

// EmbeddingConfig points at the embedding provider endpoint.
type EmbeddingConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
}

// ArchiveConfig configures the transparency artifact store.
type ArchiveConfig struct {
	Dir string `json:"dir"`
}

// DashboardConfig configures the dashboard service.
type DashboardConfig struct {
	Addr string `json:"addr"`
}

// MemoryConfig configures the memory service.
type MemoryConfig struct {
	Addr string `json:"addr"`
}

// Default returns configuration with the platform defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{URL: "justnews.db"},
		Stream:   StreamConfig{URL: "memory"},
		Bus: BusConfig{
			Addr:                 ":8000",
			URL:                  "http://127.0.0.1:8000",
			CallTimeoutSeconds:   30,
			ProbeTimeoutSeconds:  1,
			ProbeIntervalSeconds: 15,
			BreakerThreshold:     3,
			BreakerWindowSeconds: 60,
			BreakerOpenSeconds:   30,
		},
		Orchestrator: OrchestratorConfig{
			Addr:                   ":8014",
			LeaseTTLSeconds:        300,
			ClaimStalenessSeconds:  120,
			MaxJobAttempts:         5,
			ReclaimIntervalSeconds: 30,
			LeaderLockName:         "orchestrator_leader",
			QueueMaxPending:        1000,
			AdapterCacheDir:        "./archive_storage/adapters",
		},
		Crawl: CrawlConfig{
			Addr:        ":8015",
			ProfilesDir: "./crawl_profiles",
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:     3600,
			GlobalArticleBudget: 500,
			DomainRunCapSeconds: 2400,
		},
		Article: ArticleConfig{
			ExtractorPrimary: "trafilatura",
			ConfidenceGate:   0.7,
			URLHashAlgo:      "sha256",
			URLNormalization: "strict",
			MinWords:         120,
			MinTextHTMLRatio: 0.25,
			EmbeddingModel:   "all-MiniLM-L6-v2",
			RawHTMLDir:       "./archive_storage/raw_html",
		},
		Archive:   ArchiveConfig{Dir: "./archive_storage/transparency"},
		Dashboard: DashboardConfig{Addr: ":8013"},
		Memory:    MemoryConfig{Addr: ":8007"},
	}
}

// Load reads configuration from a file, then overlays environment variables.
// An empty path falls back to JUSTNEWS_CONFIG, then to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("JUSTNEWS_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "JUSTNEWS_LOG_LEVEL")
	setString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setString(&cfg.Store.URL, "DB_URL")
	setString(&cfg.Stream.URL, "STREAM_URL")
	setString(&cfg.Vector.URL, "VECTOR_STORE_URL")
	setString(&cfg.Vector.Collection, "VECTOR_COLLECTION")

	setString(&cfg.Bus.Addr, "BUS_ADDR")
	setString(&cfg.Bus.URL, "MCP_BUS_URL")
	setInt(&cfg.Bus.CallTimeoutSeconds, "BUS_CALL_TIMEOUT_SECONDS")
	setInt(&cfg.Bus.BreakerThreshold, "BUS_BREAKER_THRESHOLD")
	setInt(&cfg.Bus.BreakerWindowSeconds, "BUS_BREAKER_WINDOW_SECONDS")
	setInt(&cfg.Bus.BreakerOpenSeconds, "BUS_BREAKER_OPEN_SECONDS")

	setString(&cfg.Orchestrator.Addr, "ORCH_ADDR")
	setInt(&cfg.Orchestrator.LeaseTTLSeconds, "ORCH_LEASE_TTL_SECONDS")
	setInt(&cfg.Orchestrator.ClaimStalenessSeconds, "ORCH_CLAIM_STALENESS_SECONDS")
	setInt(&cfg.Orchestrator.MaxJobAttempts, "ORCH_MAX_JOB_ATTEMPTS")
	setInt(&cfg.Orchestrator.ReclaimIntervalSeconds, "ORCH_RECLAIM_INTERVAL_SECONDS")
	setString(&cfg.Orchestrator.LeaderLockName, "ORCH_LEADER_LOCK_NAME")
	setBool(&cfg.Orchestrator.AllowUnprobedGPU, "ORCH_ALLOW_UNPROBED_GPU")
	setInt(&cfg.Orchestrator.QueueMaxPending, "ORCH_QUEUE_MAX_PENDING")
	setString(&cfg.Orchestrator.PolicyPath, "ORCH_POLICY_PATH")
	setString(&cfg.Orchestrator.AdapterPaths, "VLLM_ADAPTER_PATHS")
	setString(&cfg.Orchestrator.AdapterCacheDir, "ADAPTER_CACHE_DIR")

	setString(&cfg.Crawl.Addr, "CRAWLER_ADDR")
	setString(&cfg.Crawl.SchedulePath, "CRAWL_SCHEDULE_PATH")
	setString(&cfg.Crawl.ProfilesDir, "CRAWL_PROFILES_DIR")

	setInt(&cfg.Scheduler.IntervalSeconds, "CRAWL_SCHEDULER_INTERVAL_SECONDS")
	setInt(&cfg.Scheduler.GlobalArticleBudget, "CRAWL_GLOBAL_ARTICLE_BUDGET")
	setString(&cfg.Scheduler.MetricsPath, "STAGE_B_METRICS_PATH")
	setString(&cfg.Scheduler.HistoryPath, "CRAWL_HISTORY_PATH")

	setString(&cfg.Article.ExtractorPrimary, "ARTICLE_EXTRACTOR_PRIMARY")
	setString(&cfg.Article.URLHashAlgo, "ARTICLE_URL_HASH_ALGO")
	setString(&cfg.Article.URLNormalization, "ARTICLE_URL_NORMALIZATION")
	setInt(&cfg.Article.MinWords, "ARTICLE_MIN_WORDS")
	setFloat(&cfg.Article.MinTextHTMLRatio, "ARTICLE_MIN_TEXT_HTML_RATIO")
	setString(&cfg.Article.EmbeddingModel, "ARTICLE_EMBEDDING_MODEL")
	setString(&cfg.Article.RawHTMLDir, "JUSTNEWS_RAW_HTML_DIR")

	setString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setString(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")

	setString(&cfg.Archive.Dir, "ARCHIVE_DIR")
	setString(&cfg.Dashboard.Addr, "DASHBOARD_ADDR")
	setString(&cfg.Memory.Addr, "MEMORY_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasVector reports whether a vector store is configured.
func (c Config) HasVector() bool {
	return c.Vector.URL != "" && c.Vector.Collection != ""
}

// HasEmbedding reports whether an embedding provider is configured.
func (c Config) HasEmbedding() bool {
	return c.Embedding.BaseURL != ""
}
