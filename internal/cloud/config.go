// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud holds configuration, service clients and the adapters that
// talk to external providers (GCP, the inference provider, OpenAI, vector
// stores, Redis).
//
// This file defines the configuration structure decoded from the layered
// TOML files. Defaults live in NewConfig so a partial file only overrides
// what it names.
package cloud

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// Failure policies of the analysis run.
const (
	FailurePolicyFailFast = "fail_fast"
	FailurePolicyPartial  = "partial"
)

// Vector store backends.
const (
	VectorBackendPostgres = "postgres"
	VectorBackendMilvus   = "milvus"
	VectorBackendMemory   = "memory"
)

// Model providers.
const (
	ProviderOpenAI = "openai"
	ProviderGenAI  = "genai"
	ProviderHash   = "hash" // Local term hashing, embeddings only.
)

// DefaultSafetySettings relaxes GenAI filters; surveillance footage analysis
// routinely describes violence and crime.
var DefaultSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
}

type BigQueryDataSource struct {
	DatasetName string `toml:"dataset"`     // BigQuery dataset holding the video records.
	VideoTable  string `toml:"video_table"` // Table of video records.
}

type Storage struct {
	AnalysisBucket   string `toml:"analysis_bucket"`    // Bucket receiving archived analysis results.
	ArchivePrefix    string `toml:"archive_prefix"`     // Object prefix, "analysis" by default.
	SignedURLMinutes int    `toml:"signed_url_minutes"` // Lifetime of archive download links.
}

type TopicSubscription struct {
	Name             string `toml:"name"`
	DeadLetterTopic  string `toml:"dead_letter_topic"`
	TimeoutInSeconds int    `toml:"timeout_in_seconds"`
}

type Topic struct {
	Name string `toml:"name"`
}

type Analysis struct {
	MaxWindowSeconds    int    `toml:"max_window_seconds"`    // Longest window sent to inference.
	FailurePolicy       string `toml:"failure_policy"`        // fail_fast or partial.
	DefaultInstruction  string `toml:"default_instruction"`   // Instruction used when a request carries none.
	FFprobePath         string `toml:"ffprobe_path"`          // Binary used to read the duration.
	ProbeTimeoutSeconds int    `toml:"probe_timeout_seconds"` // Upper bound on one probe.
}

type Inference struct {
	InvokeURL                  string  `toml:"invoke_url"`
	AssetsURL                  string  `toml:"assets_url"`
	APIKeyEnv                  string  `toml:"api_key_env"` // Environment variable holding the bearer token.
	Model                      string  `toml:"model"`
	MaxTokens                  int     `toml:"max_tokens"`
	Temperature                float64 `toml:"temperature"`
	TopP                       float64 `toml:"top_p"`
	Seed                       int     `toml:"seed"`
	FramesPerInference         int     `toml:"num_frames_per_inference"`
	AssetDescription           string  `toml:"asset_description"`
	UserAgent                  string  `toml:"user_agent"`
	AssetRequestTimeoutSeconds int     `toml:"asset_request_timeout_seconds"`
	TransferTimeoutSeconds     int     `toml:"transfer_timeout_seconds"`
	DeleteTimeoutSeconds       int     `toml:"delete_timeout_seconds"`
	DownloadTimeoutSeconds     int     `toml:"download_timeout_seconds"`
	InferenceTimeoutSeconds    int     `toml:"inference_timeout_seconds"`
	MaxAttempts                int     `toml:"max_attempts"` // Inference attempts; 1 means at most once.
}

type Retry struct {
	MaxAttempts   int     `toml:"max_attempts"`
	InitialMillis int     `toml:"initial_millis"`
	MaxMillis     int     `toml:"max_millis"`
	Multiplier    float64 `toml:"multiplier"`
}

type Index struct {
	ChunkSize               int    `toml:"chunk_size"`
	ChunkOverlap            int    `toml:"chunk_overlap"`
	EmbedBatchSize          int    `toml:"embed_batch_size"`
	EmbeddingModel          string `toml:"embedding_model"` // Key into embedding_models.
	ReplaceOnReindex        bool   `toml:"replace_on_reindex"`
	UseRedisLock            bool   `toml:"use_redis_lock"`
	LockTTLSeconds          int    `toml:"lock_ttl_seconds"`
	BackfillIntervalSeconds int    `toml:"backfill_interval_seconds"` // 0 disables the backfill timer.
}

type Retrieval struct {
	DefaultK int `toml:"default_k"`
}

// Chat bounds the in-memory conversation threads.
type Chat struct {
	ThreadIdleMinutes int `toml:"thread_idle_minutes"` // Threads unused this long are dropped.
	MaxThreads        int `toml:"max_threads"`         // The least recently used thread is dropped beyond this.
}

type VectorStore struct {
	Backend        string `toml:"backend"`          // postgres, milvus or memory.
	PostgresURLEnv string `toml:"postgres_url_env"` // Environment variable holding the connection string.
	MilvusAddress  string `toml:"milvus_address"`
	Dimensions     int    `toml:"dimensions"`
}

type Redis struct {
	Address     string `toml:"address"` // Empty disables the distributed lock.
	PasswordEnv string `toml:"password_env"`
	DB          int    `toml:"db"`
}

type OpenAI struct {
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`
}

type EmbeddingModel struct {
	Provider             string `toml:"provider"` // openai, genai or hash.
	Model                string `toml:"model"`
	MaxRequestsPerMinute int    `toml:"max_requests_per_minute"`
	Dimensions           int    `toml:"dimensions"`
}

type AgentModel struct {
	Provider           string  `toml:"provider"` // openai or genai.
	Model              string  `toml:"model"`
	SystemInstructions string  `toml:"system_instructions"`
	Temperature        float32 `toml:"temperature"`
	TopP               float32 `toml:"top_p"`
	TopK               float32 `toml:"top_k"`
	MaxTokens          int32   `toml:"max_tokens"`
	OutputFormat       string  `toml:"output_format"`
	RateLimit          int     `toml:"rate_limit"` // Requests per second.
}

// Detector configures one topic agent.
type Detector struct {
	SystemPrompt   string `toml:"system_prompt"` // May reference {{ .EXAMPLES }}.
	InputMessage   string `toml:"input_message"`
	EventsKey      string `toml:"events_key"`
	SeverityPrompt string `toml:"severity_prompt"`
	Model          string `toml:"model"` // Key into agent_models.
}

type PromptTemplates struct {
	Summary      string `toml:"summary"`
	SummaryInput string `toml:"summary_input"`
	Chat         string `toml:"chat"`
	Severity     string `toml:"severity"`
}

// Config is the root of the application configuration.
type Config struct {
	Application struct {
		Name                      string   `toml:"name"`
		GoogleProjectId           string   `toml:"google_project_id"`
		GoogleLocation            string   `toml:"location"`
		ThreadPoolSize            int      `toml:"thread_pool_size"` // Concurrent windows per run.
		SignerServiceAccountEmail string   `toml:"signer_service_account_email"`
		LogLevel                  string   `toml:"log_level"`
		TelemetryExporter         string   `toml:"telemetry_exporter"` // gcp or none.
		Port                      string   `toml:"port"`
		CORSOrigins               []string `toml:"cors_origins"`
	} `toml:"application"`
	Storage            Storage                      `toml:"storage"`
	BigQueryDataSource BigQueryDataSource           `toml:"big_query_data_source"`
	TopicSubscriptions map[string]TopicSubscription `toml:"topic_subscriptions"`
	Topics             map[string]Topic             `toml:"topics"`
	Analysis           Analysis                     `toml:"analysis"`
	Inference          Inference                    `toml:"inference"`
	Retry              Retry                        `toml:"retry"`
	Index              Index                        `toml:"index"`
	Retrieval          Retrieval                    `toml:"retrieval"`
	Chat               Chat                         `toml:"chat"`
	VectorStore        VectorStore                  `toml:"vector_store"`
	Redis              Redis                        `toml:"redis"`
	OpenAI             OpenAI                       `toml:"openai"`
	EmbeddingModels    map[string]EmbeddingModel    `toml:"embedding_models"`
	AgentModels        map[string]AgentModel        `toml:"agent_models"`
	Detectors          map[string]Detector          `toml:"detectors"`
	PromptTemplates    PromptTemplates              `toml:"prompt_templates"`
}

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	c := &Config{
		TopicSubscriptions: make(map[string]TopicSubscription),
		Topics:             make(map[string]Topic),
		EmbeddingModels:    make(map[string]EmbeddingModel),
		AgentModels:        make(map[string]AgentModel),
		Detectors:          make(map[string]Detector),
	}
	c.Application.Name = "video-evidence"
	c.Application.ThreadPoolSize = 1
	c.Application.LogLevel = "info"
	c.Application.TelemetryExporter = "gcp"
	c.Application.Port = "8080"
	c.Storage.ArchivePrefix = "analysis"
	c.Storage.SignedURLMinutes = 15
	c.Analysis = Analysis{
		MaxWindowSeconds:    30,
		FailurePolicy:       FailurePolicyFailFast,
		DefaultInstruction:  "Describe the scene",
		FFprobePath:         "ffprobe",
		ProbeTimeoutSeconds: 60,
	}
	c.Inference = Inference{
		InvokeURL:                  "https://ai.api.nvidia.com/v1/vlm/nvidia/cosmos-nemotron-34b",
		AssetsURL:                  "https://api.nvcf.nvidia.com/v2/nvcf/assets",
		APIKeyEnv:                  "TEST_NVCF_API_KEY",
		Model:                      "nvidia/vila",
		MaxTokens:                  8192,
		Temperature:                0.2,
		TopP:                       0.7,
		Seed:                       50,
		FramesPerInference:         8,
		AssetDescription:           "Video analysis",
		UserAgent:                  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		AssetRequestTimeoutSeconds: 30,
		TransferTimeoutSeconds:     300,
		DeleteTimeoutSeconds:       30,
		DownloadTimeoutSeconds:     300,
		InferenceTimeoutSeconds:    300,
		MaxAttempts:                1,
	}
	c.Retry = Retry{MaxAttempts: MaxRetries, InitialMillis: 500, MaxMillis: 10000, Multiplier: 2}
	c.Index = Index{
		ChunkSize:        1000,
		ChunkOverlap:     200,
		EmbedBatchSize:   64,
		EmbeddingModel:   "default",
		ReplaceOnReindex: true,
		LockTTLSeconds:   300,
	}
	c.Retrieval.DefaultK = 2
	c.Chat = Chat{ThreadIdleMinutes: 60, MaxThreads: 1000}
	c.VectorStore = VectorStore{Backend: VectorBackendPostgres, PostgresURLEnv: "POSTGRES_CONNECTION", Dimensions: 3072}
	c.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	return c
}

// Secret reads the environment variable named by envName.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

// Validate checks the bounded numeric and enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Analysis.MaxWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_window_seconds must be > 0, got %d", c.Analysis.MaxWindowSeconds))
	}
	switch c.Analysis.FailurePolicy {
	case FailurePolicyFailFast, FailurePolicyPartial:
	default:
		errs = append(errs, fmt.Errorf("analysis.failure_policy %q is not fail_fast or partial", c.Analysis.FailurePolicy))
	}
	if c.Application.ThreadPoolSize < 1 {
		errs = append(errs, fmt.Errorf("application.thread_pool_size must be >= 1, got %d", c.Application.ThreadPoolSize))
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkSize <= c.Index.ChunkOverlap {
		errs = append(errs, fmt.Errorf("index.chunk_size (%d) must exceed index.chunk_overlap (%d) >= 0", c.Index.ChunkSize, c.Index.ChunkOverlap))
	}
	if c.Index.EmbedBatchSize < 1 {
		errs = append(errs, fmt.Errorf("index.embed_batch_size must be >= 1, got %d", c.Index.EmbedBatchSize))
	}
	if c.Retrieval.DefaultK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.default_k must be >= 1, got %d", c.Retrieval.DefaultK))
	}
	if c.Chat.ThreadIdleMinutes < 1 || c.Chat.MaxThreads < 1 {
		errs = append(errs, fmt.Errorf("chat.thread_idle_minutes and chat.max_threads must be >= 1, got %d and %d",
			c.Chat.ThreadIdleMinutes, c.Chat.MaxThreads))
	}
	switch c.VectorStore.Backend {
	case VectorBackendPostgres, VectorBackendMilvus, VectorBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("vector_store.backend %q is not postgres, milvus or memory", c.VectorStore.Backend))
	}
	if c.Inference.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("inference.max_attempts must be >= 1, got %d", c.Inference.MaxAttempts))
	}
	for name, d := range c.Detectors {
		if d.EventsKey == "" || d.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("detectors.%s needs system_prompt and events_key", name))
		}
	}
	return errors.Join(errs...)
}
