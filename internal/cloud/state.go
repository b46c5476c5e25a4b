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

// This file builds the ServiceClients container: every external client the
// process talks to, created once at startup and shared by the API handlers,
// the workflows and the Pub/Sub listeners.
//
// Logic Flow:
//  1. NewCloudServiceClients is called at application startup with the
//     loaded Config.
//  2. Google clients (Storage, Pub/Sub, GenAI, BigQuery, IAM credentials) are
//     created only when application.google_project_id is set, so local runs
//     work with the in-memory repository and vector store.
//  3. OpenAI and Redis clients are created when their settings are present.
//  4. The vector store backend is opened and migrated.
//  5. Listeners, publishers, embedders, completers and the distributed lock
//     are derived from the configuration and stored in maps keyed by the
//     logical names used in the TOML files.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/index"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Completer answers a list of chat messages with one assistant message.
type Completer interface {
	Complete(ctx context.Context, messages []model.ChatMessage) (string, error)
}

// ServiceClients holds every initialised client. Fields are nil when the
// corresponding service is not configured.
type ServiceClients struct {
	StorageClient   *storage.Client
	PubsubClient    *pubsub.Client
	GenAIClient     *genai.Client
	BigQueryClient  *bigquery.Client
	IAMClient       *credentials.IamCredentialsClient // Signs archive download URLs.
	OpenAIClient    *openai.Client
	RedisClient     *redis.Client
	VectorStore     index.VectorStore
	IndexLocker     index.Locker               // Distributed per-video lock, nil without Redis.
	PubSubListeners map[string]*PubSubListener // Keyed by topic_subscriptions name.
	Publishers      map[string]*pubsub.Topic   // Keyed by topics name.
	EmbeddingModels map[string]index.Embedder  // Keyed by embedding_models name.
	AgentModels     map[string]Completer       // Keyed by agent_models name.
	closers         []func() error
}

// Close releases every client that was opened.
func (c *ServiceClients) Close() {
	for _, p := range c.Publishers {
		p.Stop()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("failed to close client", "error", err)
		}
	}
	c.closers = nil
}

func (c *ServiceClients) onClose(f func() error) {
	c.closers = append(c.closers, f)
}

// NewCloudServiceClients creates all clients named by config.
//
// Inputs:
//   - ctx: the root context of the application.
//   - config: the loaded and validated configuration.
//
// Outputs:
//   - *ServiceClients: the container. On error, clients opened so far are
//     closed before returning.
//   - error: the first client that failed to initialise.
func NewCloudServiceClients(ctx context.Context, config *Config) (sc *ServiceClients, err error) {
	sc = &ServiceClients{
		PubSubListeners: make(map[string]*PubSubListener),
		Publishers:      make(map[string]*pubsub.Topic),
		EmbeddingModels: make(map[string]index.Embedder),
		AgentModels:     make(map[string]Completer),
	}
	defer func() {
		if err != nil {
			sc.Close()
			sc = nil
		}
	}()

	if config.Application.GoogleProjectId != "" {
		if err = sc.openGoogleClients(ctx, config); err != nil {
			return sc, err
		}
	} else {
		slog.Info("google_project_id not set, skipping Google Cloud clients")
	}

	if Secret(config.OpenAI.APIKeyEnv) != "" {
		if sc.OpenAIClient, err = NewOpenAIClient(config.OpenAI); err != nil {
			return sc, err
		}
	}

	if config.Redis.Address != "" {
		rdb, rErr := NewRedisClient(ctx, config.Redis)
		if rErr != nil {
			return sc, rErr
		}
		sc.RedisClient = rdb
		sc.onClose(rdb.Close)
		if config.Index.UseRedisLock {
			ttl := time.Duration(config.Index.LockTTLSeconds) * time.Second
			sc.IndexLocker = NewRedisLocker(rdb, config.Application.Name+":index:", ttl, ttl)
		}
	}

	if err = sc.openVectorStore(ctx, config); err != nil {
		return sc, err
	}

	policy := NewRetryPolicy(config.Retry)
	for name, m := range config.EmbeddingModels {
		e, eErr := sc.newEmbedder(m, policy)
		if eErr != nil {
			return sc, fmt.Errorf("embedding_models.%s: %w", name, eErr)
		}
		sc.EmbeddingModels[name] = e
	}
	for name, m := range config.AgentModels {
		c, cErr := sc.newCompleter(m, policy)
		if cErr != nil {
			return sc, fmt.Errorf("agent_models.%s: %w", name, cErr)
		}
		sc.AgentModels[name] = c
	}
	return sc, nil
}

func (sc *ServiceClients) openGoogleClients(ctx context.Context, config *Config) error {
	project := config.Application.GoogleProjectId

	st, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("storage client: %w", err)
	}
	sc.StorageClient = st
	sc.onClose(st.Close)

	pc, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	sc.PubsubClient = pc
	sc.onClose(pc.Close)

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: config.Application.GoogleLocation,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}
	sc.GenAIClient = gc

	bc, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return fmt.Errorf("bigquery client: %w", err)
	}
	sc.BigQueryClient = bc
	sc.onClose(bc.Close)

	ic, err := credentials.NewIamCredentialsClient(ctx)
	if err != nil {
		return fmt.Errorf("iam credentials client: %w", err)
	}
	sc.IAMClient = ic
	sc.onClose(ic.Close)

	// Commands are attached once the workflows exist.
	for key, values := range config.TopicSubscriptions {
		listener, err := NewPubSubListener(pc, values.Name, nil)
		if err != nil {
			return err
		}
		if values.DeadLetterTopic != "" {
			dl := pc.Topic(values.DeadLetterTopic)
			sc.onClose(func() error { dl.Stop(); return nil })
			listener.SetDeadLetter(TopicDeadLetter(dl))
		}
		sc.PubSubListeners[key] = listener
	}
	for key, values := range config.Topics {
		sc.Publishers[key] = pc.Topic(values.Name)
	}
	return nil
}

func (sc *ServiceClients) openVectorStore(ctx context.Context, config *Config) error {
	vs := config.VectorStore
	switch vs.Backend {
	case VectorBackendPostgres:
		conn := Secret(vs.PostgresURLEnv)
		if conn == "" {
			return fmt.Errorf("vector_store: environment variable %s is not set", vs.PostgresURLEnv)
		}
		store, err := NewPgVectorStore(ctx, conn, vs.Dimensions)
		if err != nil {
			return err
		}
		sc.VectorStore = store
		sc.onClose(func() error { store.Close(); return nil })
	case VectorBackendMilvus:
		store, err := NewMilvusVectorStore(ctx, vs.MilvusAddress, vs.Dimensions)
		if err != nil {
			return err
		}
		sc.VectorStore = store
		sc.onClose(store.Close)
	case VectorBackendMemory:
		sc.VectorStore = index.NewMemoryVectorStore()
	default:
		return fmt.Errorf("vector_store: unknown backend %q", vs.Backend)
	}
	slog.Info("vector store ready", "backend", vs.Backend)
	return nil
}

var errNoClient = errors.New("provider client is not configured")

func (sc *ServiceClients) newEmbedder(m EmbeddingModel, policy RetryPolicy) (index.Embedder, error) {
	switch m.Provider {
	case ProviderOpenAI, "":
		if sc.OpenAIClient == nil {
			return nil, fmt.Errorf("%s: %w", ProviderOpenAI, errNoClient)
		}
		return NewOpenAIEmbedder(sc.OpenAIClient, m, policy), nil
	case ProviderGenAI:
		if sc.GenAIClient == nil {
			return nil, fmt.Errorf("%s: %w", ProviderGenAI, errNoClient)
		}
		return NewGenAIEmbedder(sc.GenAIClient.Models, m, policy), nil
	case ProviderHash:
		return index.NewTermHashEmbedder(m.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", m.Provider)
	}
}

func (sc *ServiceClients) newCompleter(m AgentModel, policy RetryPolicy) (Completer, error) {
	switch m.Provider {
	case ProviderOpenAI, "":
		if sc.OpenAIClient == nil {
			return nil, fmt.Errorf("%s: %w", ProviderOpenAI, errNoClient)
		}
		return NewOpenAICompleter(sc.OpenAIClient, m, policy), nil
	case ProviderGenAI:
		if sc.GenAIClient == nil {
			return nil, fmt.Errorf("%s: %w", ProviderGenAI, errNoClient)
		}
		cfg := &genai.GenerateContentConfig{
			Temperature:      genai.Ptr(m.Temperature),
			TopP:             genai.Ptr(m.TopP),
			TopK:             genai.Ptr(m.TopK),
			MaxOutputTokens:  m.MaxTokens,
			SafetySettings:   DefaultSafetySettings,
			ResponseMIMEType: m.OutputFormat,
		}
		if m.SystemInstructions != "" {
			cfg.SystemInstruction = genai.NewContentFromText(m.SystemInstructions, genai.RoleUser)
		}
		return NewGenAICompleter(NewQuotaAwareModel(cfg, m.Model, sc.GenAIClient.Models, m.RateLimit), policy), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", m.Provider)
	}
}
