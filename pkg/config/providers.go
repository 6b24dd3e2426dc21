package config

import (
	"log/slog"
	"net/http"

	"github.com/WessleyAI/noterag/pkg/ollama"
	"github.com/WessleyAI/noterag/pkg/openai"
	"github.com/WessleyAI/noterag/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Provider is an embedding and generation backend.
type Provider interface {
	resilience.Embedder
	resilience.Generator
}

// Providers is the guarded embedder and generator built from the config.
type Providers struct {
	Embedder  *resilience.GuardedEmbedder
	Generator *resilience.GuardedGenerator
}

// NewProvider builds the raw client selected by PROVIDER.
func (c Config) NewProvider() Provider {
	if c.Provider == ProviderOpenAI {
		return openai.New(openai.Config{
			APIKey:     c.OpenAIKey,
			BaseURL:    c.OpenAIBaseURL,
			EmbedModel: c.EmbedModel,
			ChatModel:  c.ChatModel,
			Dimensions: c.VectorDims,
		})
	}
	hc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return ollama.New(c.OllamaURL, c.EmbedModel, c.ChatModel, hc)
}

// NewProviders wraps p in separate guards for embedding and generation so
// a failing chat model does not trip the embedding breaker.
func (c Config) NewProviders(p Provider, log *slog.Logger) Providers {
	if log == nil {
		log = slog.Default()
	}
	breaker := func(name string) resilience.BreakerOpts {
		opts := resilience.DefaultBreakerOpts
		opts.OnStateChange = func(from, to resilience.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		}
		return opts
	}
	embed := resilience.NewGuard("embed", resilience.GuardOpts{
		RPS:     c.EmbedRPS,
		Burst:   int(c.EmbedRPS) + 1,
		Timeout: c.EmbedTimeout,
		Breaker: breaker("embed"),
	})
	gen := resilience.NewGuard("generate", resilience.GuardOpts{
		Timeout: c.GenerateTimeout,
		Breaker: breaker("generate"),
	})
	return Providers{
		Embedder:  resilience.GuardEmbedder(p, embed),
		Generator: resilience.GuardGenerator(p, gen),
	}
}
