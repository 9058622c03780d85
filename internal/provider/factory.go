package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"smsagent/internal/config"
	"smsagent/internal/domain"
)

// Constructor builds a provider from a config entry.
type Constructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.CompletionProvider

// Factory creates and caches completion providers from config.
type Factory struct {
	cfg          *config.Config
	client       *http.Client
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.CompletionProvider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors
// registered. All providers share one pooled HTTP client.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	timeout := time.Duration(cfg.Responder.TimeoutSeconds) * time.Second
	f := &Factory{
		cfg:          cfg,
		client:       SharedHTTPClient(timeout),
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.CompletionProvider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	openaiStyle := func(name, defaultBase string) Constructor {
		return func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.CompletionProvider {
			base := pc.APIBase
			if base == "" {
				base = defaultBase
			}
			return NewOpenAICompat(OpenAICompatConfig{
				Name:    name,
				APIKey:  pc.APIKey,
				APIBase: base,
				Model:   pc.DefaultModel,
				Client:  client,
				Logger:  logger,
			})
		}
	}

	f.constructors["groq"] = openaiStyle("groq", "https://api.groq.com/openai/v1")
	f.constructors["openrouter"] = openaiStyle("openrouter", "https://openrouter.ai/api/v1")
	f.constructors["openai"] = openaiStyle("openai", "https://api.openai.com/v1")

	f.constructors["ollama"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.CompletionProvider {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Client: client, Logger: logger})
	}
}

// Get returns the provider with the given name, or the configured
// default if name is empty. Created providers are cached so the same
// instance is reused across calls. Uses double-check locking to avoid
// TOCTOU races.
func (f *Factory) Get(name string) (domain.CompletionProvider, error) {
	if name == "" {
		name = f.cfg.Responder.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]

	var p domain.CompletionProvider
	if found {
		p = ctor(pc, f.client, f.logger)
	} else if pc.APIBase != "" && pc.APIKey != "" {
		// Fallback: treat unknown providers as OpenAI-compatible.
		p = NewOpenAICompat(OpenAICompatConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Client:  f.client,
			Logger:  f.logger,
		})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured", name)
	}

	f.cache[name] = p
	return p, nil
}

// DefaultProvider returns the configured default provider.
func (f *Factory) DefaultProvider() (domain.CompletionProvider, error) {
	return f.Get("")
}

// HealthyProvider returns the first enabled provider that passes a
// health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.CompletionProvider {
	for name, pc := range f.cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}
