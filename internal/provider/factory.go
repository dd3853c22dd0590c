package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"replyguard/internal/config"
	"replyguard/internal/domain"
	"replyguard/internal/httpx"
)

// Constructor builds a classifier from a provider entry.
type Constructor func(name string, pc config.ProviderConfig, retrier *httpx.Retrier, logger *slog.Logger) domain.Classifier

// Factory creates and caches classifiers from config.
type Factory struct {
	cfg          config.ClassifierConfig
	logger       *slog.Logger
	retrier      *httpx.Retrier
	constructors map[string]Constructor
	cache        map[string]domain.Classifier
	mu           sync.RWMutex
}

// NewFactory creates a classifier factory with the built-in kinds
// registered. All HTTP classifiers share one pooled client.
func NewFactory(cfg config.ClassifierConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	client := httpx.NewClient(time.Duration(cfg.TimeoutSeconds) * time.Second)
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		retrier:      httpx.NewRetrier(client, logger),
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Classifier),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) the constructor of a kind.
func (f *Factory) RegisterConstructor(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, r *httpx.Retrier, logger *slog.Logger) domain.Classifier {
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model,
			Temperature: pc.Temperature, Retrier: r, Logger: logger})
	}
	f.constructors["anthropic"] = func(name string, pc config.ProviderConfig, r *httpx.Retrier, logger *slog.Logger) domain.Classifier {
		return NewAnthropic(AnthropicConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model,
			Temperature: pc.Temperature, Retrier: r, Logger: logger})
	}
	f.constructors["ollama"] = func(name string, pc config.ProviderConfig, r *httpx.Retrier, logger *slog.Logger) domain.Classifier {
		return NewOllama(OllamaConfig{Name: name, APIBase: pc.APIBase, Model: pc.Model,
			Temperature: pc.Temperature, Retrier: r, Logger: logger})
	}
	f.constructors["static"] = func(name string, pc config.ProviderConfig, _ *httpx.Retrier, _ *slog.Logger) domain.Classifier {
		return NewStatic(name, pc.Reply, pc.Confidence)
	}
}

// Get returns the classifier with the given name, or the default if name
// is empty. Created classifiers are cached.
func (f *Factory) Get(name string) (domain.Classifier, error) {
	if name == "" {
		name = f.cfg.Default
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
		return nil, fmt.Errorf("unknown classifier: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("classifier %s is disabled", name)
	}
	ctor, ok := f.constructors[pc.Kind]
	if !ok {
		return nil, fmt.Errorf("classifier %s: no constructor for kind %q", name, pc.Kind)
	}

	c := ctor(name, pc, f.retrier, f.logger)
	f.cache[name] = c
	return c, nil
}

// Classifier returns the default classifier, wrapped in a failover chain
// when classifier.failover lists backups. Disabled or unknown backups are
// skipped with a warning.
func (f *Factory) Classifier() (domain.Classifier, error) {
	primary, err := f.Get(f.cfg.Default)
	if err != nil {
		return nil, err
	}
	if len(f.cfg.Failover) == 0 {
		return primary, nil
	}

	chain := []domain.Classifier{primary}
	seen := map[string]bool{f.cfg.Default: true}
	for _, name := range f.cfg.Failover {
		if seen[name] {
			continue
		}
		seen[name] = true
		c, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover classifier unavailable", "classifier", name, "err", err)
			continue
		}
		chain = append(chain, c)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverClassifier(chain, f.logger), nil
}

// Enabled lists the names of enabled classifiers, sorted.
func (f *Factory) Enabled() []string {
	var names []string
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
