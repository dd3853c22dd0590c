package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"replyguard/internal/domain"
	"replyguard/internal/httpx"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama classifies through a local or remote Ollama /api/chat endpoint
// in JSON output mode.
type Ollama struct {
	name        string
	apiBase     string
	model       string
	temperature float64
	retrier     *httpx.Retrier
	logger      *slog.Logger
}

type OllamaConfig struct {
	Name        string
	APIBase     string
	Model       string
	Temperature float64
	Retrier     *httpx.Retrier
	Logger      *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = httpx.NewRetrier(nil, cfg.Logger)
	}
	return &Ollama{
		name:        cfg.Name,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		retrier:     cfg.Retrier,
		logger:      cfg.Logger,
	}
}

func (o *Ollama) Name() string { return o.name }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.retrier.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", o.name, resp.StatusCode)
	}
	return nil
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Model           string    `json:"model"`
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
}

func (o *Ollama) Classify(ctx context.Context, req domain.ClassifierRequest) (*domain.ClassifierResult, error) {
	system, turns := buildPrompt(req)

	msgs := make([]ollamaMsg, 0, len(turns)+1)
	msgs = append(msgs, ollamaMsg{Role: "system", Content: system})
	for _, t := range turns {
		msgs = append(msgs, ollamaMsg{Role: t.Role, Content: t.Content})
	}

	body := ollamaRequest{Model: o.model, Messages: msgs, Format: "json"}
	if o.temperature > 0 {
		body.Options = map[string]any{"temperature": o.temperature}
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := o.retrier.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, o.apiBase+"/api/chat", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	defer resp.Body.Close()

	var or ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	res, perr := ParseResult(or.Message.Content)
	if perr != nil {
		o.logger.Warn("classifier output malformed, defaults applied", "provider", o.name, "err", perr)
	}
	res.Model = or.Model
	if res.Model == "" {
		res.Model = o.model
	}
	res.TokensUsed = or.PromptEvalCount + or.EvalCount
	return res, nil
}
