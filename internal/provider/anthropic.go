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
	anthropicDefaultBase  = "https://api.anthropic.com/v1"
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultModel = "claude-3-5-haiku-20241022"
	anthropicMaxTokens    = 1024
)

// Anthropic classifies through the Messages API.
type Anthropic struct {
	name        string
	apiKey      string
	apiBase     string
	model       string
	temperature float64
	retrier     *httpx.Retrier
	logger      *slog.Logger
}

type AnthropicConfig struct {
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	Temperature float64
	Retrier     *httpx.Retrier
	Logger      *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = anthropicDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = httpx.NewRetrier(nil, cfg.Logger)
	}
	return &Anthropic{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		retrier:     cfg.Retrier,
		logger:      cfg.Logger,
	}
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) Healthy(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("%s: no API key configured", a.name)
	}
	return nil
}

type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []anthropicMsg `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (a *Anthropic) Classify(ctx context.Context, req domain.ClassifierRequest) (*domain.ClassifierResult, error) {
	system, turns := buildPrompt(req)

	// The Messages API requires alternating roles starting with user.
	var msgs []anthropicMsg
	for _, t := range turns {
		if len(msgs) == 0 && t.Role != "user" {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == t.Role {
			msgs[n-1].Content += "\n\n" + t.Content
			continue
		}
		msgs = append(msgs, anthropicMsg{Role: t.Role, Content: t.Content})
	}

	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Messages:  msgs,
	}
	if a.temperature > 0 {
		body.Temperature = &a.temperature
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := a.retrier.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, a.apiBase+"/messages", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-api-key", a.apiKey)
		r.Header.Set("anthropic-version", anthropicAPIVersion)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", a.name, err)
	}
	defer resp.Body.Close()

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var text []string
	for _, block := range ar.Content {
		if block.Type == "text" {
			text = append(text, block.Text)
		}
	}
	if len(text) == 0 {
		return nil, fmt.Errorf("%s: no text content", a.name)
	}

	res, perr := ParseResult(strings.Join(text, ""))
	if perr != nil {
		a.logger.Warn("classifier output malformed, defaults applied", "provider", a.name, "err", perr)
	}
	res.Model = ar.Model
	if res.Model == "" {
		res.Model = a.model
	}
	res.TokensUsed = ar.Usage.InputTokens + ar.Usage.OutputTokens
	return res, nil
}
