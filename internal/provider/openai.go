package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"replyguard/internal/domain"
	"replyguard/internal/httpx"
)

const (
	openAIDefaultBase  = "http://localhost:1234/v1"
	openAIDefaultModel = "local-model"
)

// OpenAI classifies through any OpenAI-compatible /chat/completions
// endpoint (OpenAI, LM Studio, vLLM, llama.cpp server).
type OpenAI struct {
	name        string
	apiKey      string
	apiBase     string
	model       string
	temperature float64
	retrier     *httpx.Retrier
	logger      *slog.Logger
}

type OpenAIConfig struct {
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	Temperature float64
	Retrier     *httpx.Retrier
	Logger      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = openAIDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = httpx.NewRetrier(nil, cfg.Logger)
	}
	return &OpenAI{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		apiBase:     cfg.APIBase,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		retrier:     cfg.Retrier,
		logger:      cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	o.authorize(req)
	resp, err := o.retrier.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: invalid API key", o.name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", o.name, resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (o *OpenAI) Classify(ctx context.Context, req domain.ClassifierRequest) (*domain.ClassifierResult, error) {
	system, turns := buildPrompt(req)

	msgs := make([]oaiMessage, 0, len(turns)+1)
	msgs = append(msgs, oaiMessage{Role: "system", Content: system})
	for _, t := range turns {
		msgs = append(msgs, oaiMessage{Role: t.Role, Content: t.Content})
	}

	body := oaiRequest{Model: o.model, Messages: msgs}
	if o.temperature > 0 {
		body.Temperature = &o.temperature
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := o.retrier.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		o.authorize(r)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	defer resp.Body.Close()

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", o.name)
	}

	content := oaiResp.Choices[0].Message.Content
	res, perr := ParseResult(content)
	if perr != nil {
		o.logger.Warn("classifier output malformed, defaults applied", "provider", o.name, "err", perr)
	}
	res.Model = oaiResp.Model
	if res.Model == "" {
		res.Model = o.model
	}
	res.TokensUsed = oaiResp.Usage.TotalTokens
	return res, nil
}

func (o *OpenAI) authorize(r *http.Request) {
	if o.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
}
