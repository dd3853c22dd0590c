package provider

import (
	"context"
	"strings"

	"replyguard/internal/domain"
)

const staticDefaultReply = "Gracias por su mensaje. Un asesor revisará su consulta."

// Static answers every message with a fixed reply and confidence. It backs
// the "mock" provider of demo installs and tests.
type Static struct {
	name       string
	reply      string
	confidence int
}

func NewStatic(name, reply string, confidence int) *Static {
	if name == "" {
		name = "static"
	}
	if strings.TrimSpace(reply) == "" {
		reply = staticDefaultReply
	}
	return &Static{name: name, reply: reply, confidence: normalizeConfidence(float64(confidence))}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Healthy(ctx context.Context) error { return nil }

func (s *Static) Classify(ctx context.Context, req domain.ClassifierRequest) (*domain.ClassifierResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.ClassifierResult{
		Reply:          s.reply,
		Domain:         "general",
		Classification: domain.ClassInScope,
		Intent:         "general_inquiry",
		Tone:           "friendly",
		Confidence:     s.confidence,
		Model:          s.name,
	}, nil
}
