// Package guardrail implements the deterministic keyword pre-scan that runs
// before any external classifier is consulted.
package guardrail

import (
	"log/slog"
	"strings"

	"replyguard/internal/domain"
)

// Config extends the built-in tiers with deployment specific terms.
type Config struct {
	ExtraSecurity []string
	ExtraLegal    []string
	ExtraMedical  []string
}

type tier struct {
	class    domain.Classification
	keywords []string
}

// Engine classifies raw text against the ordered keyword tiers. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	tiers  []tier
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tiers: []tier{
			{domain.ClassSecurityViolation, merge(securityKeywords, cfg.ExtraSecurity)},
			{domain.ClassLegalViolation, merge(legalKeywords, cfg.ExtraLegal)},
			{domain.ClassMedicalViolation, merge(medicalKeywords, cfg.ExtraMedical)},
		},
		logger: logger,
	}
}

var defaultEngine = NewEngine(Config{}, nil)

// Classify runs the built-in tiers with no extra keywords.
func Classify(text string, forbiddenTopics []string) domain.GuardrailResult {
	return defaultEngine.Classify(text, forbiddenTopics)
}

// Classify scans text tier by tier in fixed precedence: security, legal,
// medical, then the tenant's forbidden topics. The first tier with any
// match decides the result and all of that tier's matches are reported in
// list order. Matching is case-insensitive substring search.
func (e *Engine) Classify(text string, forbiddenTopics []string) domain.GuardrailResult {
	lower := strings.ToLower(text)

	for _, t := range e.tiers {
		if hits := matches(lower, t.keywords); len(hits) > 0 {
			e.logger.Warn("guardrail violation",
				"classification", t.class,
				"keywords", len(hits),
			)
			return domain.GuardrailResult{
				Classification:    t.class,
				TriggeredKeywords: hits,
				IsSafe:            false,
			}
		}
	}

	if hits := matches(lower, normalize(forbiddenTopics)); len(hits) > 0 {
		e.logger.Debug("forbidden topic matched", "topics", hits)
		return domain.GuardrailResult{
			Classification:    domain.ClassOutOfScope,
			TriggeredKeywords: hits,
			IsSafe:            true,
		}
	}

	return domain.GuardrailResult{
		Classification:    domain.ClassInScope,
		TriggeredKeywords: []string{},
		IsSafe:            true,
	}
}

// Keywords returns the effective keyword list for a violation tier.
func (e *Engine) Keywords(class domain.Classification) []string {
	for _, t := range e.tiers {
		if t.class == class {
			out := make([]string, len(t.keywords))
			copy(out, t.keywords)
			return out
		}
	}
	return nil
}

func matches(lower string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func merge(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	seen := make(map[string]bool, len(base))
	for _, kw := range base {
		seen[kw] = true
	}
	for _, kw := range normalize(extra) {
		if !seen[kw] {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
