package decision

import (
	"fmt"
	"strings"

	"replyguard/internal/domain"
)

const (
	outOfScopeFloor      = 20
	outOfKnowledgeCap    = 25
	SourceGuardrail      = "guardrail"
	SourceClassifier     = "classifier"
	SourceFallback       = "fallback"
	reasonGuardrailBlock = "blocked by keyword pre-scan"
)

// Verdict is the reconciled classification and confidence.
type Verdict struct {
	Classification domain.Classification
	Confidence     int
	Blocked        bool
	Source         string
	Reasoning      string
}

// Decide reconciles the guardrail pre-scan with the external classifier
// result. Rules are evaluated in order and the first match wins:
//
//  1. guardrail violation overrides everything, confidence 0
//  2. external violation blocks the same way, confidence 0
//  3. out_of_scope from either side, confidence floored at 20
//  4. out-of-knowledge in a commercial domain caps confidence at 25
//  5. otherwise the external verdict passes through
//
// ext may be nil only when the guardrail already reported a violation.
func Decide(g domain.GuardrailResult, ext *domain.ClassifierResult) Verdict {
	if g.Classification.IsViolation() {
		return Verdict{
			Classification: g.Classification,
			Confidence:     0,
			Blocked:        true,
			Source:         SourceGuardrail,
			Reasoning:      fmt.Sprintf("%s: %s (%d keywords)", reasonGuardrailBlock, g.Classification, len(g.TriggeredKeywords)),
		}
	}
	if ext == nil {
		return Verdict{Classification: g.Classification, Source: SourceFallback, Reasoning: "no classifier result"}
	}

	conf := clamp(ext.Confidence)

	if ext.Classification.IsViolation() {
		return Verdict{
			Classification: ext.Classification,
			Confidence:     0,
			Blocked:        true,
			Source:         SourceClassifier,
			Reasoning:      fmt.Sprintf("blocked by classifier: %s (classifier confidence %d)", ext.Classification, conf),
		}
	}

	if g.Classification == domain.ClassOutOfScope || ext.Classification == domain.ClassOutOfScope {
		return Verdict{
			Classification: domain.ClassOutOfScope,
			Confidence:     max(conf, outOfScopeFloor),
			Source:         SourceClassifier,
			Reasoning:      "out of scope for this tenant",
		}
	}

	if ext.OutOfKnowledge && isCommercial(ext.Domain) {
		return Verdict{
			Classification: domain.ClassInScope,
			Confidence:     min(conf, outOfKnowledgeCap),
			Source:         SourceClassifier,
			Reasoning:      "answer outside the tenant's knowledge",
		}
	}

	return Verdict{
		Classification: domain.ClassInScope,
		Confidence:     conf,
		Source:         SourceClassifier,
		Reasoning:      "classifier verdict accepted",
	}
}

func isCommercial(d string) bool {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "commercial", "comercial", "sales", "ventas", "ecommerce", "retail":
		return true
	}
	return false
}

func clamp(c int) int {
	return min(max(c, 0), 100)
}
