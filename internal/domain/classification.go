package domain

import "strings"

type Classification string

const (
	ClassSecurityViolation Classification = "security_violation"
	ClassLegalViolation    Classification = "legal_violation"
	ClassMedicalViolation  Classification = "medical_violation"
	ClassOutOfScope        Classification = "out_of_scope"
	ClassInScope           Classification = "in_scope"
)

// IsViolation reports whether c is one of the three blocking tiers.
func (c Classification) IsViolation() bool {
	switch c {
	case ClassSecurityViolation, ClassLegalViolation, ClassMedicalViolation:
		return true
	}
	return false
}

// ParseClassification normalizes a classifier tag. "safe" is accepted as
// an alias of in_scope since some models emit it.
func ParseClassification(s string) (Classification, bool) {
	switch c := Classification(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassSecurityViolation, ClassLegalViolation, ClassMedicalViolation, ClassOutOfScope, ClassInScope:
		return c, true
	case "safe":
		return ClassInScope, true
	}
	return ClassInScope, false
}

// GuardrailResult is the output of the keyword pre-scan.
type GuardrailResult struct {
	Classification    Classification `json:"classification"`
	TriggeredKeywords []string       `json:"triggered_keywords"`
	IsSafe            bool           `json:"is_safe"`
}
