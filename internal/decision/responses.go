package decision

import (
	"strings"

	"replyguard/internal/domain"
)

// Canned replies. None of them quotes customer text or any guardrail
// keyword, so a blocked reply never echoes what triggered it.
const (
	securityResponse   = "No emitimos comentarios sobre temas sociales o políticos."
	legalResponse      = "No tenemos autoridad para responder consultas de ese tipo."
	medicalResponse    = "No brindamos asesoría de salud. Por favor consulte a un profesional."
	outOfScopeResponse = "Disculpe, solo puedo ayudarle con información sobre nuestros productos y servicios."
	neutralResponse    = "Disculpe, no podemos atender esa consulta por este medio."

	// DefaultFallbackMessage is used when the tenant policy has none.
	DefaultFallbackMessage = "I am currently having trouble processing your request."
	// UnconfiguredMessage is returned for tenants without a routing policy.
	UnconfiguredMessage = "This agent is not configured yet. A team member will follow up."
)

// CannedResponse returns the fixed reply for a blocking or out-of-scope tier.
func CannedResponse(class domain.Classification) string {
	switch class {
	case domain.ClassSecurityViolation:
		return securityResponse
	case domain.ClassLegalViolation:
		return legalResponse
	case domain.ClassMedicalViolation:
		return medicalResponse
	case domain.ClassOutOfScope:
		return outOfScopeResponse
	}
	return neutralResponse
}

// safeResponse returns the canned reply for class unless it would contain
// the input text or a triggered keyword, in which case the neutral reply
// is used.
func safeResponse(class domain.Classification, input string, keywords []string) string {
	candidate := CannedResponse(class)
	if echoes(candidate, input, keywords) {
		return neutralResponse
	}
	return candidate
}

func echoes(response, input string, keywords []string) bool {
	lower := strings.ToLower(response)
	if in := strings.ToLower(strings.TrimSpace(input)); in != "" && strings.Contains(lower, in) {
		return true
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
