package guardrail

// Built-in keyword lists. Entries are lower-case substrings; stems such as
// "politic" or "manifestaci" intentionally match every inflection.
var (
	securityKeywords = []string{
		// politics, activism, protest
		"huelga", "politic", "activismo", "manifestaci", "gobierno", "voto",
		"elección", "religi", "gas lacrim", "manifestante", "protesta",
		"marcha", "disturbio", "protest", "activis", "election", "riot",
		// abuse
		"maldito", "idiota", "estúpido", "pendejo", "hijo de puta",
		"stupid", "idiot",
		// acute medical emergency
		"médico", "herida", "sangre", "hospital", "ambulancia",
		"ambulance", "bleeding", "overdose",
	}

	legalKeywords = []string{
		"ley", "legal", "abogado", "derecho", "demanda", "juicio",
		"law", "lawyer", "lawsuit",
	}

	// "tratamiento médico" is shadowed by the security tier's "médico" and
	// always classifies as security_violation. It is kept so Keywords
	// reports the medical tier as configured.
	medicalKeywords = []string{
		"diagnóstico", "medicina", "tratamiento médico", "prescripción",
		"diagnosis", "medicine", "prescription",
	}
)
