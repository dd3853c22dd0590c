package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"replyguard/internal/domain"
)

// ErrMalformed is wrapped by ParseResult when model output holds no usable
// JSON object.
var ErrMalformed = errors.New("classifier output is not a JSON object")

const malformedConfidence = 50

type rawResult struct {
	Reply                 string             `json:"reply"`
	Response              string             `json:"response"`
	Domain                string             `json:"domain"`
	Classification        string             `json:"classification"`
	Intent                string             `json:"intent"`
	OutOfKnowledge        bool               `json:"out_of_knowledge"`
	Tone                  string             `json:"tone"`
	Confidence            flexNumber         `json:"confidence"`
	RequiresOrderCreation bool               `json:"requires_order_creation"`
	OrderDetails          []domain.OrderItem `json:"order_details"`
}

// flexNumber accepts 85, 0.85, "85" and "85%".
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("confidence %s: %w", b, err)
	}
	*f = flexNumber(v)
	return nil
}

// ParseResult extracts the first JSON object from raw model output, which
// may be wrapped in code fences or prose. Unparsable output yields a
// result with Malformed set, classification in_scope, confidence 50 and
// the raw text as reply, together with an error wrapping ErrMalformed.
func ParseResult(raw string) (*domain.ClassifierResult, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return malformed(raw), ErrMalformed
	}

	var r rawResult
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return malformed(raw), fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	class, _ := domain.ParseClassification(r.Classification)
	reply := strings.TrimSpace(r.Reply)
	if reply == "" {
		reply = strings.TrimSpace(r.Response)
	}

	return &domain.ClassifierResult{
		Reply:                 reply,
		Domain:                strings.TrimSpace(r.Domain),
		Classification:        class,
		Intent:                strings.TrimSpace(r.Intent),
		OutOfKnowledge:        r.OutOfKnowledge,
		Tone:                  strings.TrimSpace(r.Tone),
		Confidence:            normalizeConfidence(float64(r.Confidence)),
		RequiresOrderCreation: r.RequiresOrderCreation,
		OrderDetails:          r.OrderDetails,
	}, nil
}

func malformed(raw string) *domain.ClassifierResult {
	return &domain.ClassifierResult{
		Reply:          strings.TrimSpace(stripFences(raw)),
		Classification: domain.ClassInScope,
		Confidence:     malformedConfidence,
		Malformed:      true,
	}
}

// normalizeConfidence maps fractions in (0,1] to percent and clamps to 0..100.
func normalizeConfidence(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if v > 0 && v <= 1 && v != math.Trunc(v) {
		v *= 100
	}
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(math.Round(v))
}

// extractJSONObject returns the first balanced {...} in s, honoring
// string literals, or "" if there is none.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
	scan:
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate
					}
					break scan
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return ""
		}
		start += next + 1
	}
	return ""
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
