package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/sobershift/internal/models"
)

// ErrMalformedResponse reports model output that is not a usable analysis.
var ErrMalformedResponse = errors.New("malformed analysis response")

// Analyzer judges a sobriety recording. Implementations must not retain the
// recording after returning.
type Analyzer interface {
	Analyze(ctx context.Context, recording []byte) (*Analysis, error)
}

// Analysis is the structured verdict of one recording. The JSON names match
// what the model is prompted to return.
type Analysis struct {
	Verdict        models.Verdict        `json:"sobriety_status"`
	Confidence     float64               `json:"confidence_score"`
	DetectedSigns  []string              `json:"detected_signs"`
	Recommendation models.Recommendation `json:"safety_recommendation"`
	Notes          string                `json:"additional_notes"`

	// Raw is the JSON object the analysis was parsed from.
	Raw json.RawMessage `json:"-"`
}

type analysisWire struct {
	Verdict        *models.Verdict `json:"sobriety_status"`
	Confidence     *float64        `json:"confidence_score"`
	DetectedSigns  []string        `json:"detected_signs"`
	Recommendation string          `json:"safety_recommendation"`
	Notes          string          `json:"additional_notes"`
}

// ParseAnalysis extracts the JSON object from arbitrary model output and
// checks it. A missing verdict, a verdict outside the closed set or a
// confidence outside [0,1] yields ErrMalformedResponse. An absent
// recommendation is derived from the verdict.
func ParseAnalysis(s string) (*Analysis, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	j := extractJSON(s)
	if j == "" {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrMalformedResponse)
	}

	var w analysisWire
	if err := json.Unmarshal([]byte(j), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if w.Verdict == nil {
		return nil, fmt.Errorf("%w: sobriety_status is required", ErrMalformedResponse)
	}
	if w.Confidence == nil {
		return nil, fmt.Errorf("%w: confidence_score is required", ErrMalformedResponse)
	}
	if c := *w.Confidence; c < 0 || c > 1 {
		return nil, fmt.Errorf("%w: confidence_score %v outside [0,1]", ErrMalformedResponse, c)
	}

	rec, err := parseRecommendation(w.Recommendation, *w.Verdict)
	if err != nil {
		return nil, err
	}

	signs := w.DetectedSigns
	if signs == nil {
		signs = []string{}
	}

	return &Analysis{
		Verdict:        *w.Verdict,
		Confidence:     *w.Confidence,
		DetectedSigns:  signs,
		Recommendation: rec,
		Notes:          strings.TrimSpace(w.Notes),
		Raw:            json.RawMessage(j),
	}, nil
}

func parseRecommendation(s string, v models.Verdict) (models.Recommendation, error) {
	switch r := models.Recommendation(strings.ToUpper(strings.TrimSpace(s))); r {
	case models.RecommendApprove, models.RecommendRetest, models.RecommendDeny:
		return r, nil
	case "":
		return DefaultRecommendation(v), nil
	}
	return "", fmt.Errorf("%w: unknown safety_recommendation %q", ErrMalformedResponse, s)
}

// DefaultRecommendation is the recommendation implied by a verdict.
func DefaultRecommendation(v models.Verdict) models.Recommendation {
	switch v {
	case models.VerdictPass:
		return models.RecommendApprove
	case models.VerdictFail:
		return models.RecommendDeny
	}
	return models.RecommendRetest
}

// extractJSON returns the substring from the first '{' to the last '}' in the input.
// This handles model outputs that wrap JSON in text or markdown.
func extractJSON(s string) string {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first == -1 || last == -1 || last < first {
		return ""
	}
	return s[first : last+1]
}
