package analysis

import (
	"encoding/json"
	"errors"
	"strings"

	"resume-analysis-pipeline/internal/models"
	"resume-analysis-pipeline/internal/store"
)

// ErrUnknownResultShape reports a result payload carrying neither a match nor
// a quality sub-object.
var ErrUnknownResultShape = errors.New("result payload has neither match nor quality shape")

// The worker reports one of two result shapes, detected by which sub-object
// is present. NormalizeResult folds both into the record's flat fields.
type resultEnvelope struct {
	Match       *matchResult   `json:"match"`
	Quality     *qualityScores `json:"quality"`
	Suggestions *suggestionSet `json:"suggestions"`
	Summary     string         `json:"summary"`
}

type matchResult struct {
	OverallMatchScore     int      `json:"overallMatchScore"`
	ATSCompatibilityScore float64  `json:"atsCompatibilityScore"`
	SkillCoverageScore    float64  `json:"skillCoverageScore"`
	KeywordGapScore       float64  `json:"keywordGapScore"`
	MatchedKeywords       []string `json:"matchedKeywords"`
	MissingKeywords       []string `json:"missingKeywords"`
	Strengths             []string `json:"strengths"`
	Improvements          []string `json:"improvements"`
	QuickTips             []string `json:"quickTips"`
	Summary               string   `json:"summary"`
}

type qualityScores struct {
	OverallScore             float64 `json:"overallScore"`
	ATSCompatibilityScore    float64 `json:"atsCompatibilityScore"`
	ClarityStructureScore    float64 `json:"clarityStructureScore"`
	KeywordOptimizationScore float64 `json:"keywordOptimizationScore"`
	SkillCoverageScore       float64 `json:"skillCoverageScore"`
}

type suggestionSet struct {
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	QuickTips    []string `json:"quickTips"`
}

// NormalizeResult maps a raw worker result into the record's normalized
// fields. The payload is untrusted; any shape we cannot make sense of is an
// error the caller downgrades to a failed outcome.
func NormalizeResult(raw json.RawMessage) (store.ResultUpdate, error) {
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return store.ResultUpdate{}, err
	}
	switch {
	case env.Match != nil:
		return normalizeMatch(env.Match), nil
	case env.Quality != nil:
		return normalizeQuality(&env), nil
	default:
		return store.ResultUpdate{}, ErrUnknownResultShape
	}
}

func normalizeMatch(m *matchResult) store.ResultUpdate {
	score := m.OverallMatchScore
	return store.ResultUpdate{
		Status:          models.StatusCompleted,
		MatchScore:      &score,
		MatchedSkills:   m.MatchedKeywords,
		MissingSkills:   m.MissingKeywords,
		ExperienceMatch: joined(m.Strengths),
		Recommendations: joined(m.QuickTips),
		Summary:         strPtr(m.Summary),
		QualityScores: map[string]any{
			"overall": float64(m.OverallMatchScore),
			"ats":     m.ATSCompatibilityScore,
			"skill":   m.SkillCoverageScore,
			"keyword": m.KeywordGapScore,
		},
		Gaps: map[string]any{
			"missingKeywords": anySlice(m.MissingKeywords),
			"improvements":    anySlice(m.Improvements),
		},
		Suggestions: map[string]any{
			"strengths":    anySlice(m.Strengths),
			"improvements": anySlice(m.Improvements),
			"quickTips":    anySlice(m.QuickTips),
		},
	}
}

func normalizeQuality(env *resultEnvelope) store.ResultUpdate {
	q := env.Quality
	sug := env.Suggestions
	if sug == nil {
		sug = &suggestionSet{}
	}
	return store.ResultUpdate{
		Status:  models.StatusCompleted,
		Summary: strPtr(env.Summary),
		QualityScores: map[string]any{
			"overall": q.OverallScore,
			"ats":     q.ATSCompatibilityScore,
			"clarity": q.ClarityStructureScore,
			"keyword": q.KeywordOptimizationScore,
			"skill":   q.SkillCoverageScore,
		},
		Gaps: map[string]any{
			"improvements": anySlice(sug.Improvements),
		},
		Suggestions: map[string]any{
			"strengths":    anySlice(sug.Strengths),
			"improvements": anySlice(sug.Improvements),
			"quickTips":    anySlice(sug.QuickTips),
		},
	}
}

func joined(parts []string) *string {
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, "\n")
	return &s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// anySlice keeps jsonb round-trips symmetric: []string marshals the same, but
// comparisons in tests read back []any.
func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
