package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"resume-analysis-pipeline/internal/config"
	"resume-analysis-pipeline/internal/models"
)

// Analyzer produces the raw result document for one queue entry.
type Analyzer interface {
	Analyze(ctx context.Context, entry models.QueueEntry) (json.RawMessage, error)
}

// GeminiAnalyzer prompts a Gemini model and expects a single JSON object back.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

func NewGeminiAnalyzer(ctx context.Context, cfg config.Config) (*GeminiAnalyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiAnalyzer{client: client, model: cfg.GeminiModel}, nil
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, entry models.QueueEntry) (json.RawMessage, error) {
	var prompt string
	switch entry.Kind {
	case models.KindMatch:
		prompt = matchPrompt(entry.ResumeText, entry.JobDescriptionText)
	case models.KindQuality:
		prompt = qualityPrompt(entry.ResumeText)
	default:
		return nil, fmt.Errorf("unknown analysis kind %q", entry.Kind)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	raw := CleanJSON(resp.Text())
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("model returned invalid json")
	}
	return json.RawMessage(raw), nil
}

// CleanJSON strips the markdown code fence models wrap JSON responses in.
func CleanJSON(input string) string {
	clean := strings.TrimSpace(input)
	if strings.HasPrefix(clean, "```json") {
		clean = strings.TrimPrefix(clean, "```json")
	} else if strings.HasPrefix(clean, "```") {
		clean = strings.TrimPrefix(clean, "```")
	}
	clean = strings.TrimLeft(clean, "\r\n")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}

func matchPrompt(resumeText, jobDescriptionText string) string {
	return fmt.Sprintf(`You are an expert AI career assistant that evaluates how well a candidate's resume matches a job description.

Analyze the resume against the job description. Base all reasoning only on the provided text; do not assume experience not explicitly mentioned.

Return your result as a single JSON object in exactly this format:

{
  "match": {
    "overallMatchScore": number (0-100),
    "atsCompatibilityScore": number (0-100),
    "skillCoverageScore": number (0-100),
    "keywordGapScore": number (0-100),
    "matchedKeywords": [string],
    "missingKeywords": [string],
    "strengths": [string],
    "improvements": [string],
    "quickTips": [string],
    "summary": string
  }
}

Return only valid JSON. Do not include explanations, markdown, or text before or after the JSON.

JOB DESCRIPTION:
%s

RESUME:
%s`, jobDescriptionText, resumeText)
}

func qualityPrompt(resumeText string) string {
	return fmt.Sprintf(`You are an expert AI career assistant that evaluates the standalone quality of a resume.

Assess structure, clarity, ATS compatibility, keyword usage, and skill presentation. Base all reasoning only on the provided text.

Return your result as a single JSON object in exactly this format:

{
  "quality": {
    "overallScore": number (0-100),
    "atsCompatibilityScore": number (0-100),
    "clarityStructureScore": number (0-100),
    "keywordOptimizationScore": number (0-100),
    "skillCoverageScore": number (0-100)
  },
  "suggestions": {
    "strengths": [string],
    "improvements": [string],
    "quickTips": [string]
  },
  "summary": string
}

Return only valid JSON. Do not include explanations, markdown, or text before or after the JSON.

RESUME:
%s`, resumeText)
}
