package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"resume-analysis-pipeline/internal/apperr"
	"resume-analysis-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetResume fetches a resume by id.
func (s *Store) GetResume(ctx context.Context, id string) (models.Resume, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, file_name, file_key, mime_type, extracted_text, created_at, updated_at
		FROM resumes WHERE id = $1
	`, id)

	var r models.Resume
	var text pgtype.Text
	if err := row.Scan(&r.ID, &r.UserID, &r.FileName, &r.FileKey, &r.MimeType, &text, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Resume{}, apperr.NotFound("resume %s not found", id)
		}
		return models.Resume{}, fmt.Errorf("scan resume: %w", err)
	}
	if text.Valid {
		r.ExtractedText = text.String
	}
	return r, nil
}

// UpdateResumeText caches extracted text on the resume row.
func (s *Store) UpdateResumeText(ctx context.Context, id, text string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE resumes SET extracted_text = $2, updated_at = NOW() WHERE id = $1
	`, id, text)
	return err
}

// GetJobDescription fetches a job description by id.
func (s *Store) GetJobDescription(ctx context.Context, id string) (models.JobDescription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, company, description, created_at
		FROM job_descriptions WHERE id = $1
	`, id)

	var j models.JobDescription
	if err := row.Scan(&j.ID, &j.UserID, &j.Title, &j.Company, &j.Description, &j.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobDescription{}, apperr.NotFound("job description %s not found", id)
		}
		return models.JobDescription{}, fmt.Errorf("scan job description: %w", err)
	}
	return j, nil
}

// CreateAnalysis inserts a PROCESSING analysis record under the given id.
func (s *Store) CreateAnalysis(ctx context.Context, id, userID, resumeID string, jobDescriptionID *string) (models.AnalysisResult, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_results (id, user_id, resume_id, job_description_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, userID, resumeID, jobDescriptionID, models.StatusProcessing, now)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("insert analysis: %w", err)
	}
	return models.AnalysisResult{
		ID:               id,
		UserID:           userID,
		ResumeID:         resumeID,
		JobDescriptionID: jobDescriptionID,
		Status:           models.StatusProcessing,
		MatchedSkills:    []string{},
		MissingSkills:    []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

const analysisColumns = `
	id, user_id, resume_id, job_description_id, status, match_score,
	matched_skills, missing_skills, experience_match, recommendations, summary,
	quality_scores, gaps, suggestions, error, created_at, updated_at`

// GetAnalysis fetches an analysis record by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (models.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analysis_results WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AnalysisResult{}, apperr.NotFound("analysis %s not found", id)
		}
		return models.AnalysisResult{}, err
	}
	return a, nil
}

// ListAnalyses returns one page of a user's analyses, newest first, with the
// total count for pagination.
func (s *Store) ListAnalyses(ctx context.Context, userID string, page, limit int) ([]models.AnalysisResult, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+analysisColumns+`
		FROM analysis_results WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	out := make([]models.AnalysisResult, 0, limit)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analysis_results WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}
	return out, total, nil
}

// AnalysisFilter narrows the admin listing.
type AnalysisFilter struct {
	Status string
	UserID string
	Page   int
	Limit  int
}

// ListAllAnalyses returns one page across all users for the admin surface.
func (s *Store) ListAllAnalyses(ctx context.Context, f AnalysisFilter) ([]models.AnalysisResult, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 10
	}
	where := "WHERE ($1 = '' OR status = $1) AND ($2 = '' OR user_id = $2)"
	rows, err := s.pool.Query(ctx, `
		SELECT `+analysisColumns+`
		FROM analysis_results `+where+`
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, f.Status, f.UserID, f.Limit, (f.Page-1)*f.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	out := make([]models.AnalysisResult, 0, f.Limit)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analysis_results `+where, f.Status, f.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}
	return out, total, nil
}

// ResultUpdate collects the terminal fields written by the completion
// callback. All fields are applied in one statement so partial writes are
// never observable.
type ResultUpdate struct {
	Status          string
	MatchScore      *int
	MatchedSkills   []string
	MissingSkills   []string
	ExperienceMatch *string
	Recommendations *string
	Summary         *string
	QualityScores   map[string]any
	Gaps            map[string]any
	Suggestions     map[string]any
	Error           *string
}

// ApplyResult writes a terminal outcome onto the record atomically.
func (s *Store) ApplyResult(ctx context.Context, id string, u ResultUpdate) error {
	qualityJSON, err := marshalNullable(u.QualityScores)
	if err != nil {
		return err
	}
	gapsJSON, err := marshalNullable(u.Gaps)
	if err != nil {
		return err
	}
	suggestionsJSON, err := marshalNullable(u.Suggestions)
	if err != nil {
		return err
	}
	matched := u.MatchedSkills
	if matched == nil {
		matched = []string{}
	}
	missing := u.MissingSkills
	if missing == nil {
		missing = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_results
		SET status = $2, match_score = $3, matched_skills = $4, missing_skills = $5,
		    experience_match = $6, recommendations = $7, summary = $8,
		    quality_scores = $9, gaps = $10, suggestions = $11, error = $12,
		    updated_at = NOW()
		WHERE id = $1
	`, id, u.Status, u.MatchScore, matched, missing,
		u.ExperienceMatch, u.Recommendations, u.Summary,
		qualityJSON, gapsJSON, suggestionsJSON, u.Error)
	if err != nil {
		return fmt.Errorf("apply result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("analysis %s not found", id)
	}
	return nil
}

// ResetForRetry puts a record back into PROCESSING with all result fields and
// the error cleared.
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_results
		SET status = $2, match_score = NULL, matched_skills = '{}', missing_skills = '{}',
		    experience_match = NULL, recommendations = NULL, summary = NULL,
		    quality_scores = NULL, gaps = NULL, suggestions = NULL, error = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("reset analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("analysis %s not found", id)
	}
	return nil
}

// CancelProcessing forces a PROCESSING record to FAILED with the admin
// sentinel error. It reports whether a row transitioned; a false return with
// nil error means the record was not in PROCESSING.
func (s *Store) CancelProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_results
		SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, models.CancelledByAdmin, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("cancel analysis: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAnalysis removes the record outright.
func (s *Store) DeleteAnalysis(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM analysis_results WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("analysis %s not found", id)
	}
	return nil
}

// AppendAudit adds an audit row for an administrative action.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	detailsJSON, err := marshalNullable(e.Details)
	if err != nil {
		return err
	}
	var targetID *string
	if e.TargetID != "" {
		targetID = &e.TargetID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, target_type, target_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.ActorID, e.Action, e.TargetType, targetID, detailsJSON)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (models.AnalysisResult, error) {
	var a models.AnalysisResult
	var jdID pgtype.Text
	var score pgtype.Int4
	var expMatch, recs, summary, errMsg pgtype.Text
	var qualityJSON, gapsJSON, suggestionsJSON []byte

	err := row.Scan(&a.ID, &a.UserID, &a.ResumeID, &jdID, &a.Status, &score,
		&a.MatchedSkills, &a.MissingSkills, &expMatch, &recs, &summary,
		&qualityJSON, &gapsJSON, &suggestionsJSON, &errMsg, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	a.JobDescriptionID = textPtr(jdID)
	if score.Valid {
		v := int(score.Int32)
		a.MatchScore = &v
	}
	a.ExperienceMatch = textPtr(expMatch)
	a.Recommendations = textPtr(recs)
	a.Summary = textPtr(summary)
	a.Error = textPtr(errMsg)

	if a.QualityScores, err = unmarshalNullable(qualityJSON); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("unmarshal quality_scores: %w", err)
	}
	if a.Gaps, err = unmarshalNullable(gapsJSON); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("unmarshal gaps: %w", err)
	}
	if a.Suggestions, err = unmarshalNullable(suggestionsJSON); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return a, nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func unmarshalNullable(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
