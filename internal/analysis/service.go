package analysis

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/google/uuid"

	"resume-analysis-pipeline/internal/apperr"
	"resume-analysis-pipeline/internal/extract"
	"resume-analysis-pipeline/internal/models"
	"resume-analysis-pipeline/internal/queue"
	"resume-analysis-pipeline/internal/store"
)

// MinResumeTextLen is the minimum amount of extracted text worth analyzing.
const MinResumeTextLen = 50

// RecordStore is the persistence surface the pipeline needs. *store.Store
// implements it; tests use an in-memory fake.
type RecordStore interface {
	GetResume(ctx context.Context, id string) (models.Resume, error)
	UpdateResumeText(ctx context.Context, id, text string) error
	GetJobDescription(ctx context.Context, id string) (models.JobDescription, error)
	CreateAnalysis(ctx context.Context, id, userID, resumeID string, jobDescriptionID *string) (models.AnalysisResult, error)
	GetAnalysis(ctx context.Context, id string) (models.AnalysisResult, error)
	ListAnalyses(ctx context.Context, userID string, page, limit int) ([]models.AnalysisResult, int64, error)
	ListAllAnalyses(ctx context.Context, f store.AnalysisFilter) ([]models.AnalysisResult, int64, error)
	ApplyResult(ctx context.Context, id string, u store.ResultUpdate) error
	ResetForRetry(ctx context.Context, id string) error
	CancelProcessing(ctx context.Context, id string) (bool, error)
	DeleteAnalysis(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// WorkQueue dispatches entries to workers.
type WorkQueue interface {
	Enqueue(ctx context.Context, entry models.QueueEntry) error
	Status(ctx context.Context) (queue.Status, error)
	ClearFailed(ctx context.Context) (int, error)
}

// FileStore fetches uploaded resume binaries.
type FileStore interface {
	GetFileBytes(ctx context.Context, key string) ([]byte, error)
}

// Notifier pushes job-state transitions to connected clients.
type Notifier interface {
	SendUpdate(userID string, data any)
}

// Extractor turns a resume file into plain text.
type Extractor func(mime string, data []byte) (string, error)

// Service owns the analysis job pipeline: submission, completion callback
// reconciliation, and the administrative queue surface.
type Service struct {
	store   RecordStore
	queue   WorkQueue
	files   FileStore
	extract Extractor
	notify  Notifier
}

// New wires the service. extractor may be nil to use the default.
func New(st RecordStore, q WorkQueue, files FileStore, notifier Notifier, extractor Extractor) *Service {
	if extractor == nil {
		extractor = extract.Text
	}
	return &Service{store: st, queue: q, files: files, extract: extractor, notify: notifier}
}

// SubmitResponse is the pending-job handle returned to the caller.
type SubmitResponse struct {
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
}

// Submit validates preconditions, creates the job record, and enqueues
// exactly one entry whose ID equals the record ID. It never waits for the
// analysis itself. jobDescriptionID selects match mode when present.
func (s *Service) Submit(ctx context.Context, userID, resumeID string, jobDescriptionID *string) (SubmitResponse, error) {
	resume, err := s.store.GetResume(ctx, resumeID)
	if err != nil {
		return SubmitResponse{}, err
	}
	if resume.UserID != userID {
		return SubmitResponse{}, apperr.Forbidden("not authorized to access this resume")
	}

	var jd *models.JobDescription
	if jobDescriptionID != nil {
		found, err := s.store.GetJobDescription(ctx, *jobDescriptionID)
		if err != nil {
			return SubmitResponse{}, err
		}
		if found.UserID != userID {
			return SubmitResponse{}, apperr.Forbidden("not authorized to access this job description")
		}
		jd = &found
	}

	text, err := s.resumeText(ctx, resume)
	if err != nil {
		return SubmitResponse{}, err
	}

	id := uuid.New().String()
	record, err := s.store.CreateAnalysis(ctx, id, userID, resumeID, jobDescriptionID)
	if err != nil {
		return SubmitResponse{}, apperr.Internal(err, "create analysis record")
	}

	entry := models.QueueEntry{
		ID:         record.ID,
		Kind:       record.Kind(),
		ResumeText: text,
		UserID:     userID,
		ResumeID:   resumeID,
	}
	if jd != nil {
		entry.JobDescriptionText = jd.Text()
		entry.JobDescriptionID = jd.ID
	}

	if err := s.queue.Enqueue(ctx, entry); err != nil {
		// A record must never sit in PROCESSING with no entry behind it.
		if delErr := s.store.DeleteAnalysis(ctx, record.ID); delErr != nil {
			log.Printf("analysis: rollback of %s after enqueue failure: %v", record.ID, delErr)
		}
		return SubmitResponse{}, apperr.Unavailable(err, "work queue unavailable")
	}

	return SubmitResponse{AnalysisID: record.ID, Status: "queued"}, nil
}

// resumeText returns cached extracted text, attempting one extraction pass
// when the cache is missing or too short.
func (s *Service) resumeText(ctx context.Context, resume models.Resume) (string, error) {
	text := resume.ExtractedText
	if len(strings.TrimSpace(text)) >= MinResumeTextLen {
		return text, nil
	}

	data, err := s.files.GetFileBytes(ctx, resume.FileKey)
	if err != nil {
		log.Printf("analysis: fetch resume file %s: %v", resume.FileKey, err)
		return "", apperr.Unprocessable("unable to extract text from resume; please upload a text-based PDF file")
	}
	text, err = s.extract(resume.MimeType, data)
	if err != nil {
		log.Printf("analysis: extract text from resume %s: %v", resume.ID, err)
		return "", apperr.Unprocessable("unable to extract text from resume; please upload a text-based PDF file")
	}
	if len(strings.TrimSpace(text)) < MinResumeTextLen {
		return "", apperr.Unprocessable("resume contains too little text to analyze")
	}
	if err := s.store.UpdateResumeText(ctx, resume.ID, text); err != nil {
		// Cache write failure is not fatal; the next submission re-extracts.
		log.Printf("analysis: cache extracted text for resume %s: %v", resume.ID, err)
	}
	return text, nil
}

// WebhookPayload is the completion callback body reported by a worker.
type WebhookPayload struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Receipt is the callback acknowledgement. The transport always carries it
// with HTTP 200; the worker must never be pushed into a retry storm.
type Receipt struct {
	Received bool   `json:"received"`
	Warning  string `json:"warning,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Complete reconciles a worker's outcome into the job record and pushes the
// updated record to the owner's notification group. It is safe to invoke more
// than once for the same correlation ID; the later write wins. Unknown IDs
// are acknowledged with a warning, never an error.
func (s *Service) Complete(ctx context.Context, payload WebhookPayload) Receipt {
	record, err := s.store.GetAnalysis(ctx, payload.JobID)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Printf("analysis: webhook for unknown job %s", payload.JobID)
			return Receipt{Received: true, Warning: "analysis not found"}
		}
		log.Printf("analysis: webhook lookup for %s: %v", payload.JobID, err)
		return Receipt{Received: false, Error: "failed to process webhook"}
	}

	update := s.outcomeUpdate(payload)
	if err := s.store.ApplyResult(ctx, payload.JobID, update); err != nil {
		if apperr.IsNotFound(err) {
			// Deleted between lookup and write; same contract as unknown.
			return Receipt{Received: true, Warning: "analysis not found"}
		}
		log.Printf("analysis: webhook update for %s: %v", payload.JobID, err)
		return Receipt{Received: false, Error: "failed to process webhook"}
	}

	// Best-effort push, off the response path; a dropped or slow notification
	// must never fail or delay the callback.
	if updated, err := s.store.GetAnalysis(ctx, payload.JobID); err == nil {
		go s.notify.SendUpdate(record.UserID, updated)
	} else {
		log.Printf("analysis: reload %s for notification: %v", payload.JobID, err)
	}

	return Receipt{Received: true}
}

// outcomeUpdate maps the callback payload to a terminal record state.
// Malformed results degrade to a failed outcome rather than an error.
func (s *Service) outcomeUpdate(payload WebhookPayload) store.ResultUpdate {
	if payload.Status == "success" && len(payload.Result) > 0 {
		update, err := NormalizeResult(payload.Result)
		if err == nil {
			return update
		}
		log.Printf("analysis: malformed result for %s: %v", payload.JobID, err)
		msg := "invalid result payload"
		return store.ResultUpdate{Status: models.StatusFailed, Error: &msg}
	}

	msg := payload.Error
	if msg == "" {
		msg = "analysis failed"
	}
	return store.ResultUpdate{Status: models.StatusFailed, Error: &msg}
}

// History returns one page of the user's analyses, newest first.
func (s *Service) History(ctx context.Context, userID string, page, limit int) ([]models.AnalysisResult, int64, error) {
	return s.store.ListAnalyses(ctx, userID, page, limit)
}

// Get returns a single record, enforcing ownership.
func (s *Service) Get(ctx context.Context, userID, analysisID string) (models.AnalysisResult, error) {
	record, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	if record.UserID != userID {
		return models.AnalysisResult{}, apperr.Forbidden("not authorized to access this analysis")
	}
	return record, nil
}
