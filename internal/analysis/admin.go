package analysis

import (
	"context"
	"log"

	"resume-analysis-pipeline/internal/apperr"
	"resume-analysis-pipeline/internal/models"
	"resume-analysis-pipeline/internal/queue"
	"resume-analysis-pipeline/internal/store"
)

// Administrative control over the queue and individual job records. Every
// operation records an audit entry under the acting admin's ID.

// QueueStatus snapshots queue depths, degrading to zeros when the queue is
// unreachable. Status reads must not propagate infrastructure errors.
func (s *Service) QueueStatus(ctx context.Context, actorID string) queue.Status {
	st, err := s.queue.Status(ctx)
	if err != nil {
		log.Printf("analysis: queue status: %v", err)
		st = queue.Status{}
	}
	s.audit(ctx, actorID, "queue_status", "queue", "", nil)
	return st
}

// ClearFailed removes failed queue entries, returning how many were cleared.
// Job records are left untouched. Degrades to zero on queue unavailability.
func (s *Service) ClearFailed(ctx context.Context, actorID string) int {
	cleared, err := s.queue.ClearFailed(ctx)
	if err != nil {
		log.Printf("analysis: clear failed jobs: %v", err)
		cleared = 0
	}
	s.audit(ctx, actorID, "queue_clear_failed", "queue", "", map[string]any{"cleared": cleared})
	return cleared
}

// Retry resets a record to PROCESSING, clears its error, and re-enqueues a
// new entry under the same correlation ID, reusing the stored texts.
func (s *Service) Retry(ctx context.Context, actorID, analysisID string) (models.AnalysisResult, error) {
	record, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	resume, err := s.store.GetResume(ctx, record.ResumeID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	entry := models.QueueEntry{
		ID:         record.ID,
		Kind:       record.Kind(),
		ResumeText: resume.ExtractedText,
		UserID:     record.UserID,
		ResumeID:   record.ResumeID,
	}
	if record.JobDescriptionID != nil {
		jd, err := s.store.GetJobDescription(ctx, *record.JobDescriptionID)
		if err != nil {
			return models.AnalysisResult{}, err
		}
		entry.JobDescriptionText = jd.Text()
		entry.JobDescriptionID = jd.ID
	}

	if err := s.store.ResetForRetry(ctx, analysisID); err != nil {
		return models.AnalysisResult{}, err
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		// Do not strand the record in PROCESSING with nothing enqueued.
		msg := "re-enqueue failed"
		if applyErr := s.store.ApplyResult(ctx, analysisID, store.ResultUpdate{Status: models.StatusFailed, Error: &msg}); applyErr != nil {
			log.Printf("analysis: mark %s failed after re-enqueue error: %v", analysisID, applyErr)
		}
		return models.AnalysisResult{}, apperr.Unavailable(err, "work queue unavailable")
	}

	s.audit(ctx, actorID, "analysis_retry", "analysis", analysisID, nil)
	return s.store.GetAnalysis(ctx, analysisID)
}

// Cancel forces a PROCESSING record to FAILED with the admin sentinel error.
// Cancellation is not retroactive: terminal records are rejected. The
// in-flight worker is not signalled; its late callback may still overwrite
// this state (last write wins).
func (s *Service) Cancel(ctx context.Context, actorID, analysisID string) error {
	ok, err := s.store.CancelProcessing(ctx, analysisID)
	if err != nil {
		return err
	}
	if !ok {
		if _, getErr := s.store.GetAnalysis(ctx, analysisID); getErr != nil {
			return getErr
		}
		return apperr.InvalidState("can only cancel processing analyses")
	}
	s.audit(ctx, actorID, "analysis_cancel", "analysis", analysisID, nil)
	return nil
}

// Delete removes the record outright. Any in-flight queue entry is left
// alone; its eventual callback hits the unknown-ID branch and is ignored.
func (s *Service) Delete(ctx context.Context, actorID, analysisID string) error {
	if err := s.store.DeleteAnalysis(ctx, analysisID); err != nil {
		return err
	}
	s.audit(ctx, actorID, "analysis_delete", "analysis", analysisID, nil)
	return nil
}

// ListAll pages analyses across users for the admin surface.
func (s *Service) ListAll(ctx context.Context, actorID string, f store.AnalysisFilter) ([]models.AnalysisResult, int64, error) {
	records, total, err := s.store.ListAllAnalyses(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	s.audit(ctx, actorID, "analysis_list", "analysis", "", nil)
	return records, total, nil
}

// AdminGet fetches a record without ownership restriction.
func (s *Service) AdminGet(ctx context.Context, actorID, analysisID string) (models.AnalysisResult, error) {
	record, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	s.audit(ctx, actorID, "analysis_get", "analysis", analysisID, nil)
	return record, nil
}

func (s *Service) audit(ctx context.Context, actorID, action, targetType, targetID string, details map[string]any) {
	err := s.store.AppendAudit(ctx, models.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
	})
	if err != nil {
		log.Printf("analysis: audit %s on %s/%s: %v", action, targetType, targetID, err)
	}
}
