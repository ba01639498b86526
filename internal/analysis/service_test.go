package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"resume-analysis-pipeline/internal/apperr"
	"resume-analysis-pipeline/internal/models"
	"resume-analysis-pipeline/internal/queue"
	"resume-analysis-pipeline/internal/store"
)

// In-memory fakes for the narrow collaborator interfaces.

type fakeStore struct {
	resumes  map[string]models.Resume
	jds      map[string]models.JobDescription
	analyses map[string]models.AnalysisResult
	audits   []models.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resumes:  make(map[string]models.Resume),
		jds:      make(map[string]models.JobDescription),
		analyses: make(map[string]models.AnalysisResult),
	}
}

func (f *fakeStore) GetResume(_ context.Context, id string) (models.Resume, error) {
	r, ok := f.resumes[id]
	if !ok {
		return models.Resume{}, apperr.NotFound("resume %s not found", id)
	}
	return r, nil
}

func (f *fakeStore) UpdateResumeText(_ context.Context, id, text string) error {
	r, ok := f.resumes[id]
	if !ok {
		return apperr.NotFound("resume %s not found", id)
	}
	r.ExtractedText = text
	f.resumes[id] = r
	return nil
}

func (f *fakeStore) GetJobDescription(_ context.Context, id string) (models.JobDescription, error) {
	j, ok := f.jds[id]
	if !ok {
		return models.JobDescription{}, apperr.NotFound("job description %s not found", id)
	}
	return j, nil
}

func (f *fakeStore) CreateAnalysis(_ context.Context, id, userID, resumeID string, jobDescriptionID *string) (models.AnalysisResult, error) {
	a := models.AnalysisResult{
		ID:               id,
		UserID:           userID,
		ResumeID:         resumeID,
		JobDescriptionID: jobDescriptionID,
		Status:           models.StatusProcessing,
		MatchedSkills:    []string{},
		MissingSkills:    []string{},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	f.analyses[id] = a
	return a, nil
}

func (f *fakeStore) GetAnalysis(_ context.Context, id string) (models.AnalysisResult, error) {
	a, ok := f.analyses[id]
	if !ok {
		return models.AnalysisResult{}, apperr.NotFound("analysis %s not found", id)
	}
	return a, nil
}

func (f *fakeStore) ListAnalyses(_ context.Context, userID string, _, _ int) ([]models.AnalysisResult, int64, error) {
	var out []models.AnalysisResult
	for _, a := range f.analyses {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) ListAllAnalyses(_ context.Context, _ store.AnalysisFilter) ([]models.AnalysisResult, int64, error) {
	var out []models.AnalysisResult
	for _, a := range f.analyses {
		out = append(out, a)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) ApplyResult(_ context.Context, id string, u store.ResultUpdate) error {
	a, ok := f.analyses[id]
	if !ok {
		return apperr.NotFound("analysis %s not found", id)
	}
	a.Status = u.Status
	a.MatchScore = u.MatchScore
	a.MatchedSkills = u.MatchedSkills
	if a.MatchedSkills == nil {
		a.MatchedSkills = []string{}
	}
	a.MissingSkills = u.MissingSkills
	if a.MissingSkills == nil {
		a.MissingSkills = []string{}
	}
	a.ExperienceMatch = u.ExperienceMatch
	a.Recommendations = u.Recommendations
	a.Summary = u.Summary
	a.QualityScores = u.QualityScores
	a.Gaps = u.Gaps
	a.Suggestions = u.Suggestions
	a.Error = u.Error
	a.UpdatedAt = time.Now().UTC()
	f.analyses[id] = a
	return nil
}

func (f *fakeStore) ResetForRetry(_ context.Context, id string) error {
	a, ok := f.analyses[id]
	if !ok {
		return apperr.NotFound("analysis %s not found", id)
	}
	a.Status = models.StatusProcessing
	a.MatchScore = nil
	a.MatchedSkills = []string{}
	a.MissingSkills = []string{}
	a.ExperienceMatch = nil
	a.Recommendations = nil
	a.Summary = nil
	a.QualityScores = nil
	a.Gaps = nil
	a.Suggestions = nil
	a.Error = nil
	f.analyses[id] = a
	return nil
}

func (f *fakeStore) CancelProcessing(_ context.Context, id string) (bool, error) {
	a, ok := f.analyses[id]
	if !ok || a.Status != models.StatusProcessing {
		return false, nil
	}
	a.Status = models.StatusFailed
	msg := models.CancelledByAdmin
	a.Error = &msg
	f.analyses[id] = a
	return true, nil
}

func (f *fakeStore) DeleteAnalysis(_ context.Context, id string) error {
	if _, ok := f.analyses[id]; !ok {
		return apperr.NotFound("analysis %s not found", id)
	}
	delete(f.analyses, id)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e models.AuditEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

type fakeQueue struct {
	entries     []models.QueueEntry
	failEnqueue bool
	status      queue.Status
	statusErr   error
	clearCount  int
	clearErr    error
}

func (f *fakeQueue) Enqueue(_ context.Context, entry models.QueueEntry) error {
	if f.failEnqueue {
		return errors.New("redis: connection refused")
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeQueue) Status(_ context.Context) (queue.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeQueue) ClearFailed(_ context.Context) (int, error) {
	return f.clearCount, f.clearErr
}

type fakeFiles struct {
	data map[string][]byte
}

func (f *fakeFiles) GetFileBytes(_ context.Context, key string) ([]byte, error) {
	b, ok := f.data[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return b, nil
}

type sentUpdate struct {
	userID string
	data   any
}

// fakeNotifier is safe for concurrent use; pushes arrive from goroutines.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentUpdate
}

func (f *fakeNotifier) SendUpdate(userID string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentUpdate{userID: userID, data: data})
}

func (f *fakeNotifier) updates() []sentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentUpdate, len(f.sent))
	copy(out, f.sent)
	return out
}

type fixture struct {
	svc    *Service
	store  *fakeStore
	queue  *fakeQueue
	files  *fakeFiles
	notify *fakeNotifier
}

const longText = "Seasoned backend engineer with a decade of Go, SQL, and distributed systems work."

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeStore()
	q := &fakeQueue{}
	files := &fakeFiles{data: make(map[string][]byte)}
	n := &fakeNotifier{}
	svc := New(st, q, files, n, nil)

	st.resumes["r1"] = models.Resume{
		ID: "r1", UserID: "u1", FileName: "resume.pdf", FileKey: "resumes/u1/resume.pdf",
		MimeType: "application/pdf", ExtractedText: longText,
	}
	st.jds["j1"] = models.JobDescription{
		ID: "j1", UserID: "u1", Title: "Backend Engineer", Company: "Acme",
		Description: "Build services in Go.",
	}
	return &fixture{svc: svc, store: st, queue: q, files: files, notify: n}
}

func strp(s string) *string { return &s }

func TestSubmitMatchJob(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Submit(context.Background(), "u1", "r1", strp("j1"))
	require.NoError(t, err)
	require.Equal(t, "queued", resp.Status)
	require.NoError(t, uuid.Validate(resp.AnalysisID))

	// Exactly one PROCESSING record, exactly one entry, same ID throughout.
	record, err := f.store.GetAnalysis(context.Background(), resp.AnalysisID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, record.Status)
	require.Len(t, f.store.analyses, 1)

	require.Len(t, f.queue.entries, 1)
	entry := f.queue.entries[0]
	require.Equal(t, resp.AnalysisID, entry.ID)
	require.Equal(t, models.KindMatch, entry.Kind)
	require.Equal(t, longText, entry.ResumeText)
	require.Contains(t, entry.JobDescriptionText, "Backend Engineer at Acme")
	require.Equal(t, "j1", entry.JobDescriptionID)

	// Result fields stay null while processing.
	require.Nil(t, record.MatchScore)
	require.Nil(t, record.Error)
}

func TestSubmitQualityJobWithoutJobDescription(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Submit(context.Background(), "u1", "r1", nil)
	require.NoError(t, err)

	require.Len(t, f.queue.entries, 1)
	require.Equal(t, models.KindQuality, f.queue.entries[0].Kind)
	require.Empty(t, f.queue.entries[0].JobDescriptionText)

	record, _ := f.store.GetAnalysis(context.Background(), resp.AnalysisID)
	require.Nil(t, record.JobDescriptionID)
}

func TestSubmitReturnsWithoutWaitingForWorker(t *testing.T) {
	f := newFixture(t)

	// The fake queue is never consumed by anything; submission must still
	// return promptly with a queued handle.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.svc.Submit(context.Background(), "u1", "r1", nil)
		require.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked waiting for analysis completion")
	}
}

func TestSubmitUnknownResume(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), "u1", "missing", nil)
	require.True(t, apperr.IsNotFound(err))
	require.Empty(t, f.store.analyses)
	require.Empty(t, f.queue.entries)
}

func TestSubmitForeignResumeIsForbidden(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), "u2", "r1", nil)
	require.True(t, apperr.IsForbidden(err))
	require.Empty(t, f.queue.entries)
}

func TestSubmitForeignJobDescriptionIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.store.jds["j2"] = models.JobDescription{ID: "j2", UserID: "someone-else", Title: "X", Company: "Y", Description: "Z"}

	_, err := f.svc.Submit(context.Background(), "u1", "r1", strp("j2"))
	require.True(t, apperr.IsForbidden(err))
	require.Empty(t, f.store.analyses)
}

func TestSubmitExtractsAndCachesMissingText(t *testing.T) {
	f := newFixture(t)
	f.store.resumes["r2"] = models.Resume{
		ID: "r2", UserID: "u1", FileKey: "resumes/u1/r2.txt", MimeType: "text/plain",
	}
	f.files.data["resumes/u1/r2.txt"] = []byte(longText)
	f.svc.extract = func(mime string, data []byte) (string, error) { return string(data), nil }

	resp, err := f.svc.Submit(context.Background(), "u1", "r2", nil)
	require.NoError(t, err)

	require.Equal(t, longText, f.queue.entries[0].ResumeText)
	require.Equal(t, longText, f.store.resumes["r2"].ExtractedText, "extracted text must be cached")
	_, err = f.store.GetAnalysis(context.Background(), resp.AnalysisID)
	require.NoError(t, err)
}

func TestSubmitRejectsTooLittleText(t *testing.T) {
	f := newFixture(t)
	f.store.resumes["r2"] = models.Resume{
		ID: "r2", UserID: "u1", FileKey: "resumes/u1/r2.txt", MimeType: "text/plain",
	}
	f.files.data["resumes/u1/r2.txt"] = []byte("too short")

	_, err := f.svc.Submit(context.Background(), "u1", "r2", nil)
	require.True(t, apperr.IsUnprocessable(err))
	// No partial state.
	require.Empty(t, f.store.analyses)
	require.Empty(t, f.queue.entries)
}

func TestSubmitEnqueueFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.queue.failEnqueue = true

	_, err := f.svc.Submit(context.Background(), "u1", "r1", nil)
	require.True(t, apperr.IsUnavailable(err))
	require.Empty(t, f.store.analyses, "record must be rolled back when enqueue fails")
}

func submitProcessing(t *testing.T, f *fixture, jdID *string) string {
	t.Helper()
	resp, err := f.svc.Submit(context.Background(), "u1", "r1", jdID)
	require.NoError(t, err)
	return resp.AnalysisID
}

func matchWebhook(id string) WebhookPayload {
	return WebhookPayload{
		JobID:  id,
		Status: "success",
		Result: json.RawMessage(`{"match": {
			"overallMatchScore": 82,
			"matchedKeywords": ["sql"],
			"missingKeywords": ["rust"],
			"strengths": ["x"],
			"quickTips": ["y"],
			"summary": "z"
		}}`),
	}
}

func TestCompleteSuccessMatch(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, strp("j1"))

	receipt := f.svc.Complete(context.Background(), matchWebhook(id))
	require.True(t, receipt.Received)
	require.Empty(t, receipt.Warning)

	record, _ := f.store.GetAnalysis(context.Background(), id)
	require.Equal(t, models.StatusCompleted, record.Status)
	require.NotNil(t, record.MatchScore)
	require.Equal(t, 82, *record.MatchScore)
	require.Equal(t, []string{"sql"}, record.MatchedSkills)
	require.Equal(t, []string{"rust"}, record.MissingSkills)
	require.Equal(t, "z", *record.Summary)
	require.Equal(t, "x", *record.ExperienceMatch)
	require.Equal(t, "y", *record.Recommendations)
	require.Nil(t, record.Error)

	// The owner's channel receives the full updated record; delivery is
	// dispatched off the callback path.
	require.Eventually(t, func() bool { return len(f.notify.updates()) == 1 },
		time.Second, 5*time.Millisecond)
	sent := f.notify.updates()[0]
	require.Equal(t, "u1", sent.userID)
	pushed, ok := sent.data.(models.AnalysisResult)
	require.True(t, ok)
	require.Equal(t, models.StatusCompleted, pushed.Status)
}

func TestCompleteSuccessQuality(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, nil)

	receipt := f.svc.Complete(context.Background(), WebhookPayload{
		JobID:  id,
		Status: "success",
		Result: json.RawMessage(`{
			"quality": {"overallScore": 71, "atsCompatibilityScore": 80, "clarityStructureScore": 65, "keywordOptimizationScore": 60, "skillCoverageScore": 75},
			"suggestions": {"strengths": ["clear layout"], "improvements": ["add metrics"], "quickTips": ["quantify impact"]},
			"summary": "solid resume"
		}`),
	})
	require.True(t, receipt.Received)

	record, _ := f.store.GetAnalysis(context.Background(), id)
	require.Equal(t, models.StatusCompleted, record.Status)
	require.Nil(t, record.MatchScore, "quality mode has no match score")
	require.Equal(t, "solid resume", *record.Summary)
	require.Equal(t, 71.0, record.QualityScores["overall"])
	require.Equal(t, 65.0, record.QualityScores["clarity"])
	require.Equal(t, []any{"add metrics"}, record.Gaps["improvements"])
}

func TestCompleteFailure(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, strp("j1"))

	receipt := f.svc.Complete(context.Background(), WebhookPayload{
		JobID: id, Status: "failed", Error: "timeout",
	})
	require.True(t, receipt.Received)

	record, _ := f.store.GetAnalysis(context.Background(), id)
	require.Equal(t, models.StatusFailed, record.Status)
	require.Equal(t, "timeout", *record.Error)
	require.Nil(t, record.MatchScore)
	require.Empty(t, record.MatchedSkills)
	require.Nil(t, record.Summary)
	require.Nil(t, record.QualityScores)
}

func TestCompleteUnknownIDIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	receipt := f.svc.Complete(context.Background(), WebhookPayload{
		JobID: uuid.New().String(), Status: "success",
		Result: json.RawMessage(`{"match": {"overallMatchScore": 10}}`),
	})
	require.True(t, receipt.Received)
	require.NotEmpty(t, receipt.Warning)
	require.Empty(t, f.notify.updates())
}

type blockingNotifier struct {
	release chan struct{}
}

func (n *blockingNotifier) SendUpdate(string, any) { <-n.release }

func TestCompleteNotDelayedByStalledNotification(t *testing.T) {
	f := newFixture(t)
	n := &blockingNotifier{release: make(chan struct{})}
	f.svc.notify = n
	defer close(n.release)
	id := submitProcessing(t, f, strp("j1"))

	// A subscriber that never drains its connection must not suspend the
	// callback response.
	var receipt Receipt
	done := make(chan struct{})
	go func() {
		defer close(done)
		receipt = f.svc.Complete(context.Background(), matchWebhook(id))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook completion blocked on the notification push")
	}

	require.True(t, receipt.Received)
	record, err := f.store.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, record.Status)
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, strp("j1"))

	first := f.svc.Complete(context.Background(), matchWebhook(id))
	afterFirst, _ := f.store.GetAnalysis(context.Background(), id)

	second := f.svc.Complete(context.Background(), matchWebhook(id))
	afterSecond, _ := f.store.GetAnalysis(context.Background(), id)

	require.True(t, first.Received)
	require.True(t, second.Received)
	require.Equal(t, afterFirst.Status, afterSecond.Status)
	require.Equal(t, afterFirst.MatchScore, afterSecond.MatchScore)
	require.Equal(t, afterFirst.MatchedSkills, afterSecond.MatchedSkills)
	require.Equal(t, afterFirst.Summary, afterSecond.Summary)
}

func TestCompleteMalformedResultDegradesToFailure(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, strp("j1"))

	receipt := f.svc.Complete(context.Background(), WebhookPayload{
		JobID: id, Status: "success",
		Result: json.RawMessage(`{"something": "else"}`),
	})
	require.True(t, receipt.Received)

	record, _ := f.store.GetAnalysis(context.Background(), id)
	require.Equal(t, models.StatusFailed, record.Status)
	require.Equal(t, "invalid result payload", *record.Error)
}

func TestLateCallbackOverwritesCancelledRecord(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, strp("j1"))

	require.NoError(t, f.svc.Cancel(context.Background(), "admin1", id))
	record, _ := f.store.GetAnalysis(context.Background(), id)
	require.Equal(t, models.StatusFailed, record.Status)

	// The worker was never signalled; its callback still lands and wins.
	receipt := f.svc.Complete(context.Background(), matchWebhook(id))
	require.True(t, receipt.Received)
	record, _ = f.store.GetAnalysis(context.Background(), id)
	require.Equal(t, models.StatusCompleted, record.Status)
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	id := submitProcessing(t, f, nil)

	_, err := f.svc.Get(context.Background(), "u2", id)
	require.True(t, apperr.IsForbidden(err))

	record, err := f.svc.Get(context.Background(), "u1", id)
	require.NoError(t, err)
	require.Equal(t, id, record.ID)
}
