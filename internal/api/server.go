package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"resume-analysis-pipeline/internal/analysis"
	"resume-analysis-pipeline/internal/apperr"
	"resume-analysis-pipeline/internal/config"
	"resume-analysis-pipeline/internal/models"
	"resume-analysis-pipeline/internal/notify"
	"resume-analysis-pipeline/internal/ratelimit"
	"resume-analysis-pipeline/internal/store"
	"resume-analysis-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the analysis API: submissions, the worker
// callback, the websocket channel, and the admin queue surface.
type Server struct {
	cfg      config.Config
	svc      *analysis.Service
	hub      *notify.Hub
	limiter  *ratelimit.TokenBucket
	upgrader websocket.Upgrader
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, svc *analysis.Service, hub *notify.Hub, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		hub:     hub,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/analysis", func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		r.Get("/ws", s.handleWebsocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/match", s.handleSubmitMatch)
			r.Post("/quality", s.handleSubmitQuality)
			r.Get("/history", s.handleHistory)
			r.Get("/{id}", s.handleGet)
		})
	})

	r.Route("/admin/analysis", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleAdminList)
		r.Get("/queue/status", s.handleQueueStatus)
		r.Post("/queue/clear-failed", s.handleClearFailed)
		r.Get("/{id}", s.handleAdminGet)
		r.Post("/{id}/retry", s.handleRetry)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

// requireUser resolves the caller's identity from the gateway-set header.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			writeError(w, http.StatusForbidden, "admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	ResumeID         string  `json:"resumeId"`
	JobDescriptionID *string `json:"jobDescriptionId"`
}

func (s *Server) handleSubmitMatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ResumeID == "" || req.JobDescriptionID == nil || *req.JobDescriptionID == "" {
		writeError(w, http.StatusBadRequest, "resumeId and jobDescriptionId are required")
		return
	}
	s.submit(w, r, req.ResumeID, req.JobDescriptionID)
}

func (s *Server) handleSubmitQuality(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ResumeID == "" {
		writeError(w, http.StatusBadRequest, "resumeId is required")
		return
	}
	s.submit(w, r, req.ResumeID, nil)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, resumeID string, jobDescriptionID *string) {
	userID := r.Header.Get("X-User-ID")

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			log.Printf("api: rate limit check for %s: %v", userID, err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many analysis requests")
			return
		}
	}

	resp, err := s.svc.Submit(r.Context(), userID, resumeID, jobDescriptionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	telemetry.SubmitCounter.Inc()
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)

	records, total, err := s.svc.History(r.Context(), userID, page, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if records == nil {
		records = []models.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.Get(r.Context(), r.Header.Get("X-User-ID"), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleWebhook ingests worker completion callbacks. The response is HTTP 200
// regardless of outcome so the worker never retries a delivered callback.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" && r.Header.Get("X-Webhook-Secret") != s.cfg.WebhookSecret {
		writeError(w, http.StatusForbidden, "invalid webhook secret")
		return
	}

	var payload analysis.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusOK, analysis.Receipt{Received: false, Error: "invalid json"})
		return
	}
	if payload.JobID == "" {
		writeJSON(w, http.StatusOK, analysis.Receipt{Received: false, Error: "jobId is required"})
		return
	}

	receipt := s.svc.Complete(r.Context(), payload)
	switch {
	case !receipt.Received:
		// Processing error, not a worker-reported failure.
		telemetry.WebhookErrors.Inc()
	case receipt.Warning != "":
		telemetry.WebhookUnknown.Inc()
	case payload.Status == "success":
		telemetry.WebhookSuccess.Inc()
	default:
		telemetry.WebhookFailed.Inc()
	}
	writeJSON(w, http.StatusOK, receipt)
}

type wsDirective struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// handleWebsocket upgrades the connection and processes join directives. A
// client subscribes with {"event":"join","data":"<userId>"} and then receives
// analysisStatus events for that user until it disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade: %v", err)
		return
	}
	telemetry.WSConnectionGauge.Inc()
	defer func() {
		telemetry.WSConnectionGauge.Dec()
		s.hub.Leave(conn)
		_ = conn.Close()
	}()

	for {
		var d wsDirective
		if err := conn.ReadJSON(&d); err != nil {
			return
		}
		if d.Event == "join" && d.Data != "" {
			s.hub.Join(d.Data, conn)
		}
	}
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	filter := store.AnalysisFilter{
		Status: r.URL.Query().Get("status"),
		UserID: r.URL.Query().Get("userId"),
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", 20),
	}
	records, total, err := s.svc.ListAll(r.Context(), adminActor(r), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if records == nil {
		records = []models.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

func (s *Server) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.AdminGet(r.Context(), adminActor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st := s.svc.QueueStatus(r.Context(), adminActor(r))
	telemetry.QueueDepthGauge.Set(float64(st.Waiting))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	cleared := s.svc.ClearFailed(r.Context(), adminActor(r))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.Retry(r.Context(), adminActor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), adminActor(r), id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), adminActor(r), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// adminActor identifies the admin for audit entries. Header is optional.
func adminActor(r *http.Request) string {
	if v := r.Header.Get("X-Admin-ID"); v != "" {
		return v
	}
	return "admin"
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeAppError(w http.ResponseWriter, err error) {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.CodeForbidden:
		writeError(w, http.StatusForbidden, err.Error())
	case apperr.CodeUnprocessable:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case apperr.CodeInvalidState:
		writeError(w, http.StatusConflict, err.Error())
	case apperr.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
