package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/engine"
	"github.com/ashureev/assessment-agent/internal/fallback"
)

type startRequest struct {
	FrameworkID string            `json:"framework_id" validate:"required,max=64"`
	Profile     map[string]string `json:"profile" validate:"omitempty,max=32,dive,keys,max=64,endkeys,max=512"`
}

type answerRequest struct {
	QuestionID int    `json:"question_id" validate:"required,gt=0"`
	AnswerText string `json:"answer_text" validate:"required,max=8192"`
}

type questionResponse struct {
	QuestionID int    `json:"question_id"`
	Text       string `json:"text"`
}

type startResponse struct {
	SessionID     string            `json:"session_id"`
	Phase         domain.Phase      `json:"phase"`
	FirstQuestion *questionResponse `json:"first_question,omitempty"`
}

type turnResponse struct {
	SessionID              string                    `json:"session_id"`
	Phase                  domain.Phase              `json:"phase"`
	QuestionsAnsweredCount int                       `json:"questions_answered_count"`
	NextQuestion           *questionResponse         `json:"next_question,omitempty"`
	CompletionSummary      *engine.CompletionSummary `json:"completion_summary,omitempty"`
}

type statusResponse struct {
	SessionID              string       `json:"session_id"`
	Phase                  domain.Phase `json:"phase"`
	QuestionsAnsweredCount int          `json:"questions_answered_count"`
}

type frameworkResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ExpectedQuestions int    `json:"expected_questions"`
}

// RegisterRoutes mounts the assessment and health endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Route("/api/assessment", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/frameworks", h.ListFrameworks)
		r.Post("/start", h.StartAssessment)
		r.Post("/{sessionID}/answer", h.SubmitAnswer)
		r.Post("/{sessionID}/resume", h.ResumeAssessment)
		r.Get("/{sessionID}/status", h.AssessmentStatus)
	})
}

// ListFrameworks handles GET /api/assessment/frameworks.
func (h *Handler) ListFrameworks(w http.ResponseWriter, _ *http.Request) {
	fws := h.svc.Frameworks()
	out := make([]frameworkResponse, 0, len(fws))
	for _, fw := range fws {
		out = append(out, frameworkResponse{ID: fw.ID, Name: fw.Name, ExpectedQuestions: fw.ExpectedQuestions})
	}
	JSON(w, http.StatusOK, out)
}

// StartAssessment handles POST /api/assessment/start.
func (h *Handler) StartAssessment(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.svc.Start(r.Context(), req.FrameworkID, req.Profile)
	if err != nil {
		h.writeError(w, r, view.SessionID, err)
		return
	}

	slog.Info("Assessment started",
		"session_id", view.SessionID,
		"framework_id", view.FrameworkID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	JSON(w, http.StatusCreated, startResponse{
		SessionID:     view.SessionID,
		Phase:         view.Phase,
		FirstQuestion: questionOf(view),
	})
}

// SubmitAnswer handles POST /api/assessment/{sessionID}/answer.
func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req answerRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.svc.Answer(r.Context(), sessionID, req.QuestionID, req.AnswerText)
	if err != nil {
		h.writeError(w, r, sessionID, err)
		return
	}
	if view.Stale {
		slog.Debug("Stale answer ignored",
			"session_id", sessionID, "question_id", req.QuestionID)
	}
	JSON(w, http.StatusOK, turnOf(view))
}

// ResumeAssessment handles POST /api/assessment/{sessionID}/resume.
func (h *Handler) ResumeAssessment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	view, err := h.svc.Resume(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, turnOf(view))
}

// AssessmentStatus handles GET /api/assessment/{sessionID}/status.
func (h *Handler) AssessmentStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	view, err := h.svc.Status(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, sessionID, err)
		return
	}
	JSON(w, http.StatusOK, statusResponse{
		SessionID:              view.SessionID,
		Phase:                  view.Phase,
		QuestionsAnsweredCount: view.QuestionsAnsweredCount,
	})
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			Error(w, http.StatusBadRequest, "invalid field: "+verrs[0].Field())
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps orchestrator errors to status codes. Diagnostic detail is
// logged, never returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fallback.ErrUnknownFramework):
		Error(w, http.StatusBadRequest, "unknown framework")
	case errors.Is(err, engine.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrSessionClosed):
		Error(w, http.StatusConflict, "assessment session is closed")
	case errors.Is(err, context.Canceled):
		slog.Debug("Client went away", "session_id", sessionID)
	default:
		if !errors.Is(err, engine.ErrUnavailable) {
			slog.Error("Unexpected assessment error",
				"session_id", sessionID,
				"request_id", chiMiddleware.GetReqID(r.Context()),
				"error", err)
		}
		body := map[string]string{"error": engine.ErrUnavailable.Error()}
		if sessionID != "" {
			body["session_id"] = sessionID
		}
		JSON(w, http.StatusServiceUnavailable, body)
	}
}

func questionOf(v engine.View) *questionResponse {
	if v.PendingQuestion == nil {
		return nil
	}
	return &questionResponse{QuestionID: v.PendingQuestion.ID, Text: v.PendingQuestion.Text}
}

func turnOf(v engine.View) turnResponse {
	return turnResponse{
		SessionID:              v.SessionID,
		Phase:                  v.Phase,
		QuestionsAnsweredCount: v.QuestionsAnsweredCount,
		NextQuestion:           questionOf(v),
		CompletionSummary:      v.Completion,
	}
}
