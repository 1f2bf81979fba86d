package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
)

const maxUserIDLen = 255

// Handler serves the usage and quiz endpoints.
type Handler struct {
	config Config
	checks map[entitlement.Action]checkBuilder
}

// checkBuilder turns a usage check body into a gate request for one action.
type checkBuilder func(userID string, body CheckRequest) (entitlement.CheckRequest, error)

func newCheckTable() map[entitlement.Action]checkBuilder {
	plain := func(action entitlement.Action) checkBuilder {
		return func(userID string, _ CheckRequest) (entitlement.CheckRequest, error) {
			return entitlement.CheckRequest{UserID: userID, Action: action}, nil
		}
	}
	return map[entitlement.Action]checkBuilder{
		entitlement.ActionCreateQuiz:      plain(entitlement.ActionCreateQuiz),
		entitlement.ActionReceiveResponse: plain(entitlement.ActionReceiveResponse),
		entitlement.ActionAddQuestion: func(userID string, body CheckRequest) (entitlement.CheckRequest, error) {
			if body.QuestionCount == nil {
				return entitlement.CheckRequest{}, &entitlement.ValidationError{Field: "questionCount", Reason: "required for add_question"}
			}
			if *body.QuestionCount < 0 {
				return entitlement.CheckRequest{}, &entitlement.ValidationError{Field: "questionCount", Reason: "must not be negative"}
			}
			return entitlement.CheckRequest{
				UserID:        userID,
				Action:        entitlement.ActionAddQuestion,
				QuestionCount: *body.QuestionCount,
			}, nil
		},
	}
}

// Routes returns a router with every endpoint mounted:
//
//	POST /usage/check
//	GET  /usage
//	POST /quizzes
//	GET  /quizzes/{quizID}
//	POST /quizzes/{quizID}/questions
//	PUT  /quizzes/{quizID}/published
//	POST /quizzes/{quizID}/responses   (public)
//	POST /billing/checkout             (when Billing is set)
//	POST /billing/sync                 (when Billing is set)
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/usage/check", h.CheckUsage)
	r.Get("/usage", h.GetUsage)
	r.Route("/quizzes", func(r chi.Router) {
		r.Post("/", h.CreateQuiz)
		r.Get("/{quizID}", h.GetQuiz)
		r.Post("/{quizID}/questions", h.AddQuestions)
		r.Put("/{quizID}/published", h.Publish)
		r.Post("/{quizID}/responses", h.SubmitResponse)
	})
	if h.config.Billing != nil {
		r.Post("/billing/checkout", h.Checkout)
		r.Post("/billing/sync", h.SyncPlan)
	}
	return r
}

// CheckUsage answers whether the user may perform an action. A denial is a
// successful answer, not an error.
func (h *Handler) CheckUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var body CheckRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	build, ok := h.checks[body.Action]
	if !ok {
		h.handleError(w, r, &entitlement.ValidationError{
			Field:  "action",
			Reason: fmt.Sprintf("unsupported action %q", body.Action),
		})
		return
	}
	req, err := build(userID, body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	d, err := h.config.Accountant.Check(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := CheckResponse{Allowed: d.Allowed, Reason: d.Reason}
	if d.Err != nil {
		limit := d.Err.Limit
		resp.Resource = d.Err.Resource
		resp.Limit = &limit
		resp.RequiredPlan = d.Err.RequiredPlan
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUsage returns the usage snapshot, threshold warnings and an upgrade
// recommendation.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	acc := h.config.Accountant
	snap, err := acc.GetUserUsage(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		Plan:           snap.Plan,
		Usage:          snap,
		Warnings:       acc.Warnings(snap),
		Recommendation: acc.Catalog().Recommend(snap),
	})
}

// CreateQuiz creates an empty, unpublished quiz.
func (h *Handler) CreateQuiz(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body CreateQuizRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	q, err := h.config.Quizzes.CreateQuiz(r.Context(), userID, body.Title)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// GetQuiz returns one of the user's quizzes.
func (h *Handler) GetQuiz(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	q, err := h.config.Quizzes.GetQuiz(r.Context(), userID, chi.URLParam(r, "quizID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// AddQuestions appends questions to one of the user's quizzes.
func (h *Handler) AddQuestions(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body AddQuestionsRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	q, err := h.config.Quizzes.AddQuestions(r.Context(), userID, chi.URLParam(r, "quizID"), body.Questions)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Publish toggles whether a quiz accepts responses.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body PublishRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.config.Quizzes.Publish(r.Context(), userID, chi.URLParam(r, "quizID"), body.Published); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitResponse scores and stores a public submission. No user id is
// required; the quiz owner's plan is charged.
func (h *Handler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	resp, err := h.config.Quizzes.Submit(r.Context(), quiz.SubmitRequest{
		QuizID:  chi.URLParam(r, "quizID"),
		Answers: body.Answers,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) userID(r *http.Request) (string, error) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if len(userID) > maxUserIDLen {
		return "", &entitlement.ValidationError{Field: "userId", Reason: "too long"}
	}
	return userID, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return &entitlement.ValidationError{Field: "body", Reason: "too large"}
		}
		return &entitlement.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}
