package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"

	"github.com/google/uuid"
)

// Registry is the slice of the connection registry the API needs for the
// health endpoint.
type Registry interface {
	Stats() map[string]int
}

// Server is the supervisor control plane. It holds no business logic;
// every operation delegates to the session store or the classifier and
// translates sentinel errors into HTTP status codes.
type Server struct {
	store      interfaces.SessionStore
	classifier interfaces.AlertClassifier
	dbManager  interfaces.DatabaseManager
	registry   Registry
	router     *http.ServeMux
}

// NewServer creates the control-plane API server.
func NewServer(store interfaces.SessionStore, classifier interfaces.AlertClassifier, dbManager interfaces.DatabaseManager, registry Registry) *Server {
	s := &Server{
		store:      store,
		classifier: classifier,
		dbManager:  dbManager,
		registry:   registry,
		router:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/exams", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleExams))))
	s.router.Handle("/api/exams/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleExamByID))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionAction))))
	s.router.Handle("/api/alerts/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleAlertAction))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateExamRequest struct {
	Title           string `json:"title"`
	CreatedBy       string `json:"created_by"`
	DurationSeconds int    `json:"duration_seconds"`
	TotalQuestions  int    `json:"total_questions"`
	AllowConcurrent bool   `json:"allow_concurrent"`
}

type CreateExamResponse struct {
	Exam *types.Exam `json:"exam"`
}

type ListSessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type AggregateResponse struct {
	ExamID          string         `json:"exam_id"`
	StatusCounts    map[string]int `json:"status_counts"`
	UnresolvedCount int            `json:"unresolved_alerts"`
}

type ExtendTimeRequest struct {
	Seconds int `json:"seconds"`
}

type ResolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

type ResolveAlertResponse struct {
	Alert           *types.Alert `json:"alert"`
	AlreadyResolved bool         `json:"already_resolved,omitempty"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleExams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createExam(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// createExam starts a live exam and mints its student access code.
func (s *Server) createExam(w http.ResponseWriter, r *http.Request) {
	var req CreateExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	code, err := s.mintAccessCode()
	if err != nil {
		s.sendError(w, "Failed to generate access code", http.StatusInternalServerError)
		return
	}

	exam := &types.Exam{
		ID:              uuid.New().String(),
		Title:           req.Title,
		AccessCode:      code,
		CreatedBy:       req.CreatedBy,
		DurationSeconds: req.DurationSeconds,
		TotalQuestions:  req.TotalQuestions,
		AllowConcurrent: req.AllowConcurrent,
		StartedAt:       time.Now(),
	}

	if err := s.store.RegisterExam(r.Context(), exam); err != nil {
		if isValidationError(err) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
		} else {
			s.sendError(w, "Failed to create exam", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateExamResponse{Exam: exam})
}

// mintAccessCode produces a 6-character code students type in. The
// alphabet omits characters that read ambiguously on a projector.
func (s *Server) mintAccessCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	for attempt := 0; attempt < 5; attempt++ {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		code := string(buf)
		if _, err := s.store.GetExamByAccessCode(code); errors.Is(err, interfaces.ErrExamNotFound) {
			return code, nil
		}
	}
	return "", fmt.Errorf("access code space exhausted")
}

// handleExamByID serves GET /api/exams/{id}, .../sessions and
// .../aggregate.
func (s *Server) handleExamByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/exams/")
	parts := strings.Split(path, "/")
	examID := parts[0]
	if examID == "" {
		s.sendError(w, "Exam ID required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.store.GetExam(examID); err != nil {
		s.sendError(w, "Exam not found", http.StatusNotFound)
		return
	}

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}
	switch sub {
	case "":
		exam, _ := s.store.GetExam(examID)
		json.NewEncoder(w).Encode(CreateExamResponse{Exam: exam})
	case "sessions":
		json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: s.store.ListByExam(examID)})
	case "aggregate":
		json.NewEncoder(w).Encode(AggregateResponse{
			ExamID:          examID,
			StatusCounts:    s.store.StatusCounts(examID),
			UnresolvedCount: s.classifier.UnresolvedCount(examID),
		})
	default:
		s.sendError(w, "Unknown resource", http.StatusNotFound)
	}
}

// handleSessionAction serves GET /api/sessions/{attemptID} and
// POST /api/sessions/{attemptID}/{pause|resume|terminate|extend}.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	attemptID := parts[0]
	if attemptID == "" {
		s.sendError(w, "Attempt ID required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		session, err := s.store.Get(attemptID)
		if err != nil {
			s.sendError(w, "Attempt not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(session)
		return
	}

	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := parts[1]
	var err error
	switch action {
	case "pause":
		err = s.store.Transition(r.Context(), attemptID, types.StatusPaused)
	case "resume":
		err = s.store.Transition(r.Context(), attemptID, types.StatusActive)
	case "terminate":
		err = s.store.Transition(r.Context(), attemptID, types.StatusTerminated)
	case "extend":
		var req ExtendTimeRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Seconds <= 0 {
			s.sendError(w, "Extension must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		err = s.store.ExtendTime(r.Context(), attemptID, req.Seconds)
	default:
		s.sendError(w, "Unknown action", http.StatusNotFound)
		return
	}

	if err != nil {
		s.sendSessionError(w, err)
		return
	}

	session, err := s.store.Get(attemptID)
	if err != nil {
		s.sendError(w, "Attempt not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(session)
}

func (s *Server) sendSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrUnknownAttempt):
		s.sendError(w, "Attempt not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrInvalidTransition):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		s.sendError(w, "Operation failed", http.StatusInternalServerError)
	}
}

// handleAlertAction serves POST /api/alerts/{id}/resolve. Resolving an
// already-resolved alert reports success so two supervisors racing on
// the same alert both get a clean outcome.
func (s *Server) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	parts := strings.Split(path, "/")
	alertID := parts[0]
	if alertID == "" {
		s.sendError(w, "Alert ID required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost || len(parts) < 2 || parts[1] != "resolve" {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ResolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		s.sendError(w, "resolved_by is required", http.StatusBadRequest)
		return
	}

	alert, err := s.classifier.Resolve(r.Context(), alertID, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrAlreadyResolved):
			json.NewEncoder(w).Encode(ResolveAlertResponse{Alert: alert, AlreadyResolved: true})
		case errors.Is(err, interfaces.ErrUnknownAlert):
			s.sendError(w, "Alert not found", http.StatusNotFound)
		default:
			s.sendError(w, "Failed to resolve alert", http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(ResolveAlertResponse{Alert: alert})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.dbManager.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, types.ErrInvalidExamTitle),
		errors.Is(err, types.ErrInvalidCreatedBy),
		errors.Is(err, types.ErrInvalidDuration),
		errors.Is(err, types.ErrInvalidQuestionCount):
		return true
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
