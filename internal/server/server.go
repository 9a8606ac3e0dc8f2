package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"preview-gate/internal/model"
	"preview-gate/internal/preview"
	"preview-gate/internal/worker"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Content is the reviewer-facing surface of the preview manager.
type Content interface {
	worker.StatusSource
	Submit(ctx context.Context, item model.ContentItem) (model.ContentItem, error)
	Approve(ctx context.Context, id, user string) (model.ContentItem, error)
	Reject(ctx context.Context, id, user, reason string) (model.ContentItem, error)
	Get(id string) (model.ContentItem, error)
}

// Automation is the scheduler loop as seen by the toggle endpoint.
type Automation interface {
	Start()
	Stop()
	Running() bool
}

type Server struct {
	content    Content
	automation Automation
	now        func() time.Time
	logger     *zap.Logger
	router     *mux.Router

	mu     sync.Mutex
	server *http.Server
	closed bool
}

func NewServer(content Content, automation Automation, logger *zap.Logger) *Server {
	s := &Server{
		content:    content,
		automation: automation,
		now:        time.Now,
		logger:     logger,
		router:     mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/previews", s.handlePreviews).Methods("GET")
	s.router.HandleFunc("/content", s.handleSubmit).Methods("POST")
	s.router.HandleFunc("/content/{id}", s.handleGet).Methods("GET")
	s.router.HandleFunc("/content/{id}/approve", s.handleApprove).Methods("POST")
	s.router.HandleFunc("/content/{id}/reject", s.handleReject).Methods("POST")

	s.router.HandleFunc("/system/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/system/toggle", s.handleToggle).Methods("POST")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start launches the HTTP server
func (s *Server) Start(port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Web server listening", zap.String("addr", port))
	return srv.ListenAndServe()
}

// Stop gracefully shuts down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type submitRequest struct {
	ID                 string            `json:"id"`
	ChannelID          string            `json:"channel_id"`
	Title              string            `json:"title"`
	Content            string            `json:"content"`
	Hashtags           []string          `json:"hashtags"`
	MediaFiles         map[string]string `json:"media_files"`
	MaxPublishAttempts int               `json:"max_publish_attempts"`
}

type decisionRequest struct {
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.automation.Running(),
	})
}

func (s *Server) handlePreviews(w http.ResponseWriter, r *http.Request) {
	items := s.content.Pending()
	if items == nil {
		items = []model.ContentItem{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.content.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	if req.ChannelID == "" || req.Title == "" {
		s.writeError(w, fmt.Errorf("%w: channel_id and title are required", preview.ErrInvalidItem))
		return
	}

	item := model.NewContentItem(req.ChannelID, req.Title, req.Content)
	item.CreatedAt = s.now()
	if req.ID != "" {
		item.ID = req.ID
	}
	item.Hashtags = req.Hashtags
	if req.MediaFiles != nil {
		item.MediaFiles = req.MediaFiles
	}
	item.MaxPublishAttempts = req.MaxPublishAttempts

	submitted, err := s.content.Submit(r.Context(), item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, submitted)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	item, err := s.content.Approve(r.Context(), mux.Vars(r)["id"], req.User)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	item, err := s.content.Reject(r.Context(), mux.Vars(r)["id"], req.User, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, worker.BuildStatus(s.automation.Running(), s.content, s.now()))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if s.automation.Running() {
		s.automation.Stop()
	} else {
		s.automation.Start()
	}
	running := s.automation.Running()
	s.logger.Info("Automation toggled", zap.Bool("running", running))
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

// decodeDecision accepts an empty body as "no user, no reason".
func (s *Server) decodeDecision(w http.ResponseWriter, r *http.Request) (decisionRequest, bool) {
	var req decisionRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var statusErr *preview.StatusError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &statusErr), errors.Is(err, preview.ErrAlreadyTracked):
		code = http.StatusConflict
	case errors.Is(err, preview.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, preview.ErrInvalidItem):
		code = http.StatusBadRequest
	default:
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}
