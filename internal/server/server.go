// Package server exposes the state manager over HTTP: a JSON API whose
// mutating routes call only manager mutators, a websocket that pushes a full
// snapshot after every change, plus /health and /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rewired-gh/kairos/internal/config"
	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/metrics"
	"github.com/rewired-gh/kairos/internal/models"
)

// Analyzer starts an analysis run for a module.
type Analyzer interface {
	Analyze(ctx context.Context, module models.Module) (ksm.Proposal, error)
}

// CycleRunner runs one autonomous cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (models.CycleReport, error)
}

// KnowledgeBase is the store of learned rules and intelligence notes.
type KnowledgeBase interface {
	FetchRules(ctx context.Context) ([]string, error)
	AddRule(ctx context.Context, content string) error
	FetchIntelligence(ctx context.Context) ([]models.Intelligence, error)
	SaveIntelligence(ctx context.Context, in models.Intelligence) error
}

// Options configures optional collaborators. Nil collaborators disable
// their routes.
type Options struct {
	Analyzer    Analyzer
	Cycles      CycleRunner
	Knowledge   KnowledgeBase
	Metrics     *metrics.Metrics
	WSBuffer    int
	WaitTimeout time.Duration   // budget for requests that wait on an analysis or cycle
	BaseContext context.Context // parent of background work started by requests
}

// Server holds the HTTP handlers.
type Server struct {
	mgr      *ksm.Manager
	opts     Options
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds the route table.
func New(mgr *ksm.Manager, opts Options) *Server {
	if opts.WSBuffer < 1 {
		opts.WSBuffer = 16
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	s := &Server{
		mgr:  mgr,
		opts: opts,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}

	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/activity", s.handleActivity)
	s.mux.HandleFunc("DELETE /api/activity", s.handleResetActivity)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("POST /api/state", s.handleSetState)
	s.mux.HandleFunc("POST /api/sport", s.handleSetSport)
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /api/tickets", s.handleUpsertTicket)
	s.mux.HandleFunc("GET /api/tickets/{id}", s.handleGetTicket)
	s.mux.HandleFunc("POST /api/tickets/{id}/status", s.handleTicketStatus)
	s.mux.HandleFunc("GET /api/pending", s.handlePending)
	s.mux.HandleFunc("POST /api/pending", s.handleConfirmPending)
	s.mux.HandleFunc("DELETE /api/pending", s.handleCancelPending)
	if s.opts.Analyzer != nil {
		s.mux.HandleFunc("POST /api/analysis", s.handleAnalysis)
	}
	if s.opts.Cycles != nil {
		s.mux.HandleFunc("POST /api/autonomous", s.handleAutonomous)
	}
	if s.opts.Knowledge != nil {
		s.mux.HandleFunc("GET /api/rules", s.handleRules)
		s.mux.HandleFunc("POST /api/rules", s.handleAddRule)
		s.mux.HandleFunc("GET /api/intelligence", s.handleIntelligence)
		s.mux.HandleFunc("POST /api/intelligence", s.handleSaveIntelligence)
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.GetHistory())
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		writeJSON(w, http.StatusOK, s.mgr.ActivitySince(seq))
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.GetActivityLog())
}

func (s *Server) handleResetActivity(w http.ResponseWriter, _ *http.Request) {
	s.mgr.ResetActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.GetStats())
}

type stateView struct {
	State models.SystemState `json:"state"`
	Sport models.Module      `json:"sport"`
}

func (s *Server) currentState() stateView {
	return stateView{State: s.mgr.GetSystemState(), Sport: s.mgr.GetCurrentSport()}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentState())
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State models.SystemState `json:"state"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+string(req.State))
		return
	}
	s.mgr.SetSystemState(req.State)
	view := s.currentState()
	if view.State != req.State {
		writeJSON(w, http.StatusConflict, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetSport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sport string `json:"sport"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.mgr.SetCurrentSport(models.ParseModule(req.Sport))
	writeJSON(w, http.StatusOK, s.currentState())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Snapshot())
}

func (s *Server) handleUpsertTicket(w http.ResponseWriter, r *http.Request) {
	var t models.Ticket
	if err := decodeBody(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	if t.Module == "" {
		t.Module = models.ModuleNone
	}
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	s.mgr.UpdateTicket(t)
	got, _ := s.mgr.GetTicket(t.ID)
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, ok := s.mgr.GetTicket(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.mgr.GetTicket(id); !ok {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	s.mgr.UpdateTicketStatus(id, status)
	t, _ := s.mgr.GetTicket(id)
	if t.Status != status {
		writeJSON(w, http.StatusConflict, t)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.mgr.Pending()
	if !ok {
		writeError(w, http.StatusNotFound, "no pending proposal")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleConfirmPending(w http.ResponseWriter, _ *http.Request) {
	n, ok := s.mgr.ConfirmPending()
	if !ok {
		writeError(w, http.StatusNotFound, "no pending proposal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": n})
}

func (s *Server) handleCancelPending(w http.ResponseWriter, _ *http.Request) {
	if !s.mgr.CancelPending() {
		writeError(w, http.StatusNotFound, "no pending proposal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func wantsWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

// waitContext lifts the server write timeout for a request that blocks on a
// Gemini call and bounds the call by WaitTimeout instead. The write deadline
// gets a few extra seconds so a timeout error can still be sent.
func (s *Server) waitContext(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(s.opts.WaitTimeout)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline.Add(5 * time.Second)); err != nil {
		logger.Debug("Write deadline not extended: %v", err)
	}
	return context.WithDeadline(r.Context(), deadline)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Module string `json:"module"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	module := models.ParseModule(req.Module)
	if module == models.ModuleNone {
		writeError(w, http.StatusBadRequest, "module is required")
		return
	}
	switch s.mgr.GetSystemState() {
	case models.StateStandby, models.StateAnalysisReady:
	default:
		writeJSON(w, http.StatusConflict, s.currentState())
		return
	}

	if wantsWait(r) {
		ctx, cancel := s.waitContext(w, r)
		defer cancel()
		p, err := s.opts.Analyzer.Analyze(ctx, module)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	go func() {
		if _, err := s.opts.Analyzer.Analyze(s.opts.BaseContext, module); err != nil {
			logger.Warn("Background analysis for %s: %v", module, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"module": string(module)})
}

func (s *Server) handleAutonomous(w http.ResponseWriter, r *http.Request) {
	if s.mgr.GetSystemState() != models.StateStandby {
		writeJSON(w, http.StatusConflict, s.currentState())
		return
	}

	if wantsWait(r) {
		ctx, cancel := s.waitContext(w, r)
		defer cancel()
		report, err := s.opts.Cycles.RunCycle(ctx)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	go func() {
		if _, err := s.opts.Cycles.RunCycle(s.opts.BaseContext); err != nil {
			logger.Warn("Background autonomous cycle: %v", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.opts.Knowledge.FetchRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.opts.Knowledge.AddRule(r.Context(), req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mgr.LogActivity(models.SourceSystem, "Rule learned: "+req.Content, models.SeverityLow)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleIntelligence(w http.ResponseWriter, r *http.Request) {
	notes, err := s.opts.Knowledge.FetchIntelligence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleSaveIntelligence(w http.ResponseWriter, r *http.Request) {
	var in models.Intelligence
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if err := s.opts.Knowledge.SaveIntelligence(r.Context(), in); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, in)
}
