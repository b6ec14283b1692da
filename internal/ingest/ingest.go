// Package ingest is the thin HTTP endpoint POS-side agents post status
// snapshots to. It persists the terminal's last-known state and hands
// alert-bearing snapshots to the admission engine without ever blocking
// the agent on notification work.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

type Config struct {
	Addr string
}

// Admitter is the admission engine's produced interface.
type Admitter interface {
	AdmitAlert(ctx context.Context, clientINN, terminalKey string, sev alert.Severity, alerts []alert.Alert, shopNumber, posNumber int) error
}

// StateStore persists the last-known snapshot per terminal.
type StateStore interface {
	UpsertTerminalState(ctx context.Context, t store.TerminalState) error
}

type Server struct {
	cfg      Config
	admitter Admitter
	st       StateStore
	log      logx.Logger

	srv *http.Server
}

// snapshot is the agent-facing payload. Severity classification happens
// on the agent; the backend only consumes its output.
type snapshot struct {
	INN        string        `json:"inn"`
	ShopNumber int           `json:"shop_number"`
	POSNumber  int           `json:"pos_number"`
	Severity   string        `json:"severity"`
	Alerts     []alert.Alert `json:"alerts"`
}

func NewServer(cfg Config, admitter Admitter, st StateStore, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, admitter: admitter, st: st, log: log.With(logx.String("comp", "ingest"))}

	r := chi.NewRouter()
	r.Post("/api/v1/snapshot", s.handleSnapshot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()
	go func() {
		s.log.Info("listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ingest server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if snap.INN == "" || snap.ShopNumber <= 0 || snap.POSNumber <= 0 {
		http.Error(w, "inn, shop_number and pos_number are required", http.StatusBadRequest)
		return
	}
	sev, err := alert.Parse(snap.Severity)
	if err != nil {
		http.Error(w, "unknown severity", http.StatusBadRequest)
		return
	}

	eventID := uuid.NewString()
	terminalKey := alert.TerminalKey(snap.INN, snap.ShopNumber, snap.POSNumber)
	log := s.log.With(logx.String("event_id", eventID), logx.String("terminal", terminalKey))

	if err := s.st.UpsertTerminalState(r.Context(), store.TerminalState{
		TerminalKey: terminalKey,
		ClientINN:   snap.INN,
		ShopNumber:  snap.ShopNumber,
		POSNumber:   snap.POSNumber,
		Severity:    sev,
		AlertCount:  len(snap.Alerts),
		ReceivedAt:  time.Now(),
	}); err != nil {
		log.Error("persisting terminal state failed", logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	// Admission runs detached: the agent is acknowledged regardless of
	// notification outcomes. Only alert-bearing, non-trivial snapshots
	// reach the engine.
	if sev.Rank() > alert.SeverityInfo.Rank() && len(snap.Alerts) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.admitter.AdmitAlert(ctx, snap.INN, terminalKey, sev, snap.Alerts, snap.ShopNumber, snap.POSNumber); err != nil {
				log.Error("admission failed", logx.Err(err))
			}
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"event_id": eventID})
}
