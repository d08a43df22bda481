// Package main - control.go
//
// Operator control: the command queue shared by the tray and the HTTP control
// server, and the HTTP server itself (go-chi).
//
// Endpoints:
//   GET  /status             state, pause reason and counters
//   GET  /history?n=20       last n transitions
//   GET  /encounters?n=20    last n stored encounters
//   POST /pause | /resume | /stop | /reload
//
// Commands never touch the state machine directly. They are queued and
// applied by the decision loop at the next tick boundary, which then answers
// on the command's reply channel. POST handlers wait for that answer so the
// HTTP status reflects what actually happened (409 when the command does not
// apply in the current state).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CommandKind is an operator command
type CommandKind int

const (
	CommandPause CommandKind = iota
	CommandResume
	CommandStop
	CommandReload
)

// String returns the string representation of the command
func (k CommandKind) String() string {
	switch k {
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandStop:
		return "stop"
	case CommandReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Command is one queued operator command.
type Command struct {
	Kind   CommandKind
	Source string
	reply  chan error
}

// NewCommand creates a command with a reply channel
func NewCommand(kind CommandKind, source string) Command {
	return Command{Kind: kind, Source: source, reply: make(chan error, 1)}
}

// Reason is the text recorded in the transition history
func (c Command) Reason() string {
	return c.Kind.String() + " requested via " + c.Source
}

// Done answers the command. Answering twice is a no-op.
func (c Command) Done(err error) {
	if c.reply == nil {
		return
	}
	select {
	case c.reply <- err:
	default:
	}
}

// Wait blocks until the command is answered or ctx is done
func (c Command) Wait(ctx context.Context) error {
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommandQueue carries commands to the decision loop.
type CommandQueue chan Command

// NewCommandQueue creates a queue
func NewCommandQueue() CommandQueue {
	return make(CommandQueue, 8)
}

// Send queues a command without blocking. Returns false when the queue is full.
func (q CommandQueue) Send(cmd Command) bool {
	select {
	case q <- cmd:
		return true
	default:
		LogWarn("Command queue full, dropping %s from %s", cmd.Kind, cmd.Source)
		return false
	}
}

// StatusSource is what the control surfaces read
type StatusSource interface {
	Status() MachineStatus
	History() []TransitionRecord
}

// EncounterLister lists stored encounters
type EncounterLister interface {
	Recent(n int) ([]EncounterRow, error)
}

// ControlServer serves the HTTP control API.
type ControlServer struct {
	status     StatusSource
	encounters EncounterLister
	commands   CommandQueue
	timeout    time.Duration
	router     chi.Router
	server     *http.Server
}

// NewControlServer creates the server; encounters may be nil
func NewControlServer(addr string, status StatusSource, encounters EncounterLister, commands CommandQueue) *ControlServer {
	s := &ControlServer{
		status:     status,
		encounters: encounters,
		commands:   commands,
		timeout:    5 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	r.Get("/encounters", s.handleEncounters)
	r.Post("/pause", s.handleCommand(CommandPause))
	r.Post("/resume", s.handleCommand(CommandResume))
	r.Post("/stop", s.handleCommand(CommandStop))
	r.Post("/reload", s.handleCommand(CommandReload))

	s.router = r
	s.server = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the router (used by tests)
func (s *ControlServer) Handler() http.Handler {
	return s.router
}

// Start serves in the background
func (s *ControlServer) Start() {
	SafeGo("control server", func() {
		LogInfo("Control server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LogError("Control server stopped: %v", err)
		}
	})
}

// Shutdown stops the server
func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		LogDebug("HTTP %s %s (%s) %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		LogWarn("Failed to write response: %v", err)
	}
}

// countParam reads ?n= with a default of 20
func countParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		return 20
	}
	return n
}

type statusResponse struct {
	State          string  `json:"state"`
	PauseReason    string  `json:"pause_reason,omitempty"`
	LastSeq        uint64  `json:"last_seq"`
	Battles        int     `json:"battles"`
	SkinsFound     int     `json:"skins_found"`
	FleesPerformed int     `json:"flees_performed"`
	Errors         int     `json:"errors"`
	SkinRate       float64 `json:"skin_rate"`
	Runtime        string  `json:"runtime"`
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		State:          st.State.String(),
		PauseReason:    st.PauseReason,
		LastSeq:        st.LastSeq,
		Battles:        st.Stats.Battles,
		SkinsFound:     st.Stats.SkinsFound,
		FleesPerformed: st.Stats.FleesPerformed,
		Errors:         st.Stats.Errors,
		SkinRate:       st.Stats.SkinRate(),
		Runtime:        FormatDuration(st.Stats.Runtime(time.Now())),
	})
}

type transitionResponse struct {
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
}

func (s *ControlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.status.History()
	if n := countParam(r); n < len(history) {
		history = history[len(history)-n:]
	}
	out := make([]transitionResponse, 0, len(history))
	for _, rec := range history {
		out = append(out, transitionResponse{At: rec.At, From: rec.From.String(), To: rec.To.String(), Reason: rec.Reason})
	}
	writeJSON(w, http.StatusOK, out)
}

type encounterResponse struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Creature     string    `json:"creature"`
	Outcome      string    `json:"outcome"`
	HashDistance *float64  `json:"hash_distance,omitempty"`
	SSIM         *float64  `json:"ssim,omitempty"`
	Errors       int       `json:"errors"`
	ArchivePath  string    `json:"archive_path,omitempty"`
}

func (s *ControlServer) handleEncounters(w http.ResponseWriter, r *http.Request) {
	if s.encounters == nil {
		http.Error(w, "encounter store disabled", http.StatusNotFound)
		return
	}
	rows, err := s.encounters.Recent(countParam(r))
	if err != nil {
		LogError("Failed to list encounters: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	out := make([]encounterResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, encounterResponse{
			SessionID:    row.SessionID,
			StartedAt:    row.StartedAt,
			EndedAt:      row.EndedAt,
			Creature:     row.Creature,
			Outcome:      row.Outcome.String(),
			HashDistance: row.HashDistance,
			SSIM:         row.SSIM,
			Errors:       row.Errors,
			ArchivePath:  row.ArchivePath,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *ControlServer) handleCommand(kind CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := NewCommand(kind, "http")
		if !s.commands.Send(cmd) {
			http.Error(w, "command queue full", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		err := cmd.Wait(ctx)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"command": kind.String(), "state": s.status.Status().State.String()})
		case errors.Is(err, ErrCommandRejected):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "command not applied in time", http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
