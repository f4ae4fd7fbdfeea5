// Package ssetest provides an in-process transaction API that replays
// scripted stream payloads. It backs transport and session tests and the
// demo mode of the binary.
package ssetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/stream"
	"github.com/BuddyLim/smartfi/pkg/upstream"
)

// Script describes what a new job streams.
type Script struct {
	// Payloads are sent as message events in order. A payload holding
	// newlines is sent as several data lines.
	Payloads []string

	// Interval is the pause before each payload.
	Interval time.Duration

	// OmitDone ends the stream without the done message.
	OmitDone bool
}

// Server replays scripts over the routes of the transaction API.
type Server struct {
	router *mux.Router

	mu           sync.Mutex
	script       Script
	jobs         map[string]Script
	created      []upstream.CreateRequest
	transactions map[int64][]ledger.Record
}

// NewServer creates a server whose created jobs replay script.
func NewServer(script Script) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		script:       script,
		jobs:         make(map[string]Script),
		transactions: make(map[int64][]ledger.Record),
	}
	s.router.HandleFunc(upstream.CreateByTextPath, s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/transaction/stream/{job_id}", s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc(upstream.TransactionsPath, s.handleTransactions).Methods(http.MethodPost)
	return s
}

// Start serves s on a loopback httptest server.
func Start(script Script) (*Server, *httptest.Server) {
	s := NewServer(script)
	return s, httptest.NewServer(s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddJob registers a job replaying script and returns its id.
func (s *Server) AddJob(script Script) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.jobs[id] = script
	s.mu.Unlock()
	return id
}

// SetTransactions sets the steady-state list served for userID.
func (s *Server) SetTransactions(userID int64, recs []ledger.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[userID] = append([]ledger.Record(nil), recs...)
}

// Created returns the creation requests received so far.
func (s *Server) Created() []upstream.CreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upstream.CreateRequest(nil), s.created...)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req upstream.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.created = append(s.created, req)
	script := s.script
	s.mu.Unlock()

	writeJSON(w, upstream.CreateResponse{JobID: s.AddJob(script)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	s.mu.Lock()
	script, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, payload := range script.Payloads {
		if script.Interval > 0 {
			select {
			case <-time.After(script.Interval):
			case <-r.Context().Done():
				return
			}
		}
		writeEvent(w, payload)
		flusher.Flush()
	}
	if !script.OmitDone {
		writeEvent(w, stream.DoneSignal)
		flusher.Flush()
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	var req upstream.ListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	recs := s.transactions[req.UserID]
	s.mu.Unlock()
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, recs)
}

func writeEvent(w http.ResponseWriter, payload string) {
	fmt.Fprint(w, "event: message\n")
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
