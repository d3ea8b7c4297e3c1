// Package diagnostics exposes a read-only HTTP status and log-tail
// surface alongside the host protocol port, the way the teacher repo's
// server package exposes SOL session status over gorilla/mux and SSE.
// Nothing here participates in the session protocol itself (spec.md §1
// lists the network stack as an external collaborator and says nothing
// about a diagnostics surface); it is purely observational.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	logrus "github.com/sirupsen/logrus"

	"github.com/m-labs/artiq-coredevice-session/congress"
	"github.com/m-labs/artiq-coredevice-session/corelog"
)

type Server struct {
	congress *congress.Congress
	logger   *corelog.Logger
	version  string
}

func New(cong *congress.Congress, logger *corelog.Logger, version string) *Server {
	return &Server{congress: cong, logger: logger, version: version}
}

// Run binds and serves the diagnostics HTTP API on port until ctx is
// done, at which point it shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/log", s.handleLog).Methods(http.MethodGet)
	r.HandleFunc("/api/log/stream", s.handleLogStream).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type statusResponse struct {
	Version     string `json:"version"`
	Now         uint64 `json:"now"`
	TraceToUART bool   `json:"trace_to_uart"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:     s.version,
		Now:         s.congress.Now(),
		TraceToUART: s.logger.TraceToUART(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.logger.Extract()))
}

// handleLogStream tails the buffered log over server-sent events,
// polling for new content the way the teacher repo's SSE handler polls
// SOL session output rather than subscribing to a push feed.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	last := s.logger.Extract()
	writeSSE(w, last)
	flusher.Flush()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			current := s.logger.Extract()
			if current == last {
				continue
			}
			last = current
			writeSSE(w, last)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, data string) {
	for _, line := range splitLines(data) {
		if _, err := w.Write([]byte("data: " + line + "\n")); err != nil {
			logrus.Debugf("sse write error: %v", err)
			return
		}
	}
	_, _ = w.Write([]byte("\n"))
}

func splitLines(s string) []string {
	if s == "" {
		return []string{""}
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
