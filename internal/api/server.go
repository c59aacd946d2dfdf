package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rebvpn/rebnode/internal/control"
	"github.com/rebvpn/rebnode/internal/updater"
	"github.com/rebvpn/rebnode/internal/xray"
)

// Server exposes the control service over HTTP/JSON. The session
// endpoint is a server-sent-events stream; everything else is plain
// request/response.
type Server struct {
	control *control.Service
	apiKey  string
	logger  *slog.Logger
	server  *http.Server

	// sessionLimiter throttles connect attempts so a reconnect storm
	// cannot spin the liveness-probe machinery.
	sessionLimiter *rate.Limiter

	mu      sync.Mutex
	streams map[int]*control.LogStream
	nextID  int
}

// NewServer creates an API server backed by the given control service.
// apiKey, when non-empty, is required as a bearer token.
func NewServer(svc *control.Service, apiKey string) *Server {
	s := &Server{
		control:        svc,
		apiKey:         apiKey,
		logger:         slog.With("component", "api"),
		sessionLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		streams:        make(map[int]*control.LogStream),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", s.session)
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("GET /v1/version", s.version)
	mux.HandleFunc("POST /v1/start", s.start)
	mux.HandleFunc("POST /v1/stop", s.stop)
	mux.HandleFunc("POST /v1/restart", s.restart)
	mux.HandleFunc("POST /v1/logs", s.openLogs)
	mux.HandleFunc("DELETE /v1/logs/{id}", s.closeLogs)
	mux.HandleFunc("POST /v1/core/update", s.updateCore)
	mux.HandleFunc("POST /v1/geo/update", s.updateGeo)

	s.server = &http.Server{Handler: s.auth(mux)}
	return s
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown stops outstanding log streams and shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[int]*control.LogStream)
	s.mu.Unlock()

	for _, stream := range streams {
		stream.Stop()
	}

	return s.server.Shutdown(ctx)
}

// auth requires the configured bearer token on every request.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session is the controller's long-lived channel. Connecting runs
// session-guard arbitration; a rejected controller sees the connection
// close with 409. Lifecycle events and batched logs are pushed as SSE
// events until either side goes away.
func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	if !s.sessionLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many connection attempts"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ch := newSSEChannel(r.Context(), r.RemoteAddr)
	if err := s.control.Connect(r.Context(), ch); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	defer s.control.Disconnect(ch)
	defer ch.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, flusher, event{kind: "hello", data: ch.Peer()}); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch.Done():
			return
		case ev := <-ch.events:
			if err := writeEvent(w, flusher, ev); err != nil {
				s.logger.Debug("session write failed", "peer", ch.Peer(), "error", err)
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.kind); err != nil {
		return err
	}
	// SSE data lines must not contain raw newlines
	for _, line := range splitLines(ev.data) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
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
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Status())
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	v, err := s.control.Version()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.control.Start(req.Config); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.control.Restart(req.Config); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// maxLogIntervalMS caps the batching window a controller may request.
const maxLogIntervalMS = 10_000

// openLogs creates a log stream pushing batched output onto the current
// session channel. The returned id stops it via DELETE /v1/logs/{id}.
func (s *Server) openLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalMS int `json:"interval_ms"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.IntervalMS < 0 || req.IntervalMS > maxLogIntervalMS {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("interval_ms must be between 0 and %d", maxLogIntervalMS),
		})
		return
	}

	session := s.control.Session()
	if session == nil {
		s.writeError(w, control.ErrNoSession)
		return
	}
	ch, ok := session.(*sseChannel)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unexpected session type"})
		return
	}

	stream := s.control.FetchLogs(func(chunk string) {
		if err := ch.PushLogs(chunk); err != nil {
			s.logger.Debug("log push failed", "peer", ch.Peer(), "error", err)
		}
	}, time.Duration(req.IntervalMS)*time.Millisecond)

	if stream == nil {
		s.writeError(w, xray.ErrNotRunning)
		return
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.streams[id] = stream
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"id": id})
}

func (s *Server) closeLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid stream id"})
		return
	}

	s.mu.Lock()
	stream, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such log stream"})
		return
	}

	stream.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) updateCore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version is required"})
		return
	}

	detail, err := s.control.UpdateCore(r.Context(), req.Version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": detail})
}

func (s *Server) updateGeo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []updater.AssetFile `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	saved, err := s.control.UpdateGeo(r.Context(), req.Files)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detail": fmt.Sprintf("%d assets saved", len(saved)),
		"saved":  saved,
	})
}

// writeError maps the control-plane error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		configErr     *xray.ConfigError
		validationErr *updater.ValidationError
		downloadErr   *updater.DownloadError
		installErr    *updater.InstallError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &configErr),
		errors.As(err, &validationErr),
		errors.Is(err, updater.ErrUnsupportedPlatform):
		status = http.StatusBadRequest
	case errors.Is(err, control.ErrNoSession), errors.Is(err, xray.ErrNotRunning):
		status = http.StatusConflict
	case errors.As(err, &downloadErr):
		status = http.StatusBadGateway
	case errors.As(err, &installErr):
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
