// Package server is the UI boundary of the daemon: a local WebSocket bridge
// that streams pipeline events to attached clients and accepts control
// commands from them, plus the HTTP surface (health probes and Prometheus
// metrics) on the same listener.
//
// The server implements [router.Sink], so it can be handed directly to the
// pipeline (optionally behind an [archive.Tee]). Events are fanned out to
// every connected client; a client that cannot keep up has events dropped
// rather than stalling the pipeline.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interviewlift/liftd/internal/health"
	"github.com/interviewlift/liftd/internal/observe"
	"github.com/interviewlift/liftd/internal/router"
	"github.com/interviewlift/liftd/pkg/provider/llm"
)

// sendBuffer is the per-client outbound event queue. When it fills, further
// events to that client are dropped.
const sendBuffer = 64

// writeTimeout bounds a single WebSocket write so one dead TCP connection
// cannot wedge a client's writer goroutine indefinitely.
const writeTimeout = 5 * time.Second

// Controller is the subset of [router.Router] the server drives. Narrowed to
// an interface so tests can observe commands without a real pipeline.
type Controller interface {
	Start() error
	Stop(fullReset bool) error
	ClearHistory()
	SetJobContext(raw string) (string, error)
	AnalyzeImages(ctx context.Context, images []llm.ImageData) error
	Running() bool
}

// Event is the outbound JSON envelope. Type selects which of the optional
// fields are populated.
type Event struct {
	Type string `json:"type"`

	// recording-status
	Status string `json:"status,omitempty"`

	// transcription-update
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// suggestion-update
	Content      string `json:"content,omitempty"`
	Provider     string `json:"provider,omitempty"`
	IsStreaming  bool   `json:"isStreaming,omitempty"`
	IsFirstChunk bool   `json:"isFirstChunk,omitempty"`
	IsComplete   bool   `json:"isComplete,omitempty"`
	ResponseID   uint64 `json:"responseId,omitempty"`

	// error / command-ack
	Component string `json:"component,omitempty"`
	Message   string `json:"message,omitempty"`
	Command   string `json:"command,omitempty"`
	OK        bool   `json:"ok,omitempty"`

	// command-ack for set-context: the sanitized value actually applied.
	JobContext string `json:"jobContext,omitempty"`
}

// Command is the inbound JSON message from a client.
type Command struct {
	Command   string `json:"command"`
	JobRole   string `json:"jobRole,omitempty"`
	KeySkills string `json:"keySkills,omitempty"`

	// analyze-screenshot: base64-encoded image payload.
	Image    string `json:"image,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Config wires a Server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8790".
	Addr string

	// Controller drives the pipeline in response to client commands.
	Controller Controller

	// Checkers back the /readyz probe.
	Checkers []health.Checker

	// Metrics, when non-nil, tracks connected clients and HTTP timing.
	Metrics *observe.Metrics

	// Log defaults to slog.Default.
	Log *slog.Logger
}

// Server fans pipeline events out to WebSocket clients and serves the HTTP
// control surface.
type Server struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

var _ router.Sink = (*Server)(nil)

type client struct {
	id     uuid.UUID
	send   chan Event
	closed chan struct{}
}

// New builds a Server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server: nil controller")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8790"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Log,
		clients: make(map[uuid.UUID]*client),
	}, nil
}

// ─── router.Sink ───

// OnStatus broadcasts a recording-status event.
func (s *Server) OnStatus(status router.Status) {
	s.broadcast(Event{Type: "recording-status", Status: string(status)})
}

// OnTranscript broadcasts a transcription-update event.
func (s *Server) OnTranscript(u router.TranscriptUpdate) {
	s.broadcast(Event{Type: "transcription-update", Text: u.Text, IsFinal: u.IsFinal})
}

// OnSuggestion broadcasts a suggestion-update event.
func (s *Server) OnSuggestion(u router.SuggestionUpdate) {
	s.broadcast(Event{
		Type:         "suggestion-update",
		Content:      u.Content,
		Provider:     u.Provider,
		IsStreaming:  u.IsStreaming,
		IsFirstChunk: u.IsFirstChunk,
		IsComplete:   u.IsComplete,
		ResponseID:   u.ResponseID,
	})
}

// OnError broadcasts a pipeline error event.
func (s *Server) OnError(component string, err error) {
	s.broadcast(Event{Type: "error", Component: component, Message: err.Error()})
}

// broadcast queues ev on every connected client without blocking. Clients
// with a full queue miss the event.
func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.log.Warn("dropping event for slow client",
				"client", c.id, "type", ev.Type)
		}
	}
}

// ClientCount returns the number of attached WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ─── HTTP surface ───

// Handler builds the full HTTP mux: /ws (WebSocket bridge), /healthz,
// /readyz, and /metrics, wrapped in the telemetry middleware when metrics
// are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	health.New(s.cfg.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.cfg.Metrics != nil {
		return observe.Middleware(s.cfg.Metrics)(mux)
	}
	return mux
}

// Run serves the HTTP surface until ctx is cancelled, then drains with a
// short shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errC := make(chan error, 1)
	go func() {
		errC <- srv.ListenAndServe()
	}()

	s.log.Info("control server listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ─── WebSocket bridge ───

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The daemon binds to loopback; the attached UI is a local app, so
		// browser same-origin rules do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.New(),
		send:   make(chan Event, sendBuffer),
		closed: make(chan struct{}),
	}
	s.addClient(c)
	defer s.removeClient(c)

	s.log.Info("client attached", "client", c.id)
	defer s.log.Info("client detached", "client", c.id)

	ctx := r.Context()
	go s.writeLoop(ctx, conn, c)
	s.readLoop(ctx, conn, c)

	conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedClients.Add(context.Background(), 1)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.closed)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedClients.Add(context.Background(), -1)
	}
}

// writeLoop pumps queued events to the connection until the client is gone.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case ev := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop decodes and executes client commands until the connection drops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		s.execute(cmd, c)
	}
}

// execute runs one client command against the controller and queues an ack.
func (s *Server) execute(cmd Command, c *client) {
	ack := Event{Type: "command-ack", Command: cmd.Command, OK: true}

	switch cmd.Command {
	case "start":
		if err := s.cfg.Controller.Start(); err != nil {
			ack.OK = false
			ack.Message = err.Error()
		}
	case "stop":
		if err := s.cfg.Controller.Stop(false); err != nil {
			ack.OK = false
			ack.Message = err.Error()
		}
	case "reset-full":
		if err := s.cfg.Controller.Stop(true); err != nil {
			ack.OK = false
			ack.Message = err.Error()
		}
	case "clear-history":
		s.cfg.Controller.ClearHistory()
	case "analyze-screenshot":
		if err := s.analyzeScreenshot(cmd); err != nil {
			ack.OK = false
			ack.Message = err.Error()
		}
	case "set-context":
		applied, err := s.cfg.Controller.SetJobContext(joinContext(cmd.JobRole, cmd.KeySkills))
		if err != nil {
			ack.OK = false
			ack.Message = err.Error()
		} else {
			ack.JobContext = applied
		}
	default:
		ack.OK = false
		ack.Message = "unknown command: " + cmd.Command
	}

	select {
	case c.send <- ack:
	default:
	}
}

// analyzeScreenshot decodes the command's image payload and hands it to the
// pipeline. The resulting suggestion arrives asynchronously as a regular
// suggestion-update event; the ack only confirms the request was accepted.
func (s *Server) analyzeScreenshot(cmd Command) error {
	if cmd.Image == "" {
		return errors.New("analyze-screenshot: empty image")
	}
	data, err := base64.StdEncoding.DecodeString(cmd.Image)
	if err != nil {
		return fmt.Errorf("analyze-screenshot: decode image: %w", err)
	}
	mime := cmd.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	go func() {
		img := []llm.ImageData{{MIMEType: mime, Data: data}}
		if err := s.cfg.Controller.AnalyzeImages(context.Background(), img); err != nil {
			s.log.Warn("screenshot analysis failed", "error", err)
		}
	}()
	return nil
}

// joinContext merges the role and skills fields into the single job context
// string the session layer validates and truncates.
func joinContext(jobRole, keySkills string) string {
	switch {
	case jobRole == "":
		return keySkills
	case keySkills == "":
		return jobRole
	default:
		return jobRole + ", " + keySkills
	}
}
