// Package web is the engine's human-facing dashboard: a read-mostly view
// over tickets, tasks, agents, phases, and system health, plus a small
// command surface (create ticket, register agent, cancel task) for a
// supervisor who doesn't want to script against engine.Engine directly.
// Embedded templates render an htmx-refreshed board, and a server-sent-
// events live feed is fed by the engine's eventbus.Bus.
package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rivergate/foreman/engine"
	"github.com/rivergate/foreman/eventbus"
)

//go:embed templates/*.html templates/partials/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server is the dashboard's HTTP server: template rendering, the SSE
// client registry, and the engine.Engine it reads and commands.
type Server struct {
	engine    *engine.Engine
	templates *template.Template
	logger    *slog.Logger
	httpSrv   *http.Server
	gatherer  prometheus.Gatherer

	sseClients map[chan string]bool
	sseMu      sync.RWMutex

	subCancel context.CancelFunc
}

// NewServer constructs a dashboard bound to eng. logger may be nil.
// gatherer, if non-nil, is scraped at GET /metrics (pass the same
// *prometheus.Registry given to engine.Config.Registerer).
func NewServer(eng *engine.Engine, logger *slog.Logger, gatherer prometheus.Gatherer) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(templatesFS,
		"templates/*.html", "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse dashboard templates: %w", err)
	}

	return &Server{
		engine:     eng,
		templates:  tmpl,
		logger:     logger,
		gatherer:   gatherer,
		sseClients: make(map[chan string]bool),
	}, nil
}

// Handler builds the dashboard's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleBoard)
	mux.HandleFunc("GET /tickets/{id}", s.handleTicketDetail)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /health", s.handleHealthPage)
	mux.HandleFunc("GET /wizard", s.handleWizard)
	mux.HandleFunc("POST /wizard", s.apiWizard)

	mux.HandleFunc("GET /partials/board", s.partialBoard)
	mux.HandleFunc("GET /partials/tickets/{id}", s.partialTicket)

	mux.HandleFunc("POST /api/tickets", s.apiCreateTicket)
	mux.HandleFunc("POST /api/agents", s.apiRegisterAgent)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.apiCancelTask)
	mux.HandleFunc("GET /api/health", s.apiHealthSnapshot)

	mux.HandleFunc("GET /events", s.handleSSE)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	staticSub, err := fs.Sub(staticFS, "static")
	if err == nil {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))
	}

	return mux
}

// Start begins serving on addr and forwards eventbus activity to SSE
// clients. It does not block.
func (s *Server) Start(addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.subCancel = cancel
	go s.forwardBusToClients(ctx)
	go s.sweepWizardSessions(ctx)

	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	ln := make(chan error, 1)
	go func() { ln <- s.httpSrv.ListenAndServe() }()
	select {
	case err := <-ln:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-time.After(100 * time.Millisecond):
	}
	s.logger.Info("dashboard listening", "addr", addr)
	return nil
}

// Stop shuts the HTTP server and event forwarder down.
func (s *Server) Stop(ctx context.Context) error {
	if s.subCancel != nil {
		s.subCancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// forwardBusToClients subscribes to every event type and rebroadcasts a
// terse "board-update"-style notice to SSE clients. The trigger is the
// Event Bus itself, so a change made through any path — CLI, orchestrator,
// guardian — reaches the browser, not just dashboard-originated requests.
func (s *Server) forwardBusToClients(ctx context.Context) {
	sub := s.engine.Bus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			s.broadcast(evt.EventType)
		}
	}
}

// sweepWizardSessions periodically drops abandoned wizard sessions so
// the in-memory map doesn't grow unbounded across a long-lived process.
func (s *Server) sweepWizardSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupWizardSessions()
		}
	}
}

func (s *Server) broadcast(msg string) {
	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("sse client too slow, dropping message", "message", msg)
		}
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("render template", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}

var titleCaser = cases.Title(language.English)

// templateFuncs returns the helpers the dashboard templates use for
// status display, markdown rendering, and guidance text casing.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"title": func(s string) string {
			return titleCaser.String(strings.ReplaceAll(s, "_", " "))
		},
		"markdown": func(src string) template.HTML {
			var buf strings.Builder
			if err := goldmark.Convert([]byte(src), &buf); err != nil {
				return template.HTML(template.HTMLEscapeString(src))
			}
			return template.HTML(buf.String())
		},
		"statusClass": func(status string) string {
			switch status {
			case "completed", "idle", "stable":
				return "status-good"
			case "blocked", "failed", "degraded", "stalled", "thrashing":
				return "status-bad"
			case "in_progress", "running", "busy", "accumulating":
				return "status-active"
			default:
				return "status-neutral"
			}
		},
		"eq": func(a, b any) bool { return a == b },
		"now": func() string { return time.Now().UTC().Format(time.RFC3339) },
	}
}

// EventTopics are the well-known dot-namespaced prefixes the dashboard's
// static JS would filter SSE notices by, listed here so the set has one
// authoritative source.
var EventTopics = []string{
	eventbus.TicketCreated, eventbus.TaskCompleted, eventbus.HealthAlertRaised,
}
