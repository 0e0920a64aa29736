// Package httpapi serves health, metrics and read-only JSON views of the
// boards and mailboxes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/agentid"
	"github.com/dyluth/burrow/pkg/atomicstore"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/mailbox"
)

// TaskReader is the observation side of the board.
type TaskReader interface {
	GetAllTasks(ctx context.Context, kind board.Kind) ([]board.Task, error)
	Get(ctx context.Context, taskID string) (*board.Task, board.Kind, error)
}

// MailboxReader is the observation side of the mailbox.
type MailboxReader interface {
	Peek(ctx context.Context, agentID string) ([]mailbox.Message, error)
	Outbox(ctx context.Context, agentID string) ([]mailbox.Message, error)
}

// Server exposes the HTTP surface.
type Server struct {
	tasks   TaskReader
	mail    MailboxReader
	metrics http.Handler
	logger  *log.Logger

	addr   string
	server *http.Server
	ln     net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMailbox enables the /mailbox routes.
func WithMailbox(mail MailboxReader) Option {
	return func(s *Server) { s.mail = mail }
}

// WithLogger sets the server's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server that will listen on addr.
func New(addr string, tasks TaskReader, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "http")
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Get("/{board}/{id}", s.getBoardTask)
	})
	if s.mail != nil {
		r.Route("/mailbox/{agent}", func(r chi.Router) {
			r.Get("/", s.peek)
			r.Get("/outbox", s.outbox)
		})
	}
	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("http server starting", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the JSON body of GET /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Boards map[string]string `json:"boards"`
	Error  string            `json:"error,omitempty"`
}

// healthz reports 200 when every board file is readable and valid, 503
// otherwise.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Boards: make(map[string]string, len(board.Kinds))}
	var errs []error
	for _, kind := range board.Kinds {
		if _, err := s.tasks.GetAllTasks(ctx, kind); err != nil {
			resp.Boards[string(kind)] = "unreadable"
			errs = append(errs, err)
			continue
		}
		resp.Boards[string(kind)] = "ok"
	}

	code := http.StatusOK
	if len(errs) > 0 {
		resp.Status = "unhealthy"
		resp.Error = errors.Join(errs...).Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// TaskListResponse is the JSON body of GET /tasks. Board is empty when
// every board was listed.
type TaskListResponse struct {
	Board string       `json:"board,omitempty"`
	Count int          `json:"count"`
	Tasks []board.Task `json:"tasks"`
}

// listTasks serves GET /tasks?board=&status=. Without a board, tasks from
// every board are returned in backlog, working, archive order.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	kinds := board.Kinds
	if name := query.Get("board"); name != "" {
		kind := board.Kind(name)
		if err := kind.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = []board.Kind{kind}
	}

	var want board.Status
	if status := query.Get("status"); status != "" {
		want = board.Status(status)
		if err := want.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	tasks := []board.Task{}
	for _, kind := range kinds {
		onBoard, err := s.tasks.GetAllTasks(r.Context(), kind)
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, t := range onBoard {
			if want == "" || t.Status == want {
				tasks = append(tasks, t)
			}
		}
	}

	resp := TaskListResponse{Count: len(tasks), Tasks: tasks}
	if len(kinds) == 1 {
		resp.Board = string(kinds[0])
	}
	writeJSON(w, http.StatusOK, resp)
}

// getTask serves one task from whichever board holds it.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, found, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if board.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.fail(w, err)
		return
	}
	w.Header().Set("X-Burrow-Board", string(found))
	writeJSON(w, http.StatusOK, task)
}

// getBoardTask serves one task only if it is on the named board.
func (s *Server) getBoardTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind := board.Kind(chi.URLParam(r, "board"))
	if err := kind.Validate(); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	tasks, err := s.tasks.GetAllTasks(r.Context(), kind)
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, t := range tasks {
		if t.ID == id {
			w.Header().Set("X-Burrow-Board", string(kind))
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

// MailboxResponse is the JSON body of the mailbox routes.
type MailboxResponse struct {
	Agent    string            `json:"agent"`
	Count    int               `json:"count"`
	Messages []mailbox.Message `json:"messages"`
}

func (s *Server) peek(w http.ResponseWriter, r *http.Request) {
	s.serveMailbox(w, r, s.mail.Peek)
}

func (s *Server) outbox(w http.ResponseWriter, r *http.Request) {
	s.serveMailbox(w, r, s.mail.Outbox)
}

func (s *Server) serveMailbox(w http.ResponseWriter, r *http.Request, read func(context.Context, string) ([]mailbox.Message, error)) {
	agent := chi.URLParam(r, "agent")
	if err := agentid.Validate(agent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := read(r.Context(), agent)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MailboxResponse{Agent: agent, Count: len(msgs), Messages: msgs})
}

// fail maps store errors to status codes. A corrupt file is a 500 with the
// cause; anything else is logged and reported generically.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if atomicstore.IsCorrupt(err) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Error("request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requestLogger logs each request at debug level.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
