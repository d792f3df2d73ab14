package webui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/runner"
	"github.com/harunnryd/dialtone/pkg/view"
)

// Phone is the command surface the panel drives. The engine facade
// implements it; the panel holds no call state of its own.
type Phone interface {
	Register(ctx context.Context) error
	Dial(ctx context.Context, number string) error
	Hangup(ctx context.Context) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	SendDigits(ctx context.Context, digits string) error
	ToggleMute(ctx context.Context) (bool, error)
	DialpadValue() string
	DialpadAppend(s string) string
	DialpadBackspace() string
	DialpadClear()
	Model() view.Model
	Updates() <-chan view.Model
	RunnerState() runner.State
}

type Config struct {
	Addr string
}

// Server exposes the phone over HTTP: a dial-pad page, a JSON command
// API, and a websocket that pushes every recomputed render model.
type Server struct {
	phone    Phone
	cfg      Config
	logger   *slog.Logger
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(phone Phone, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		phone:  phone,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel binds loopback by default.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/dial", s.handleDial).Methods(http.MethodPost)
	api.HandleFunc("/hangup", s.handleHangup).Methods(http.MethodPost)
	api.HandleFunc("/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/mute", s.handleMute).Methods(http.MethodPost)
	api.HandleFunc("/digits", s.handleDigits).Methods(http.MethodPost)
	api.HandleFunc("/dialpad/append", s.handleDialpadAppend).Methods(http.MethodPost)
	api.HandleFunc("/dialpad/backspace", s.handleDialpadBackspace).Methods(http.MethodPost)
	api.HandleFunc("/dialpad/clear", s.handleDialpadClear).Methods(http.MethodPost)
	return r
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.broadcast(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webui_server_error", "error", err.Error())
		}
	}()
	s.logger.Info("webui_listening", "addr", s.cfg.Addr)
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	for c := range s.clients {
		_ = c.close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// broadcast fans every render model out to the connected sockets.
func (s *Server) broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.phone.Updates():
			payload, err := json.Marshal(m)
			if err != nil {
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				c.enqueue(payload)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http_request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err.Error())
		return
	}
	c := &client{conn: conn, sendCh: make(chan []byte, 16)}
	go c.loop()

	payload, _ := json.Marshal(s.phone.Model())
	s.mu.Lock()
	s.clients[c] = struct{}{}
	c.enqueue(payload)
	s.mu.Unlock()

	// The panel never sends application data; reading just detects close.
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.remove(c)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.close()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": s.phone.RunnerState().String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.phone.Register(r.Context()))
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, errorsx.Wrap(err, errorsx.ReasonInvalidInput))
		return
	}
	s.command(w, s.phone.Dial(r.Context(), req.Number))
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.phone.Hangup(r.Context()))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.phone.Accept(r.Context()))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.phone.Reject(r.Context()))
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	_, err := s.phone.ToggleMute(r.Context())
	s.command(w, err)
}

func (s *Server) handleDigits(w http.ResponseWriter, r *http.Request) {
	var req digitsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, errorsx.Wrap(err, errorsx.ReasonInvalidInput))
		return
	}
	s.command(w, s.phone.SendDigits(r.Context(), req.Digits))
}

func (s *Server) handleDialpadAppend(w http.ResponseWriter, r *http.Request) {
	var req digitsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, errorsx.Wrap(err, errorsx.ReasonInvalidInput))
		return
	}
	s.phone.DialpadAppend(req.Digits)
	s.writeState(w)
}

func (s *Server) handleDialpadBackspace(w http.ResponseWriter, r *http.Request) {
	s.phone.DialpadBackspace()
	s.writeState(w)
}

func (s *Server) handleDialpadClear(w http.ResponseWriter, r *http.Request) {
	s.phone.DialpadClear()
	s.writeState(w)
}

type dialRequest struct {
	Number string `json:"number"`
}

type digitsRequest struct {
	Digits string `json:"digits"`
}

type stateResponse struct {
	Model   view.Model `json:"model"`
	Dialpad string     `json:"dialpad"`
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) command(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeState(w)
}

func (s *Server) writeState(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stateResponse{
		Model:   s.phone.Model(),
		Dialpad: s.phone.DialpadValue(),
	})
}

// writeError maps the session's error taxonomy onto HTTP: invalid input
// is the caller's fault, a declined command just lost a race with state.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errorsx.HasReason(err, errorsx.ReasonInvalidInput):
		status = http.StatusBadRequest
	case errorsx.Declined(err):
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.sendCh <- payload:
	default:
	}
}

func (c *client) loop() {
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *client) close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	return c.conn.Close()
}
