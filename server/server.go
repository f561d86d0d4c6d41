package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/pkg/ingest"
	"github.com/xhad/sift/pkg/retrieval"
)

// Ingester is the ingestion side of the API.
type Ingester interface {
	Submit(ctx context.Context, urls []string) ([]ingest.Submission, error)
	Lookup(ctx context.Context, url string) (ingest.Report, error)
}

// Querier answers questions.
type Querier interface {
	Query(ctx context.Context, query string) (retrieval.Result, error)
}

type Config struct {
	Addr string
	// QueryTimeout bounds one query, HTTP or WebSocket.
	QueryTimeout time.Duration
	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64
	Logger       *zerolog.Logger
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

// Message is the WebSocket frame in both directions. Clients send
// {"type":"query","content":"..."}; content that contains URLs submits them
// for ingestion first.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	config   Config
	ingester Ingester
	querier  Querier
	log      zerolog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func New(ingester Ingester, querier Querier, config Config) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 2 * time.Minute
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 1 << 20
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "server").Logger()
	}

	s := &Server{
		config:   config,
		ingester: ingester,
		querier:  querier,
		log:      log,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Be careful with this in production
			},
		},
	}

	s.mux.HandleFunc("POST /api/ingest-url", s.handleIngest)
	s.mux.HandleFunc("POST /api/query", s.handleQuery)
	s.mux.HandleFunc("GET /api/documents", s.handleDocument)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.config.Addr).Msg("starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	s.log.Info().Msg("server stopped")
	return nil
}

type ingestRequest struct {
	URLs []string `json:"urls"`
}

type ingestResponse struct {
	Documents []ingest.Submission `json:"documents"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	subs, err := s.ingester.Submit(r.Context(), req.URLs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ingestResponse{Documents: subs})
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.QueryTimeout)
	defer cancel()

	result, err := s.querier.Query(ctx, req.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		s.writeError(w, fmt.Errorf("%w: url parameter is required", models.ErrValidation))
		return
	}

	report, err := s.ingester.Lookup(r.Context(), u)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", models.ErrValidation, err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrProvider), errors.Is(err, models.ErrParse):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	ws  *websocket.Conn
	mu  sync.Mutex
	log zerolog.Logger
}

func (c *conn) send(msgType, content string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteJSON(Message{Type: msgType, Content: content, Data: data}); err != nil {
		c.log.Debug().Err(err).Msg("error sending message")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	c := &conn{ws: ws, log: s.log}

	// In-flight queries are cancelled, then awaited, before the close.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("error reading message")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.send("error", "invalid message: "+err.Error(), nil)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleMessage(ctx, c, msg)
		}()
	}
}

func (s *Server) handleMessage(ctx context.Context, c *conn, msg Message) {
	content := strings.TrimSpace(msg.Content)

	if urls := urlRegex.FindAllString(content, -1); len(urls) > 0 {
		subs, err := s.ingester.Submit(ctx, urls)
		if err != nil {
			c.send("error", err.Error(), nil)
			return
		}
		c.send("status", fmt.Sprintf("Submitted %d URL(s) for ingestion", len(subs)), subs)

		// Only continue with the query if it holds more than URLs.
		if strings.TrimSpace(urlRegex.ReplaceAllString(content, "")) == "" {
			return
		}
	}

	c.send("status", "Thinking...", nil)

	qctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	result, err := s.querier.Query(qctx, content)
	if err != nil {
		c.send("error", err.Error(), nil)
		return
	}
	c.send("response", result.Answer, result)
}
