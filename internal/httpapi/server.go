package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/streamgate/internal/admission"
	"github.com/ent0n29/streamgate/internal/config"
	"github.com/ent0n29/streamgate/internal/observability"
	"github.com/ent0n29/streamgate/internal/protocol"
	"github.com/ent0n29/streamgate/internal/registry"
	"github.com/ent0n29/streamgate/internal/session"
	"github.com/ent0n29/streamgate/internal/stream"
)

// graceClose is how long an accepted stop/transfer acknowledgement gets to
// flush before the channel is torn down. Part of the carrier contract.
const graceClose = time.Second

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	tokens   *admission.Issuer
	registry *registry.Registry
	handler  *stream.Handler
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, tokens *admission.Issuer, reg *registry.Registry, handler *stream.Handler, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		registry: reg,
		handler:  handler,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Carriers dial directly and usually omit Origin; browsers
				// are only allowed from the same host unless overridden.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls", s.handleSetup)
	r.Get("/v1/calls/ws", s.handleStreamWS)
	r.Get("/v1/calls/{id}", s.handleQuery)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"live_connections": s.registry.Len(),
		"sessions":         s.sessions.TotalCount(),
	})
}

// handleSetup registers a call and returns the connection address the
// carrier should dial, with a single-use admission token embedded.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req session.SetupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CallSID) == "" || strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		respondError(w, http.StatusBadRequest, "missing_parameters", "call_sid, from and to are required")
		return
	}

	rec, _ := s.sessions.Create(req.CallSID, req.From, req.To)
	token, err := s.tokens.Issue(rec.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_issue_failed", err.Error())
		return
	}
	s.metrics.KnownSessions.Set(float64(s.sessions.TotalCount()))

	wsURL := fmt.Sprintf("%s/v1/calls/ws?session=%s&token=%s",
		strings.TrimRight(s.cfg.PublicWSBase, "/"),
		url.QueryEscape(rec.ID),
		url.QueryEscape(token),
	)
	respondJSON(w, http.StatusCreated, session.SetupResponse{
		CallSID: rec.ID,
		WSURL:   wsURL,
	})
}

// handleQuery returns the session record with audio payloads reduced to a
// count string and the full event log.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec.View())
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if sessionID == "" || token == "" {
		respondError(w, http.StatusBadRequest, "missing_parameters", "query parameters session and token are required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var once sync.Once
	closeConn := func(code int, reason string) {
		once.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	// Admission is checked after the upgrade so the carrier gets a close
	// code instead of a bare handshake failure. No session state is
	// touched on rejection.
	if !s.tokens.Consume(token, sessionID) {
		closeConn(websocket.ClosePolicyViolation, "invalid admission token")
		return
	}
	if err := s.registry.Bind(sessionID, conn); err != nil {
		// The existing channel stays untouched; only the newcomer goes.
		closeConn(websocket.ClosePolicyViolation, "session already connected")
		return
	}
	defer func() {
		s.registry.Unbind(sessionID, conn)
		s.metrics.LiveConnections.Set(float64(s.registry.Len()))
	}()
	defer closeConn(websocket.CloseGoingAway, "")
	s.metrics.LiveConnections.Set(float64(s.registry.Len()))

	if err := s.sessions.Connect(sessionID); err != nil {
		closeConn(websocket.ClosePolicyViolation, "session not connectable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", kindOf(msg)).Inc()
			}
		}
	}()

	st := s.handler.NewStream(sessionID)
	var closeTimer *time.Timer
	defer func() {
		if closeTimer != nil {
			closeTimer.Stop()
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", "frame").Inc()

		res := st.HandleFrame(data)
		for _, reply := range res.Replies {
			select {
			case <-ctx.Done():
				break readLoop
			case outbound <- reply:
			}
		}
		if res.Terminal && closeTimer == nil {
			// Give the terminal ack a moment to flush, then tear down.
			// The timer is cancellable and closeConn no-ops if the
			// channel died first.
			closeTimer = time.AfterFunc(graceClose, func() {
				closeConn(websocket.CloseNormalClosure, "call ended")
			})
		}
	}

	st.HandleDisconnect()
	cancel()
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func kindOf(v any) string {
	switch m := v.(type) {
	case protocol.StartAck:
		return string(m.Event)
	case protocol.MediaAck:
		return string(m.Event)
	case protocol.TerminalAck:
		return string(m.Event)
	case protocol.ErrorEvent:
		return string(m.Event)
	default:
		return "unknown"
	}
}
