// Package api is the HTTP surface of the assistant: session minting,
// chat (plain, SSE, WebSocket), and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meridianworks/concierge/internal/agent"
	"github.com/meridianworks/concierge/internal/buildinfo"
	"github.com/meridianworks/concierge/internal/events"
	"github.com/meridianworks/concierge/internal/guard"
	"github.com/meridianworks/concierge/internal/session"
	"github.com/meridianworks/concierge/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	loop        *agent.Loop
	sessions    *session.Store
	guard       *guard.Guard
	transcripts *transcript.Store
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
	upgrader    websocket.Upgrader
}

// NewServer creates a new API server. bus may be nil.
func NewServer(address string, port int, loop *agent.Loop, sessions *session.Store, g *guard.Guard, transcripts *transcript.Store, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address:     address,
		port:        port,
		loop:        loop,
		sessions:    sessions,
		guard:       g,
		transcripts: transcripts,
		bus:         bus,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The widget is embedded on the business's own site; session
			// tokens are the access control, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session lifecycle
	mux.HandleFunc("POST /v1/session", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/session/validate", s.handleSessionValidate)

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("DELETE /v1/chat/{conversationId}", s.handleConversationClear)

	// Operational
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

// originIP resolves the client's network origin, honoring the first
// X-Forwarded-For hop when a proxy fronts the server.
func originIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the session token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// --- Session endpoints ---

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	origin := originIP(r)

	sess, err := s.sessions.Create(origin)
	if err != nil {
		s.errorResponse(w, http.StatusTooManyRequests, err.Error())
		return
	}

	s.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionCreated,
		Data:   map[string]any{"origin": origin},
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Validate(bearerToken(r))
	if sess == nil {
		s.errorResponse(w, http.StatusUnauthorized, "session missing or expired")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"valid":              true,
		"expires_at":         sess.ExpiresAt,
		"messages_remaining": sess.MessagesRemaining,
	}, s.logger)
}

// --- Chat endpoints ---

// ChatRequest is the body of POST /v1/chat and /v1/chat/stream.
type ChatRequest struct {
	// ConversationID continues an existing conversation. Empty mints a
	// new one.
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is the body of a successful POST /v1/chat.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	Attachments    []any  `json:"attachments,omitempty"`
	Usage          Usage  `json:"usage"`
}

// Usage reports per-exchange accounting back to the client.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	Iterations        int `json:"iterations"`
	MessagesRemaining int `json:"messages_remaining"`
}

// admitChat runs the gate sequence shared by all chat transports:
// session check, request decode, concurrency guard, quota spend. On
// success the guard is held; the caller must invoke release.
func (s *Server) admitChat(w http.ResponseWriter, r *http.Request) (req ChatRequest, sess *session.Session, release func(), ok bool) {
	token := bearerToken(r)
	sess = s.sessions.Validate(token)
	if sess == nil {
		s.errorResponse(w, http.StatusUnauthorized, "session missing or expired")
		return ChatRequest{}, nil, nil, false
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return ChatRequest{}, nil, nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return ChatRequest{}, nil, nil, false
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	if !s.guard.TryAcquire(req.ConversationID) {
		s.errorResponse(w, http.StatusTooManyRequests, "a message is already being processed for this conversation")
		return ChatRequest{}, nil, nil, false
	}
	release = func() { s.guard.Release(req.ConversationID) }

	// Spend quota before the first model call: a provider failure after
	// this point still costs the message.
	if !s.sessions.DecrementMessage(token) {
		release()
		s.bus.Publish(events.Event{
			Source: events.SourceSession,
			Kind:   events.KindQuotaExhausted,
			Data:   map[string]any{"origin": sess.OriginIP},
		})
		s.errorResponse(w, http.StatusForbidden, "message quota exhausted for this session")
		return ChatRequest{}, nil, nil, false
	}
	sess.MessagesRemaining--

	return req, sess, release, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, sess, release, ok := s.admitChat(w, r)
	if !ok {
		return
	}
	defer release()

	res, err := s.loop.Run(r.Context(), req.ConversationID, req.Message, nil)
	if err != nil {
		s.logger.Error("exchange failed", "conversation", req.ConversationID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "assistant unavailable, please try again")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		ConversationID: req.ConversationID,
		Reply:          res.Text,
		Attachments:    res.Attachments,
		Usage: Usage{
			InputTokens:       res.InputTokens,
			OutputTokens:      res.OutputTokens,
			Iterations:        res.Iterations,
			MessagesRemaining: sess.MessagesRemaining,
		},
	}, s.logger)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, sess, release, ok := s.admitChat(w, r)
	if !ok {
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Announce the conversation id first so new conversations learn
	// theirs before any content arrives.
	s.writeSSE(w, map[string]any{"conversation_id": req.ConversationID})
	flusher.Flush()

	streamed := false
	rc := http.NewResponseController(w)

	cb := func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.KindToken:
			streamed = true
			s.writeSSE(w, map[string]any{"delta": ev.Token})
			flusher.Flush()
		case agent.KindToolStart, agent.KindToolDone:
			// SSE comment as keepalive so tool latency never trips the
			// write timeout.
			fmt.Fprintf(w, ": keepalive %s\n\n", ev.Tool)
			flusher.Flush()
		}
		// Reset the write deadline after every event; multi-iteration
		// tool loops can otherwise outlive it.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	res, err := s.loop.Run(r.Context(), req.ConversationID, req.Message, cb)
	if err != nil {
		s.logger.Error("exchange failed", "conversation", req.ConversationID, "error", err)
		// The status line is already sent; report the failure in-stream.
		s.writeSSE(w, map[string]any{"error": "assistant unavailable, please try again"})
		flusher.Flush()
		return
	}

	// If nothing streamed (the final answer arrived unchunked), emit it
	// whole.
	if !streamed && res.Text != "" {
		s.writeSSE(w, map[string]any{"delta": res.Text})
	}

	s.writeSSE(w, map[string]any{
		"done":        true,
		"attachments": res.Attachments,
		"usage": Usage{
			InputTokens:       res.InputTokens,
			OutputTokens:      res.OutputTokens,
			Iterations:        res.Iterations,
			MessagesRemaining: sess.MessagesRemaining,
		},
	})
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE payload", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// wsEnvelope is one message on the WebSocket chat channel, both
// directions.
type wsEnvelope struct {
	Type           string `json:"type"` // client: "chat"; server: "token", "tool", "done", "error"
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
	Delta          string `json:"delta,omitempty"`
	Tool           string `json:"tool,omitempty"`
	Attachments    []any  `json:"attachments,omitempty"`
	Usage          *Usage `json:"usage,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleChatWS upgrades to WebSocket and serves chat exchanges over it.
// The session token arrives as a query parameter because browser
// WebSocket clients cannot set the Authorization header.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if s.sessions.Validate(token) == nil {
		s.errorResponse(w, http.StatusUnauthorized, "session missing or expired")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var in wsEnvelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		s.serveWSExchange(r, conn, token, in)
	}
}

// serveWSExchange runs one chat exchange over an established socket,
// applying the same gate sequence as the HTTP handlers.
func (s *Server) serveWSExchange(r *http.Request, conn *websocket.Conn, token string, in wsEnvelope) {
	send := func(out wsEnvelope) {
		if err := conn.WriteJSON(out); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	sess := s.sessions.Validate(token)
	if sess == nil {
		send(wsEnvelope{Type: "error", Error: "session missing or expired"})
		return
	}
	if strings.TrimSpace(in.Message) == "" {
		send(wsEnvelope{Type: "error", Error: "message is required"})
		return
	}
	convID := in.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	if !s.guard.TryAcquire(convID) {
		send(wsEnvelope{Type: "error", ConversationID: convID, Error: "a message is already being processed for this conversation"})
		return
	}
	defer s.guard.Release(convID)

	if !s.sessions.DecrementMessage(token) {
		send(wsEnvelope{Type: "error", ConversationID: convID, Error: "message quota exhausted for this session"})
		return
	}
	sess.MessagesRemaining--

	cb := func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.KindToken:
			send(wsEnvelope{Type: "token", ConversationID: convID, Delta: ev.Token})
		case agent.KindToolStart:
			send(wsEnvelope{Type: "tool", ConversationID: convID, Tool: ev.Tool})
		}
	}

	res, err := s.loop.Run(r.Context(), convID, in.Message, cb)
	if err != nil {
		s.logger.Error("exchange failed", "conversation", convID, "error", err)
		send(wsEnvelope{Type: "error", ConversationID: convID, Error: "assistant unavailable, please try again"})
		return
	}

	send(wsEnvelope{
		Type:           "done",
		ConversationID: convID,
		Delta:          res.Text,
		Attachments:    res.Attachments,
		Usage: &Usage{
			InputTokens:       res.InputTokens,
			OutputTokens:      res.OutputTokens,
			Iterations:        res.Iterations,
			MessagesRemaining: sess.MessagesRemaining,
		},
	})
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Validate(bearerToken(r)) == nil {
		s.errorResponse(w, http.StatusUnauthorized, "session missing or expired")
		return
	}
	convID := r.PathValue("conversationId")
	s.transcripts.Clear(convID)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cleared", "conversation_id": convID}, s.logger)
}

// --- Operational endpoints ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Concierge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":          "healthy",
		"active_sessions": s.sessions.ActiveCount(),
		"conversations":   s.transcripts.ConversationCount(),
		"in_flight":       s.guard.InFlight(),
	}, s.logger)
}
