package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"codecollab/internal/ratelimit"
	"codecollab/internal/util"
	"codecollab/services/realtime/internal/chat"
	"codecollab/services/realtime/internal/gate"
	"codecollab/services/realtime/internal/metrics"
	"codecollab/services/realtime/internal/rooms"
)

const defaultSendBuffer = 256

// Config wires required dependencies for the HTTP server.
type Config struct {
	Gate           *gate.Gate
	Coordinator    *chat.Coordinator
	Rooms          *rooms.Registry
	ConnectLimiter ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string

	SendBuffer   int
	MessageRate  rate.Limit
	MessageBurst int
}

// Server exposes the realtime WebSocket endpoint.
type Server struct {
	gate           *gate.Gate
	coord          *chat.Coordinator
	rooms          *rooms.Registry
	connectLimiter ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	sendBuffer     int
	messageRate    rate.Limit
	messageBurst   int
	upgrader       websocket.Upgrader
	mux            *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	s := &Server{
		gate:           cfg.Gate,
		coord:          cfg.Coordinator,
		rooms:          cfg.Rooms,
		connectLimiter: cfg.ConnectLimiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		sendBuffer:     cfg.SendBuffer,
		messageRate:    cfg.MessageRate,
		messageBurst:   cfg.MessageBurst,
		mux:            http.NewServeMux(),
		sessions:       make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return util.OriginAllowed(s.allowedOrigins, r.Header.Get("Origin"))
		},
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("realtime", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DropSlow is the registry's drop callback: a member that could not take a
// broadcast frame is disconnected.
func (s *Server) DropSlow(projectID string, m rooms.Member) {
	sess, ok := m.(*session)
	if !ok {
		return
	}
	if sess.close(websocket.ClosePolicyViolation, "too slow") {
		metrics.BroadcastDrops.Inc()
		sess.logger.Warn("ws_slow_consumer_dropped", "project_id", projectID)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := util.LoggerFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ip := util.ClientIP(r, s.trustedProxies)
	if ok, wait := ratelimit.Admit(r.Context(), s.connectLimiter, "connect:"+ip); !ok {
		metrics.RateLimitHits.WithLabelValues("connect").Inc()
		setRetryAfter(w, wait)
		writeError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	}

	info, err := s.gate.Admit(r.Context(), gate.CredentialFromRequest(r), r.URL.Query().Get("projectId"))
	metrics.Admissions.WithLabelValues(gate.Outcome(err)).Inc()
	if err != nil {
		status := gate.StatusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("ws_admission_failed", "err", err)
		} else {
			logger.Info("ws_admission_rejected", "status", status, "err", err)
		}
		writeError(w, status, gate.PublicMessage(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("ws_upgrade_failed", "err", err)
		return
	}

	sessLogger := slog.Default().With(
		"session_id", info.ID,
		"project_id", info.ProjectID,
		"user_id", info.Identity.UserID,
		"request_id", util.RequestIDFromContext(r.Context()),
	)
	sess := newSession(info, conn, s.sendBuffer, rate.NewLimiter(s.messageRate, s.messageBurst), sessLogger)
	if !s.track(sess) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	metrics.SessionsActive.Inc()
	sessLogger.Info("ws_session_opened", "remote_ip", ip)

	go sess.writePump()
	go s.readPump(sess)
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) readPump(sess *session) {
	defer s.teardown(sess)

	ctx := util.ContextWithLogger(context.Background(), sess.logger)
	sess.conn.SetReadLimit(maxFrameBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				sess.logger.Info("ws_read_failed", "err", err)
			}
			return
		}
		if !sess.limiter.Allow() {
			metrics.RateLimitHits.WithLabelValues("message").Inc()
			sess.sendError("rate limit exceeded, slow down", "")
			continue
		}
		s.dispatch(ctx, sess, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, frame []byte) {
	env, err := chat.DecodeEnvelope(frame)
	if err != nil {
		sess.sendError("invalid message format", "")
		return
	}

	switch env.Event {
	case chat.EventJoinProject:
		projectID, err := chat.ParseJoinProject(env.Data)
		if err != nil {
			sess.sendError("projectId is required", "")
			return
		}
		if projectID != sess.info.ProjectID {
			sess.sendError("projectId does not match this connection", "")
			return
		}
		if err := s.coord.Join(ctx, sess, projectID); err != nil {
			switch {
			case errors.Is(err, chat.ErrSendQueueFull):
				sess.close(websocket.ClosePolicyViolation, "send queue full")
			case errors.Is(err, chat.ErrClosed):
				sess.sendError("server shutting down", "")
			}
			return
		}
		sess.joined.Store(true)

	case chat.EventProjectMessage:
		if !sess.joined.Load() {
			sess.sendError("join the project first", "")
			return
		}
		msg, err := chat.ParseProjectMessage(env.Data, sess.info.ProjectID, sess.info.Identity)
		if err != nil {
			sess.sendError(publicParseError(err), messageID(env.Data))
			return
		}
		// Storage failures are already reported to this session.
		_, _ = s.coord.HandleMessage(ctx, sess, msg)

	case chat.EventUserJoined:
		if !sess.joined.Load() {
			sess.sendError("join the project first", "")
			return
		}
		out, err := chat.EncodeRaw(chat.EventUserJoined, env.Data)
		if err != nil {
			sess.sendError("invalid message format", "")
			return
		}
		s.rooms.Broadcast(sess.info.ProjectID, out, sess.ID())

	default:
		sess.sendError("unknown event: "+env.Event, "")
	}
}

func (s *Server) teardown(sess *session) {
	sess.close(websocket.CloseNormalClosure, "")
	if projectID := s.rooms.Leave(sess.ID()); projectID != "" {
		frame, err := chat.EncodeEvent(chat.EventUserLeft, chat.PresencePayload{
			UserID: sess.info.Identity.UserID,
			Email:  sess.info.Identity.Email,
		})
		if err == nil {
			s.rooms.Broadcast(projectID, frame, "")
		}
	}
	metrics.SessionsActive.Dec()
	sess.logger.Info("ws_session_closed", "duration_ms", time.Since(sess.info.ConnectedAt).Milliseconds())

	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every live session and waits for their read loops to
// finish or ctx to expire. New upgrades are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range live {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func publicParseError(err error) string {
	if errors.Is(err, chat.ErrProjectMismatch) {
		return "projectId does not match this connection"
	}
	return err.Error()
}

func messageID(data json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || len(p.ID) > chat.MaxMessageIDLength {
		return ""
	}
	return p.ID
}

func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	if wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
