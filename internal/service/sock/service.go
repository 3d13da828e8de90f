package sock

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EddyLabs/eddy/config"
	"github.com/EddyLabs/eddy/internal/notifier"
	"github.com/gorilla/websocket"
)

// Close codes in the private-use range for substrate-specific close
// reasons. Everything else uses the standard codes.
const (
	CloseSubscriberDisconnected = 4000 // slow consumer dropped, reconnect and resubscribe
	CloseIdleTimeout            = 4001 // liveness window elapsed without a frame
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096 // Maximum frame size allowed from peer.
)

/*
	Service holds the long-lived client connections. It owns no state
	beyond the sessions themselves; everything it pushes comes out of the
	notifier, which in turn observes the store. The HTTP process is never
	contacted.
*/

type Service struct {
	appCtx   context.Context
	logger   *slog.Logger
	cfg      *config.Config
	notifier *notifier.Notifier
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	sessionsLock   sync.Mutex
	sessions       map[*session]struct{}
	activeSessions int
}

func NewService(ctx context.Context, logger *slog.Logger, cfg *config.Config, n *notifier.Notifier) *Service {
	s := &Service{
		appCtx:   ctx,
		logger:   logger.With("service", "sock"),
		cfg:      cfg,
		notifier: n,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux:      http.NewServeMux(),
		sessions: make(map[*session]struct{}),
	}

	s.mux.HandleFunc("/ws", s.wsHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	return s
}

func (s *Service) Routes() http.Handler { return s.mux }

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.sessionsLock.Lock()
	active := s.activeSessions
	s.sessionsLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": active,
	})
}

// wsHandler admits a new session. Admission is checked before the upgrade
// so an over-capacity peer gets a proper HTTP refusal instead of an
// immediately-closed socket.
func (s *Service) wsHandler(w http.ResponseWriter, r *http.Request) {
	s.sessionsLock.Lock()
	if s.activeSessions >= s.cfg.Sessions.MaxConnections {
		s.sessionsLock.Unlock()
		s.logger.Warn("max connections reached, refusing handshake",
			"active", s.activeSessions, "max", s.cfg.Sessions.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.sessionsLock.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sess := newSession(s, conn)
	if !s.register(sess) {
		// Capacity raced away between the check and the upgrade.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	sess.activate()
	s.logger.Info("session connected", "session_id", sess.id, "remote_addr", conn.RemoteAddr().String())

	go sess.writePump()
	go sess.readPump()
}

func (s *Service) register(sess *session) bool {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()

	if s.activeSessions >= s.cfg.Sessions.MaxConnections {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.activeSessions++
	return true
}

func (s *Service) unregister(sess *session) {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()

	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		s.activeSessions--
	}
}

// Run serves until the context is cancelled, then closes every live
// session gracefully before returning.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.SockBinding,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	s.logger.Info("starting socket server", "listen_addr", s.cfg.SockBinding)
	err := srv.ListenAndServe()
	s.Shutdown()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every live session gracefully and waits for them to
// finish flushing, bounded by the flush timeout.
func (s *Service) Shutdown() {
	s.sessionsLock.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessionsLock.Unlock()

	for _, sess := range open {
		sess.beginClose(websocket.CloseGoingAway, "server shutting down")
	}

	deadline := time.Now().Add(s.cfg.Sessions.FlushTimeout + time.Second)
	for _, sess := range open {
		sess.waitClosed(time.Until(deadline))
	}
}
