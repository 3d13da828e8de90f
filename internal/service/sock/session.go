package sock

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EddyLabs/eddy/internal/notifier"
	"github.com/EddyLabs/eddy/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session lifecycle. Transitions only move forward.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosing
	stateClosed
)

/*
	session is one live socket connection. Two input sources run
	concurrently while Active: inbound client frames (readPump) and the
	notifier streams for each subscribed resource (one forwarder per
	subscription). writePump is the single writer on the connection.
*/

type session struct {
	id     string
	svc    *Service
	conn   *websocket.Conn
	logger *slog.Logger

	send chan models.Frame

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos, refreshed by any frame or pong

	subsLock   sync.Mutex
	subs       map[string]*subscriptionEntry
	watermarks map[string]int64 // resource -> last delivered revision

	closeOnce sync.Once
	closing   chan struct{} // signals writePump to flush and finish
	closed    chan struct{} // closed once the connection is fully torn down
	closeCode int
	closeText string
}

type subscriptionEntry struct {
	sub  *notifier.Subscription
	stop chan struct{}
}

func newSession(svc *Service, conn *websocket.Conn) *session {
	id := uuid.NewString()
	s := &session{
		id:         id,
		svc:        svc,
		conn:       conn,
		logger:     svc.logger.With("session_id", id),
		send:       make(chan models.Frame, svc.cfg.Sessions.SendBufferSize),
		subs:       make(map[string]*subscriptionEntry),
		watermarks: make(map[string]int64),
		closing:    make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *session) activate() {
	s.state.CompareAndSwap(stateConnecting, stateActive)
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// beginClose moves the session to Closing exactly once and records the
// close frame to send after the flush. Subscriptions are torn down here so
// in-flight events land on a dead channel set rather than the peer.
func (s *session) beginClose(code int, text string) {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosing)
		s.closeCode = code
		s.closeText = text
		s.teardownSubscriptions()
		close(s.closing)
	})
}

func (s *session) waitClosed(timeout time.Duration) {
	select {
	case <-s.closed:
	case <-time.After(timeout):
	}
}

func (s *session) teardownSubscriptions() {
	s.subsLock.Lock()
	entries := make([]*subscriptionEntry, 0, len(s.subs))
	for resource, entry := range s.subs {
		entries = append(entries, entry)
		delete(s.subs, resource)
	}
	s.subsLock.Unlock()

	for _, entry := range entries {
		close(entry.stop)
		entry.sub.Unsubscribe()
	}
}

// readPump is the sole reader. The read deadline doubles as the liveness
// check: any frame or pong pushes it out, and a deadline expiry is an
// idle timeout.
func (s *session) readPump() {
	defer func() {
		s.beginClose(websocket.CloseNormalClosure, "connection closed")
		s.svc.unregister(s)
		s.logger.Info("session read loop finished", "remote_addr", s.conn.RemoteAddr())
	}()

	liveness := s.svc.cfg.Sessions.LivenessWindow
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(liveness))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(liveness))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Info("session idle timeout", "liveness_window", liveness)
				s.beginClose(CloseIdleTimeout, "idle timeout")
			case websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure):
				s.logger.Error("session read error", "error", err)
			default:
				s.logger.Info("session closed by peer", "error", err)
			}
			return
		}

		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(liveness))

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Warn("malformed frame from peer", "error", err)
			s.beginClose(websocket.ClosePolicyViolation, "malformed frame")
			return
		}

		if !s.handleFrame(frame) {
			return
		}
	}
}

func (s *session) handleFrame(frame models.Frame) bool {
	switch frame.Type {
	case models.FrameSubscribe:
		if frame.Resource == "" {
			s.beginClose(websocket.ClosePolicyViolation, "subscribe without resource")
			return false
		}
		s.subscribe(frame.Resource)
		s.enqueue(models.AckFrame(models.FrameSubscribe, frame.Resource))
	case models.FrameUnsubscribe:
		if frame.Resource == "" {
			s.beginClose(websocket.ClosePolicyViolation, "unsubscribe without resource")
			return false
		}
		s.unsubscribe(frame.Resource)
		s.enqueue(models.AckFrame(models.FrameUnsubscribe, frame.Resource))
	case models.FrameHeartbeat:
		s.enqueue(models.AckFrame(models.FrameHeartbeat, ""))
	default:
		s.logger.Warn("unknown frame type from peer", "type", frame.Type)
		s.beginClose(websocket.ClosePolicyViolation, "unknown frame type")
		return false
	}
	return true
}

// subscribe is idempotent: a repeated subscribe keeps the existing stream
// and its watermark.
func (s *session) subscribe(resource string) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	if _, ok := s.subs[resource]; ok {
		return
	}

	entry := &subscriptionEntry{
		sub:  s.svc.notifier.Subscribe(resource),
		stop: make(chan struct{}),
	}
	s.subs[resource] = entry
	go s.forward(entry)
	s.logger.Debug("subscribed", "resource", resource)
}

// unsubscribe is idempotent. The forwarder is stopped before this returns,
// and writePump drops any already-queued events for the resource, so the
// ack is the last the peer hears of it.
func (s *session) unsubscribe(resource string) {
	s.subsLock.Lock()
	entry, ok := s.subs[resource]
	if ok {
		delete(s.subs, resource)
	}
	s.subsLock.Unlock()

	if !ok {
		return
	}
	close(entry.stop)
	entry.sub.Unsubscribe()
	s.logger.Debug("unsubscribed", "resource", resource)
}

func (s *session) isSubscribed(resource string) bool {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	_, ok := s.subs[resource]
	return ok
}

// forward moves one subscription's events to the send queue, enforcing the
// per-resource delivery watermark. A full send queue means the peer cannot
// keep up; it is disconnected rather than allowed to slow delivery.
func (s *session) forward(entry *subscriptionEntry) {
	for {
		select {
		case ev, ok := <-entry.sub.C():
			if !ok {
				if errors.Is(entry.sub.Reason(), notifier.ErrSubscriberOverflow) {
					s.logger.Warn("notifier dropped session subscription", "resource", entry.sub.Resource())
					s.beginClose(CloseSubscriberDisconnected, "subscriber overflow")
				}
				return
			}
			if !s.deliver(ev) {
				return
			}
		case <-entry.stop:
			return
		case <-s.closing:
			return
		}
	}
}

func (s *session) deliver(ev models.ChangeEvent) bool {
	s.subsLock.Lock()
	last := s.watermarks[ev.Resource]
	if ev.Revision <= last {
		s.subsLock.Unlock()
		s.logger.Debug("dropping out-of-order event",
			"resource", ev.Resource, "revision", ev.Revision, "watermark", last)
		return true
	}
	s.watermarks[ev.Resource] = ev.Revision
	s.subsLock.Unlock()

	select {
	case s.send <- models.EventFrame(ev):
		return true
	default:
		s.logger.Warn("session send queue full, disconnecting",
			"resource", ev.Resource, "revision", ev.Revision)
		s.beginClose(CloseSubscriberDisconnected, "subscriber overflow")
		return false
	}
}

func (s *session) enqueue(frame models.Frame) {
	select {
	case s.send <- frame:
	default:
		s.logger.Warn("session send queue full on control frame, disconnecting")
		s.beginClose(CloseSubscriberDisconnected, "subscriber overflow")
	}
}

// writePump is the sole writer: queued frames, pings, and finally the
// close handshake. On closing it flushes what remains of the queue within
// the flush timeout, then sends the close frame.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.state.Store(stateClosed)
		close(s.closed)
		s.logger.Info("session write loop finished", "remote_addr", s.conn.RemoteAddr())
	}()

	for {
		select {
		case frame := <-s.send:
			if !s.writeFrame(frame) {
				s.beginClose(websocket.CloseAbnormalClosure, "write failure")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error("session ping failed", "error", err)
				s.beginClose(websocket.CloseAbnormalClosure, "ping failure")
				return
			}
		case <-s.closing:
			s.flush()
			return
		case <-s.svc.appCtx.Done():
			s.beginClose(websocket.CloseGoingAway, "server shutting down")
			s.flush()
			return
		}
	}
}

// writeFrame drops already-queued event frames for resources the session
// has since unsubscribed from; the unsubscribe ack must be final.
func (s *session) writeFrame(frame models.Frame) bool {
	if frame.Type == models.FrameEvent && !s.isSubscribed(frame.Resource) {
		return true
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("could not marshal frame", "type", frame.Type, "error", err)
		return true
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.logger.Error("session write error", "error", err)
		return false
	}
	return true
}

func (s *session) flush() {
	deadline := time.Now().Add(s.svc.cfg.Sessions.FlushTimeout)
	for {
		if time.Now().After(deadline) {
			break
		}
		select {
		case frame := <-s.send:
			if !s.writeFrame(frame) {
				return
			}
		default:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeText), deadline)
			return
		}
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(s.closeCode, s.closeText), time.Now().Add(time.Second))
}
