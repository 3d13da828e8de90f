package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/EddyLabs/eddy/models"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	heartbeatPeriod  = 15 * time.Second
	redialBackoffMax = 30 * time.Second
)

// EventHandler receives change events for a watched resource.
type EventHandler func(ev models.ChangeEvent)

// Watch subscribes to a resource on the socket service and dispatches its
// change events to the handler until the context ends. Dropped connections
// are redialed with backoff and the subscription re-established, so
// consumption is at-least-once; a client-side watermark keeps the handler
// from seeing a revision twice or out of order across reconnects.
func (c *Client) Watch(ctx context.Context, resource string, handler EventHandler) error {
	if c.sockURL == nil {
		return fmt.Errorf("sockAddress was not configured")
	}
	if resource == "" {
		return fmt.Errorf("resource cannot be empty")
	}

	var watermark int64
	backoff := time.Second

	for {
		err := c.watchOnce(ctx, resource, handler, &watermark)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("watch connection lost, redialing",
			"resource", resource, "error", decodeCloseReason(err), "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < redialBackoffMax {
			backoff *= 2
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, resource string, handler EventHandler, watermark *int64) error {
	wsURL := c.sockURL.ResolveReference(&url.URL{Path: "/ws"})

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", c.authToken)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s (status %s): %w", wsURL.String(), resp.Status, err)
		}
		return fmt.Errorf("failed to dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	subscribe := models.Frame{Type: models.FrameSubscribe, Resource: resource}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	// Heartbeats keep the session inside the server's liveness window and
	// double as the context-cancellation exit for the read loop below.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(models.Frame{Type: models.FrameHeartbeat}); err != nil {
					c.logger.Debug("heartbeat write failed", "error", err)
					return
				}
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-heartbeatDone:
				return
			}
		}
	}()

	c.logger.Info("watching resource", "resource", resource, "url", wsURL.String())

	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("watch read failed: %w", err)
			}
			return err
		}

		switch frame.Type {
		case models.FrameEvent:
			if frame.Resource != resource || frame.Revision <= *watermark {
				continue
			}
			*watermark = frame.Revision
			handler(models.ChangeEvent{
				Resource: frame.Resource,
				Revision: frame.Revision,
				Payload:  frame.Payload,
			})
		case models.FrameAck:
			c.logger.Debug("server ack", "of", frame.Message, "resource", frame.Resource)
		case models.FrameError:
			c.logger.Warn("server error frame", "message", frame.Message)
		}
	}
}

// decodeCloseReason maps server close codes a Watch caller might care
// about into readable errors.
func decodeCloseReason(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case 4000:
			return fmt.Errorf("server dropped the session as a slow consumer: %s", closeErr.Text)
		case 4001:
			return fmt.Errorf("server closed the session as idle: %s", closeErr.Text)
		}
	}
	return err
}
