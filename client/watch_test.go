package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EddyLabs/eddy/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSockServer upgrades /ws connections and hands each one to serve.
func fakeSockServer(t *testing.T, serve func(conn *websocket.Conn, dial int)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var dials atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		serve(conn, int(dials.Add(1)))
	}))
	t.Cleanup(server.Close)
	return server
}

func watchClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		WebAddress:  "http://localhost:3000",
		SockAddress: "ws" + strings.TrimPrefix(server.URL, "http"),
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return c
}

func sendEvent(t *testing.T, conn *websocket.Conn, resource string, revision int64) {
	t.Helper()
	err := conn.WriteJSON(models.EventFrame(models.ChangeEvent{
		Resource: resource,
		Revision: revision,
		Payload:  json.RawMessage(`{"n":1}`),
	}))
	require.NoError(t, err)
}

func TestClient_Watch(t *testing.T) {
	t.Run("requires a sock address", func(t *testing.T) {
		c, err := NewClient(&Config{WebAddress: "http://localhost:3000", Logger: testLogger()})
		require.NoError(t, err)
		assert.Error(t, c.Watch(context.Background(), "r", func(models.ChangeEvent) {}))
	})

	t.Run("subscribes and dispatches events in order", func(t *testing.T) {
		server := fakeSockServer(t, func(conn *websocket.Conn, _ int) {
			var frame models.Frame
			require.NoError(t, conn.ReadJSON(&frame))
			assert.Equal(t, models.FrameSubscribe, frame.Type)
			assert.Equal(t, "board", frame.Resource)

			conn.WriteJSON(models.AckFrame(models.FrameSubscribe, "board"))
			for rev := int64(1); rev <= 3; rev++ {
				sendEvent(t, conn, "board", rev)
			}
			// Keep the conn open until the client goes away.
			conn.ReadMessage()
		})

		c := watchClient(t, server)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events := make(chan models.ChangeEvent, 8)
		go c.Watch(ctx, "board", func(ev models.ChangeEvent) {
			events <- ev
		})

		for want := int64(1); want <= 3; want++ {
			select {
			case ev := <-events:
				assert.Equal(t, "board", ev.Resource)
				assert.Equal(t, want, ev.Revision)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for revision %d", want)
			}
		}
	})

	t.Run("watermark survives a reconnect", func(t *testing.T) {
		server := fakeSockServer(t, func(conn *websocket.Conn, dial int) {
			var frame models.Frame
			require.NoError(t, conn.ReadJSON(&frame))

			if dial == 1 {
				sendEvent(t, conn, "r", 1)
				sendEvent(t, conn, "r", 2)
				// Drop the connection; the client must redial.
				return
			}
			// Replays of 1 and 2 must be suppressed by the watermark.
			sendEvent(t, conn, "r", 1)
			sendEvent(t, conn, "r", 2)
			sendEvent(t, conn, "r", 3)
			conn.ReadMessage()
		})

		c := watchClient(t, server)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events := make(chan models.ChangeEvent, 8)
		go c.Watch(ctx, "r", func(ev models.ChangeEvent) {
			events <- ev
		})

		var got []int64
		for len(got) < 3 {
			select {
			case ev := <-events:
				got = append(got, ev.Revision)
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out, saw revisions %v", got)
			}
		}
		assert.Equal(t, []int64{1, 2, 3}, got)
	})

	t.Run("events for other resources are ignored", func(t *testing.T) {
		server := fakeSockServer(t, func(conn *websocket.Conn, _ int) {
			var frame models.Frame
			require.NoError(t, conn.ReadJSON(&frame))
			sendEvent(t, conn, "other", 1)
			sendEvent(t, conn, "mine", 1)
			conn.ReadMessage()
		})

		c := watchClient(t, server)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events := make(chan models.ChangeEvent, 8)
		go c.Watch(ctx, "mine", func(ev models.ChangeEvent) {
			events <- ev
		})

		select {
		case ev := <-events:
			assert.Equal(t, "mine", ev.Resource)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the event")
		}
		select {
		case ev := <-events:
			t.Fatalf("unexpected extra event: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("cancellation ends the watch", func(t *testing.T) {
		server := fakeSockServer(t, func(conn *websocket.Conn, _ int) {
			var frame models.Frame
			conn.ReadJSON(&frame)
			conn.ReadMessage() // block until the client closes
		})

		c := watchClient(t, server)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- c.Watch(ctx, "r", func(models.ChangeEvent) {})
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Watch did not return after cancellation")
		}
	})
}
