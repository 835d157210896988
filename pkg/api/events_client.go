package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventsClient follows a server's event stream and reconnects when the
// connection drops.
type EventsClient struct {
	endpoint string
	token    string
	Retry    time.Duration
	Log      zerolog.Logger
}

// NewEventsClient accepts the server base URL (http or https).
func NewEventsClient(server, token string) (*EventsClient, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/events"
	return &EventsClient{endpoint: u.String(), token: token, Retry: 5 * time.Second, Log: zerolog.Nop()}, nil
}

// Watch calls fn for every message until ctx is done.
func (c *EventsClient) Watch(ctx context.Context, fn func(WSMessage)) error {
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, c.header())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("event stream: %s", resp.Status)
			}
			c.Log.Warn().Err(err).Str("url", c.endpoint).Msg("event stream dial failed")
		} else {
			c.Log.Debug().Str("url", c.endpoint).Msg("event stream connected")
			c.readLoop(ctx, conn, fn)
			c.Log.Warn().Dur("retry", c.Retry).Msg("event stream disconnected")
		}
		t := time.NewTimer(c.Retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *EventsClient) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *EventsClient) readLoop(ctx context.Context, conn *websocket.Conn, fn func(WSMessage)) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()
	for {
		var raw struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		fn(WSMessage{Type: raw.Type, Payload: raw.Payload})
	}
}
