package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
)

// Live feed tuning. Variables so tests can shorten them.
var (
	listenReconnectInitial = time.Second
	listenReconnectMax     = 2 * time.Minute
	listenReadTimeout      = 90 * time.Second
)

// feedMessage is one change notification on the live feed.
type feedMessage struct {
	Event      string `json:"event"`
	Collection string `json:"collection"`
}

// Listen connects to the remote's live change feed and calls onChange for
// every collection change. After a dropped connection it reconnects with
// backoff and calls onReconnect once the feed is back. Listen blocks until
// ctx is cancelled.
func (c *Client) Listen(ctx context.Context, onChange func(model.Collection), onReconnect func()) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = listenReconnectInitial
	eb.MaxInterval = listenReconnectMax
	eb.MaxElapsedTime = 0

	connected := false
	for {
		err := c.listenOnce(ctx, onChange, func() {
			if connected && onReconnect != nil {
				onReconnect()
			}
			connected = true
			eb.Reset()
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := eb.NextBackOff()
		c.logger.Warn("live feed disconnected", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// listenOnce runs one connection until it fails or ctx is cancelled.
func (c *Client) listenOnce(ctx context.Context, onChange func(model.Collection), onOpen func()) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v3/ws"

	header := http.Header{}
	if tok := c.bearer(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing live feed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("live feed connected", "url", u.Redacted())
	onOpen()

	_ = conn.SetReadDeadline(time.Now().Add(listenReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(listenReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading live feed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(listenReadTimeout))

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed feed message", "error", err)
			continue
		}
		switch msg.Event {
		case "dataUpdate", "dataDelete":
			if msg.Collection != "" {
				onChange(model.Collection(msg.Collection))
			}
		}
	}
}
