package exchange

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = time.Second
	maxBackoff = 16 * time.Second
)

// streamLoop keeps one websocket subscription alive with capped exponential backoff.
type streamLoop struct {
	name         string
	logger       *slog.Logger
	dialer       *websocket.Dialer
	onDisconnect func(stream string, err error)
}

// run dials url(), sends subscribe and feeds every message to handle until ctx is cancelled.
func (s *streamLoop) run(
	ctx context.Context,
	url func(ctx context.Context) (string, error),
	subscribe func(c *websocket.Conn) error,
	handle func(ctx context.Context, msg []byte) error,
) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			s.logger.Info(s.name + ": context cancelled, shutting down")
			return nil
		}
		connected, err := s.session(ctx, url, subscribe, handle)
		if ctx.Err() != nil {
			s.logger.Info(s.name + ": context cancelled, shutting down")
			return nil
		}
		if connected {
			backoff = minBackoff
		}
		s.logger.Error(s.name+": stream interrupted", "error", err, "backoff", backoff)
		if s.onDisconnect != nil {
			s.onDisconnect(s.name, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (s *streamLoop) session(
	ctx context.Context,
	url func(ctx context.Context) (string, error),
	subscribe func(c *websocket.Conn) error,
	handle func(ctx context.Context, msg []byte) error,
) (bool, error) {
	target, err := url(ctx)
	if err != nil {
		return false, err
	}
	s.logger.Info(s.name+": connecting to WebSocket", "url", redactURL(target))
	c, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, err
	}
	defer c.Close()
	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if subscribe != nil {
		if err := subscribe(c); err != nil {
			return false, err
		}
	}
	s.logger.Info(s.name + ": connected successfully")

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := handle(ctx, msg); err != nil {
			return true, err
		}
	}
}

// redactURL hides the listen key of a private stream url.
func redactURL(u string) string {
	if i := strings.Index(u, "/ws/"); i >= 0 {
		return u[:i+len("/ws/")] + "***"
	}
	return u
}
