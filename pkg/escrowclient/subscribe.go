package escrowclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/park285/chess-escrow/pkg/escrowdto"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type SubscribeOptions struct {
	// Room limits the feed to one room; empty receives every room.
	Room string
	// MaxReconnectAttempts bounds consecutive failed dials; zero disables reconnecting.
	MaxReconnectAttempts int
	Headers              HeaderProvider
}

// Subscribe streams committed events from the event feed at feedURL to fn until ctx is done,
// fn returns an error, or reconnect attempts are exhausted.
// Events committed while disconnected are not replayed; reload the game after a reconnect.
func Subscribe(ctx context.Context, feedURL string, opts SubscribeOptions, fn func(escrowdto.Event) error) error {
	target, err := withRoom(feedURL, opts.Room)
	if err != nil {
		return err
	}
	failures := 0
	for {
		conn, err := dial(ctx, target, opts.Headers)
		if err == nil {
			failures = 0
			err = readLoop(ctx, conn, fn)
			var stop stopError
			if errors.As(err, &stop) {
				return stop.err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		if failures > opts.MaxReconnectAttempts {
			return err
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(failures)); sleepErr != nil {
			return sleepErr
		}
	}
}

// stopError marks a callback error, which ends the subscription without reconnecting.
type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }

func readLoop(ctx context.Context, conn *websocket.Conn, fn func(escrowdto.Event) error) error {
	defer conn.Close(websocket.StatusNormalClosure, "close")
	for {
		var ev escrowdto.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return stopError{err: err}
		}
	}
}

func dial(ctx context.Context, target string, headers HeaderProvider) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      buildHeaders(headers),
	})
	return conn, err
}

func withRoom(feedURL, room string) (string, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if room != "" {
		q := u.Query()
		q.Set("room", room)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func buildHeaders(h HeaderProvider) http.Header {
	hdr := http.Header{}
	if h == nil {
		return hdr
	}
	for k, v := range h() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
