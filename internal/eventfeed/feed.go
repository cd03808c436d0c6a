// Package eventfeed fans committed ledger events out to websocket subscribers. It is read-only:
// nothing received from a subscriber is acted on.
package eventfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Options struct {
	Stream string
	Block  time.Duration
	// Buffer is the per-subscriber queue; a subscriber that falls this far behind is dropped.
	Buffer       int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

type subscriber struct {
	room string
	ch   chan escrow.Event
}

type Feed struct {
	rdb          *redis.Client
	stream       string
	block        time.Duration
	buffer       int
	writeTimeout time.Duration
	logger       *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func New(rdb *redis.Client, opts Options) *Feed {
	if opts.Stream == "" {
		opts.Stream = "escrow:events"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Feed{
		rdb:          rdb,
		stream:       opts.Stream,
		block:        opts.Block,
		buffer:       opts.Buffer,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		subs:         make(map[*subscriber]struct{}),
	}
}

// Subscribers is the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) subscribe(room string) *subscriber {
	s := &subscriber{room: room, ch: make(chan escrow.Event, f.buffer)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (f *Feed) unsubscribe(s *subscriber) {
	f.mu.Lock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.ch)
	}
	f.mu.Unlock()
}

func (f *Feed) broadcast(ev escrow.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if s.room != "" && s.room != ev.RoomID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			delete(f.subs, s)
			close(s.ch)
			f.logger.Warn("eventfeed_subscriber_dropped", zap.String("room_id", s.room))
		}
	}
}

// Run tails the stream from its current end and broadcasts every new entry until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	last := "0-0"
	tail, err := f.rdb.XRevRangeN(ctx, f.stream, "+", "-", 1).Result()
	if err != nil {
		return err
	}
	if len(tail) > 0 {
		last = tail[0].ID
	}
	f.logger.Info("eventfeed_started", zap.String("stream", f.stream), zap.String("from", last))
	for {
		streams, err := f.rdb.XRead(ctx, &redis.XReadArgs{Streams: []string{f.stream, last}, Count: 100, Block: f.block}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			f.logger.Warn("eventfeed_read_failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				last = msg.ID
				raw, _ := msg.Values["event"].(string)
				var ev escrow.Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					continue
				}
				f.broadcast(ev)
			}
		}
	}
}

// ServeHTTP upgrades to a websocket and streams events as JSON. ?room= limits the feed to one room.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionNoContextTakeover,
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.logger.Debug("eventfeed_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	room := strings.TrimSpace(r.URL.Query().Get("room"))
	sub := f.subscribe(room)
	defer f.unsubscribe(sub)

	// subscribers never send; CloseRead handles control frames and cancels on disconnect
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
