// Package indexer tails the ledger's event stream and mirrors it into a Sink.
// The ledger stays authoritative; the mirror only serves history and reporting.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultCursorKey = "escrow:indexer:cursor"

type Options struct {
	Stream    string
	CursorKey string
	Batch     int64
	// Block is how long Step waits for new entries; negative returns immediately.
	Block  time.Duration
	Logger *zap.Logger
}

type Indexer struct {
	rdb       *redis.Client
	sink      Sink
	stream    string
	cursorKey string
	batch     int64
	block     time.Duration
	logger    *zap.Logger
}

func New(rdb *redis.Client, sink Sink, opts Options) *Indexer {
	if opts.Stream == "" {
		opts.Stream = "escrow:events"
	}
	if opts.CursorKey == "" {
		opts.CursorKey = DefaultCursorKey
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Indexer{
		rdb:       rdb,
		sink:      sink,
		stream:    opts.Stream,
		cursorKey: opts.CursorKey,
		batch:     opts.Batch,
		block:     opts.Block,
		logger:    opts.Logger,
	}
}

// Cursor is the last stream id applied to the sink, or "0".
func (ix *Indexer) Cursor(ctx context.Context) (string, error) {
	id, err := ix.rdb.Get(ctx, ix.cursorKey).Result()
	if err == redis.Nil {
		return "0", nil
	}
	return id, err
}

// Step reads one batch after the cursor and applies it in order. The cursor advances per entry.
func (ix *Indexer) Step(ctx context.Context) (int, error) {
	cursor, err := ix.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	block := ix.block
	if block < 0 {
		block = -1
	}
	streams, err := ix.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{ix.stream, cursor},
		Count:   ix.batch,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, st := range streams {
		for _, msg := range st.Messages {
			ev, err := decodeEvent(msg)
			if err != nil {
				// a malformed entry cannot become valid later; skip it and move on
				ix.logger.Warn("indexer_bad_entry", zap.String("stream_id", msg.ID), zap.Error(err))
			} else if err := ix.sink.Apply(ctx, msg.ID, ev); err != nil {
				return applied, err
			}
			if err := ix.rdb.Set(ctx, ix.cursorKey, msg.ID, 0).Err(); err != nil {
				return applied, err
			}
			applied++
		}
	}
	return applied, nil
}

// Run steps until ctx is done, backing off after sink or redis errors.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("indexer_started", zap.String("stream", ix.stream))
	defer ix.logger.Info("indexer_stopped")
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := ix.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			ix.logger.Warn("indexer_step_failed", zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration(attempt)):
			}
			continue
		}
		attempt = 0
		if n > 0 {
			ix.logger.Debug("indexer_applied", zap.Int("count", n))
			continue
		}
		if ix.block < 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
}

func decodeEvent(msg redis.XMessage) (escrow.Event, error) {
	var ev escrow.Event
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return ev, fmt.Errorf("entry %s has no event field", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func backoffDuration(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
}
