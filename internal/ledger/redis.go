package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultStream       = "escrow:events"
	DefaultStreamMaxLen = 100_000
	defaultMaxRetries   = 8
)

type RedisOptions struct {
	// Stream receives every committed event. Empty means DefaultStream.
	Stream string
	// StreamMaxLen caps the stream approximately; 0 disables trimming.
	StreamMaxLen int64
	// MaxRetries bounds optimistic transaction retries before ErrConflict.
	MaxRetries int
}

// Redis stores records as JSON under derived keys and commits each instruction with WATCH + MULTI/EXEC.
type Redis struct {
	rdb        *redis.Client
	stream     string
	maxLen     int64
	maxRetries int
}

func NewRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	if strings.TrimSpace(opts.Stream) == "" {
		opts.Stream = DefaultStream
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.StreamMaxLen < 0 {
		opts.StreamMaxLen = 0
	}
	return &Redis{rdb: rdb, stream: opts.Stream, maxLen: opts.StreamMaxLen, maxRetries: opts.MaxRetries}
}

// Stream is the event stream key.
func (l *Redis) Stream() string { return l.stream }

func (l *Redis) keyGame(addr string) string { return "escrow:game:" + addr }

func (l *Redis) keyVault(addr string) string { return "escrow:vault:" + addr }

func (l *Redis) keyAccount(id string) string { return "escrow:acct:" + id }

func (l *Redis) keyState(s escrow.GameState) string { return "escrow:state:" + string(s) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (l *Redis) read(ctx context.Context, c getter, gameAddr string) (*escrow.Record, error) {
	rec := &escrow.Record{}
	raw, err := c.Get(ctx, l.keyGame(gameAddr)).Bytes()
	if err == redis.Nil {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	var g escrow.GameEscrow
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", gameAddr, err)
	}
	rec.Game = &g

	vaultAddr := escrow.VaultAddress(gameAddr)
	raw, err = c.Get(ctx, l.keyVault(vaultAddr)).Bytes()
	if err == redis.Nil {
		rec.Vault = emptyVault(gameAddr)
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	var v escrow.Vault
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode vault %s: %w", vaultAddr, err)
	}
	rec.Vault = &v
	return rec, nil
}

func readBalance(ctx context.Context, c getter, key string) (uint64, error) {
	n, err := c.Get(ctx, key).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (l *Redis) Apply(ctx context.Context, gameAddr string, fn escrow.Mutation) (*escrow.Record, error) {
	gameK := l.keyGame(gameAddr)
	vaultK := l.keyVault(escrow.VaultAddress(gameAddr))

	var out *escrow.Record
	txf := func(tx *redis.Tx) error {
		rec, err := l.read(ctx, tx, gameAddr)
		if err != nil {
			return err
		}
		var prev escrow.GameState
		if rec.Game != nil {
			prev = rec.Game.State
		}
		eff, err := fn(rec)
		if err != nil {
			return err
		}
		if rec.Game == nil || rec.Vault == nil {
			return escrow.ErrGameNotFound
		}
		if eff == nil {
			eff = &escrow.Effects{}
		}

		// balances touched by this instruction join the watch set before they are read
		accounts := eff.Accounts()
		balances := make(map[string]uint64, len(accounts))
		if len(accounts) > 0 {
			keys := make([]string, len(accounts))
			for i, a := range accounts {
				keys[i] = l.keyAccount(a)
			}
			if err := tx.Watch(ctx, keys...).Err(); err != nil {
				return err
			}
			for i, a := range accounts {
				n, err := readBalance(ctx, tx, keys[i])
				if err != nil {
					return err
				}
				balances[a] = n
			}
		}
		if err := eff.ApplyPostings(balances); err != nil {
			return err
		}

		gameRaw, err := json.Marshal(rec.Game)
		if err != nil {
			return err
		}
		vaultRaw, err := json.Marshal(rec.Vault)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, gameK, gameRaw, 0)
		pipe.Set(ctx, vaultK, vaultRaw, 0)
		for a, n := range balances {
			pipe.Set(ctx, l.keyAccount(a), strconv.FormatUint(n, 10), 0)
		}
		if prev != rec.Game.State {
			if prev != "" {
				pipe.SRem(ctx, l.keyState(prev), gameAddr)
			}
			pipe.SAdd(ctx, l.keyState(rec.Game.State), gameAddr)
		}
		for _, ev := range eff.Events {
			raw, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: l.stream,
				MaxLen: l.maxLen,
				Approx: l.maxLen > 0,
				Values: map[string]any{"type": string(ev.Type), "room_id": ev.RoomID, "event": string(raw)},
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = rec
		return nil
	}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		err := l.rdb.Watch(ctx, txf, gameK, vaultK)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		obslog.L().Debug("ledger_tx_conflict", zap.String("game", gameAddr), zap.Int("attempt", attempt))
		if sleepErr := sleepWithContext(ctx, backoff(attempt)); sleepErr != nil {
			return nil, sleepErr
		}
	}
	obslog.L().Warn("ledger_tx_conflict_exhausted", zap.String("game", gameAddr), zap.Int("attempts", l.maxRetries))
	return nil, escrow.ErrConflict
}

func (l *Redis) Load(ctx context.Context, gameAddr string) (*escrow.Record, error) {
	rec, err := l.read(ctx, l.rdb, gameAddr)
	if err != nil {
		return nil, err
	}
	if rec.Game == nil {
		return nil, escrow.ErrGameNotFound
	}
	return rec, nil
}

func (l *Redis) Balance(ctx context.Context, account string) (uint64, error) {
	return readBalance(ctx, l.rdb, l.keyAccount(account))
}

func (l *Redis) Credit(ctx context.Context, account string, amount uint64) (uint64, error) {
	key := l.keyAccount(account)
	var out uint64
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := readBalance(ctx, tx, key)
			if err != nil {
				return err
			}
			eff := &escrow.Effects{Credits: []escrow.Posting{{Account: account, Amount: amount}}}
			scratch := map[string]uint64{account: cur}
			if err := eff.ApplyPostings(scratch); err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, strconv.FormatUint(scratch[account], 10), 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out = scratch[account]
			return nil
		}, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return 0, err
		}
	}
	return 0, escrow.ErrConflict
}

func (l *Redis) Addresses(ctx context.Context, state escrow.GameState) ([]string, error) {
	addrs, err := l.rdb.SMembers(ctx, l.keyState(state)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(addrs)
	return addrs, nil
}

func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		attempt = 5
	}
	return time.Duration(1<<uint(attempt-1)) * 5 * time.Millisecond // 5ms, 10ms ...
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
