package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb, err := OpenRedis(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, RedisOptions{StreamMaxLen: 1000}), mr
}

func TestRedis_FullGame(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	e, err := escrow.NewEngine(l, escrow.Options{Fees: escrow.DefaultFeeSchedule(), Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for _, id := range []string{"w", "b"} {
		if _, err := e.Fund(ctx, id, 1_000_000); err != nil {
			t.Fatalf("Fund: %v", err)
		}
	}
	steps := []func() (*escrow.Result, error){
		func() (*escrow.Result, error) {
			return e.Initialize(ctx, escrow.InitializeParams{RoomID: "room", Caller: "w", StakeAmount: 1_000_000, TimeLimitSeconds: 60, FeeCollector: "fee"})
		},
		func() (*escrow.Result, error) { return e.Join(ctx, "room", "b") },
		func() (*escrow.Result, error) { return e.DepositStake(ctx, "room", "w") },
		func() (*escrow.Result, error) { return e.DepositStake(ctx, "room", "b") },
		func() (*escrow.Result, error) {
			return e.RecordMove(ctx, escrow.RecordMoveParams{RoomID: "room", Caller: "w", Notation: "e4"})
		},
		func() (*escrow.Result, error) {
			return e.DeclareResult(ctx, escrow.DeclareParams{RoomID: "room", Caller: "w", Winner: escrow.WinnerBlack, Reason: escrow.ReasonResignation})
		},
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	rec, err := l.Load(ctx, escrow.GameAddress("room"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Game.State != escrow.StateFinished || rec.Vault.Balance != 0 || len(rec.Game.MoveHistory) != 1 {
		t.Fatalf("unexpected record: %+v vault=%+v", rec.Game, rec.Vault)
	}
	for id, want := range map[string]uint64{"w": 0, "b": 1_960_000, "fee": 40_000} {
		if got, _ := l.Balance(ctx, id); got != want {
			t.Fatalf("balance %s=%d want %d", id, got, want)
		}
	}

	finished, _ := l.Addresses(ctx, escrow.StateFinished)
	live, _ := l.Addresses(ctx, escrow.StateInProgress)
	if len(finished) != 1 || len(live) != 0 {
		t.Fatalf("state index finished=%v live=%v", finished, live)
	}

	n, err := l.rdb.XLen(ctx, l.Stream()).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	// created, joined, deposited x2, started, move, finished
	if n != 7 {
		t.Fatalf("stream length=%d want 7", n)
	}
}

func TestRedis_RejectedMutationWritesNothing(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx := context.Background()
	addr := escrow.GameAddress("r")
	if _, err := l.Apply(ctx, addr, seed(addr)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := l.Apply(ctx, addr, func(rec *escrow.Record) (*escrow.Effects, error) {
		rec.Vault.Balance = 5
		return &escrow.Effects{Debits: []escrow.Posting{{Account: "nobody", Amount: 5}}}, nil
	})
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	rec, _ := l.Load(ctx, addr)
	if rec.Vault.Balance != 0 {
		t.Fatalf("vault=%d after rejected mutation", rec.Vault.Balance)
	}
	if n, _ := l.rdb.XLen(ctx, l.Stream()).Result(); n != 1 {
		t.Fatalf("stream length=%d want 1", n)
	}
}

func TestRedis_RetriesOnConcurrentWrite(t *testing.T) {
	l, mr := newTestRedis(t)
	ctx := context.Background()
	addr := escrow.GameAddress("r")
	if _, err := l.Apply(ctx, addr, seed(addr)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	calls := 0
	rec, err := l.Apply(ctx, addr, func(rec *escrow.Record) (*escrow.Effects, error) {
		calls++
		if calls == 1 {
			// another writer touches the watched record mid-transaction
			touch(t, mr, l.keyGame(addr))
		}
		rec.Game.MoveCount++
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if calls != 2 || rec.Game.MoveCount != 1 {
		t.Fatalf("calls=%d move_count=%d", calls, rec.Game.MoveCount)
	}
}

func TestRedis_ConflictExhausted(t *testing.T) {
	l, mr := newTestRedis(t)
	l.maxRetries = 2
	ctx := context.Background()
	addr := escrow.GameAddress("r")
	if _, err := l.Apply(ctx, addr, seed(addr)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := l.Apply(ctx, addr, func(rec *escrow.Record) (*escrow.Effects, error) {
		touch(t, mr, l.keyGame(addr))
		return nil, nil
	})
	if !errors.Is(err, escrow.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestRedis_Credit(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx := context.Background()
	if b, err := l.Credit(ctx, "a", 7); err != nil || b != 7 {
		t.Fatalf("Credit: b=%d err=%v", b, err)
	}
	if b, err := l.Credit(ctx, "a", 3); err != nil || b != 10 {
		t.Fatalf("Credit: b=%d err=%v", b, err)
	}
	if _, err := l.Credit(ctx, "a", ^uint64(0)); !errors.Is(err, escrow.ErrArithmeticOverflow) {
		t.Fatalf("want ErrArithmeticOverflow, got %v", err)
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := ParseRedisURL("redis://:secret@localhost:6379/2")
	if err != nil {
		t.Fatalf("ParseRedisURL: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.Password != "secret" || opts.DB != 2 || opts.TLSConfig != nil {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := ParseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
	tlsOpts, err := ParseRedisURL("rediss://cache.internal:6380")
	if err != nil || tlsOpts.TLSConfig == nil {
		t.Fatalf("rediss should enable TLS: %+v err=%v", tlsOpts, err)
	}
}

// touch rewrites key from a second connection, invalidating any WATCH on it.
func touch(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	ctx := context.Background()
	v, err := other.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	if err := other.Set(ctx, key, v, 0).Err(); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}
