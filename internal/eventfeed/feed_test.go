package eventfeed

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/ledger"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeed_StreamsCommittedEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rdb, err := ledger.OpenRedis(ctx, fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	engine, err := escrow.NewEngine(ledger.NewRedis(rdb, ledger.RedisOptions{}), escrow.Options{Fees: escrow.DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// an event committed before the feed starts is not replayed
	if _, err := engine.Initialize(ctx, escrow.InitializeParams{RoomID: "old", Caller: "w", StakeAmount: 1, TimeLimitSeconds: 60, FeeCollector: "fee"}); err != nil {
		t.Fatalf("Initialize old: %v", err)
	}

	feed := New(rdb, Options{Block: 20 * time.Millisecond})
	go func() { _ = feed.Run(ctx) }()
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?room=new"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return feed.Subscribers() == 1 })
	// let Run take its starting position before committing
	time.Sleep(50 * time.Millisecond)

	if _, err := engine.Initialize(ctx, escrow.InitializeParams{RoomID: "other", Caller: "w", StakeAmount: 1, TimeLimitSeconds: 60, FeeCollector: "fee"}); err != nil {
		t.Fatalf("Initialize other: %v", err)
	}
	if _, err := engine.Initialize(ctx, escrow.InitializeParams{RoomID: "new", Caller: "w", StakeAmount: 1, TimeLimitSeconds: 60, FeeCollector: "fee"}); err != nil {
		t.Fatalf("Initialize new: %v", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	var ev escrow.Event
	if err := wsjson.Read(rctx, conn, &ev); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ev.RoomID != "new" || ev.Type != escrow.EventGameCreated || ev.Game != escrow.GameAddress("new") {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestFeed_DropsSlowSubscriber(t *testing.T) {
	f := New(nil, Options{Buffer: 1})
	s := f.subscribe("")
	f.broadcast(escrow.Event{RoomID: "a"})
	f.broadcast(escrow.Event{RoomID: "a"})
	if f.Subscribers() != 0 {
		t.Fatalf("slow subscriber kept")
	}
	if _, ok := <-s.ch; !ok {
		t.Fatalf("buffered event lost")
	}
	if _, ok := <-s.ch; ok {
		t.Fatalf("channel should be closed")
	}
	f.unsubscribe(s) // second removal is harmless
}

func TestFeed_RoomFilter(t *testing.T) {
	f := New(nil, Options{})
	s := f.subscribe("x")
	f.broadcast(escrow.Event{RoomID: "y"})
	f.broadcast(escrow.Event{RoomID: "x"})
	if ev := <-s.ch; ev.RoomID != "x" {
		t.Fatalf("filter leaked %s", ev.RoomID)
	}
	f.unsubscribe(s)
}
