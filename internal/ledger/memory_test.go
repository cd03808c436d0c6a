package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/park285/chess-escrow/internal/escrow"
)

func seed(addr string) escrow.Mutation {
	return func(rec *escrow.Record) (*escrow.Effects, error) {
		if rec.Game != nil {
			return nil, escrow.ErrRecordAlreadyExists
		}
		rec.Game = &escrow.GameEscrow{RoomID: "r", Address: addr, State: escrow.StateWaitingForPlayers}
		rec.Vault = emptyVault(addr)
		return &escrow.Effects{Events: []escrow.Event{{Type: escrow.EventGameCreated, RoomID: "r"}}}, nil
	}
}

func TestMemory_ApplyAllOrNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	addr := escrow.GameAddress("r")
	if _, err := m.Apply(ctx, addr, seed(addr)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := m.Credit(ctx, "a", 10); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	// debit exceeds balance: neither the record nor the balance may change
	_, err := m.Apply(ctx, addr, func(rec *escrow.Record) (*escrow.Effects, error) {
		rec.Vault.Balance = 50
		rec.Game.TotalDeposited = 50
		return &escrow.Effects{Debits: []escrow.Posting{{Account: "a", Amount: 50}}}, nil
	})
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	rec, err := m.Load(ctx, addr)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Vault.Balance != 0 || rec.Game.TotalDeposited != 0 {
		t.Fatalf("rejected mutation leaked: %+v", rec.Vault)
	}
	if b, _ := m.Balance(ctx, "a"); b != 10 {
		t.Fatalf("balance=%d want 10", b)
	}
	if n := len(m.Events()); n != 1 {
		t.Fatalf("events=%d want 1", n)
	}
}

func TestMemory_LoadReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	addr := escrow.GameAddress("r")
	if _, err := m.Apply(ctx, addr, seed(addr)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, _ := m.Load(ctx, addr)
	rec.Game.State = escrow.StateFinished
	again, _ := m.Load(ctx, addr)
	if again.Game.State != escrow.StateWaitingForPlayers {
		t.Fatalf("caller mutated stored record")
	}
	addrs, _ := m.Addresses(ctx, escrow.StateWaitingForPlayers)
	if len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("addresses=%v", addrs)
	}
}

func TestMemory_MissingGame(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Load(ctx, "nope"); !errors.Is(err, escrow.ErrGameNotFound) {
		t.Fatalf("Load: want ErrGameNotFound, got %v", err)
	}
	_, err := m.Apply(ctx, "nope", func(rec *escrow.Record) (*escrow.Effects, error) { return nil, nil })
	if !errors.Is(err, escrow.ErrGameNotFound) {
		t.Fatalf("Apply: want ErrGameNotFound, got %v", err)
	}
}
