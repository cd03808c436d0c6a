package api

import (
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/pkg/escrowdto"
)

func toFlags(f escrow.MoveFlags) escrowdto.MoveFlags {
	return escrowdto.MoveFlags{
		Check:     f.Check,
		Checkmate: f.Checkmate,
		Castle:    f.Castle,
		EnPassant: f.EnPassant,
		Promotion: f.Promotion,
	}
}

func toGame(g *escrow.GameEscrow) *escrowdto.Game {
	if g == nil {
		return nil
	}
	out := &escrowdto.Game{
		RoomID:           g.RoomID,
		Address:          g.Address,
		PlayerWhite:      g.PlayerWhite,
		PlayerBlack:      g.PlayerBlack,
		StakeAmount:      g.StakeAmount,
		TotalDeposited:   g.TotalDeposited,
		State:            string(g.State),
		Winner:           string(g.Winner),
		EndReason:        string(g.EndReason),
		CreatedAt:        g.CreatedAt,
		StartedAt:        g.StartedAt,
		FinishedAt:       g.FinishedAt,
		TimeLimitSeconds: g.TimeLimitSeconds,
		LastMoveTime:     g.LastMoveTime,
		MoveCount:        g.MoveCount,
		FeeCollector:     g.FeeCollector,
		WhiteDeposited:   g.WhiteDeposited,
		BlackDeposited:   g.BlackDeposited,
		MoveHistory:      make([]escrowdto.Move, 0, len(g.MoveHistory)),
	}
	for _, m := range g.MoveHistory {
		out.MoveHistory = append(out.MoveHistory, escrowdto.Move{
			Seq:         m.Seq,
			Player:      m.Player,
			Notation:    m.Notation,
			Fingerprint: m.Fingerprint.String(),
			Timestamp:   m.Timestamp,
			Flags:       toFlags(m.Flags),
		})
	}
	return out
}

func toVault(v *escrow.Vault) *escrowdto.Vault {
	if v == nil {
		return nil
	}
	return &escrowdto.Vault{Address: v.Address, Game: v.Game, Balance: v.Balance}
}

func toPayout(p *escrow.Payout) *escrowdto.Payout {
	if p == nil {
		return nil
	}
	return &escrowdto.Payout{White: p.White, Black: p.Black, Fee: p.Fee, Remainder: p.Remainder}
}

func toEvent(ev escrow.Event) escrowdto.Event {
	out := escrowdto.Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		RoomID:    ev.RoomID,
		Game:      ev.Game,
		Actor:     ev.Actor,
		State:     string(ev.State),
		Winner:    string(ev.Winner),
		Reason:    string(ev.Reason),
		Amount:    ev.Amount,
		Total:     ev.Total,
		MoveCount: ev.MoveCount,
		Notation:  ev.Notation,
		Payout:    toPayout(ev.Payout),
		Timestamp: ev.Timestamp,
	}
	if ev.Fingerprint != nil {
		out.Fingerprint = ev.Fingerprint.String()
	}
	if ev.Flags != nil {
		f := toFlags(*ev.Flags)
		out.Flags = &f
	}
	return out
}
