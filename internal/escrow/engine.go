package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/park285/chess-escrow/internal/obslog"
	"go.uber.org/zap"
)

// Clock returns the current time; tests substitute a fixed one.
type Clock func() time.Time

// OutcomeVerifier re-checks a checkmate or stalemate claim against the recorded moves.
type OutcomeVerifier interface {
	VerifyOutcome(history []MoveRecord, winner Winner, reason Reason) error
}

type Options struct {
	Fees           FeeSchedule
	MaxMoveHistory int
	// Verifier is optional. Without one, end-of-game claims are trusted as adjudicated client-side.
	Verifier OutcomeVerifier
	Clock    Clock
}

// Engine validates and applies the seven escrow instructions against a Ledger.
type Engine struct {
	ledger     Ledger
	fees       FeeSchedule
	maxHistory int
	verifier   OutcomeVerifier
	now        Clock
}

func NewEngine(l Ledger, opts Options) (*Engine, error) {
	if l == nil {
		return nil, errors.New("escrow: ledger required")
	}
	if err := opts.Fees.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxMoveHistory <= 0 {
		opts.MaxMoveHistory = DefaultMaxMoveHistory
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		ledger:     l,
		fees:       opts.Fees,
		maxHistory: opts.MaxMoveHistory,
		verifier:   opts.Verifier,
		now:        opts.Clock,
	}, nil
}

// Fees returns the configured fee schedule.
func (e *Engine) Fees() FeeSchedule { return e.fees }

// Result describes a committed instruction.
type Result struct {
	Game   *GameEscrow `json:"game"`
	Vault  *Vault      `json:"vault"`
	Payout *Payout     `json:"payout,omitempty"`
	Events []Event     `json:"events,omitempty"`
}

type handler func(rec *Record, now int64) (*Effects, *Payout, error)

func (e *Engine) run(ctx context.Context, op, roomID, actor string, h handler) (*Result, error) {
	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}
	now := e.now().Unix()
	var (
		eff    *Effects
		payout *Payout
	)
	digest, signed := appliedFrom(ctx)
	rec, err := e.ledger.Apply(ctx, GameAddress(roomID), func(rec *Record) (*Effects, error) {
		if signed && rec.Game != nil && rec.Game.HasApplied(digest) {
			return nil, ErrInstructionReplayed
		}
		out, p, err := h(rec, now)
		if err != nil {
			return nil, err
		}
		if signed && rec.Game != nil {
			rec.Game.Applied = append(rec.Game.Applied, digest)
		}
		eff, payout = out, p
		return out, nil
	})
	if err != nil {
		obslog.L().Warn("escrow_"+op+"_rejected",
			zap.String("room_id", roomID),
			zap.String("actor", actor),
			zap.String("code", string(CodeOf(err))),
			zap.Error(err),
		)
		return nil, err
	}
	res := &Result{Game: rec.Game, Vault: rec.Vault, Payout: payout}
	if eff != nil {
		res.Events = eff.Events
	}
	obslog.L().Info("escrow_"+op,
		zap.String("room_id", roomID),
		zap.String("actor", actor),
		zap.String("state", string(rec.Game.State)),
		zap.Uint64("total_deposited", rec.Game.TotalDeposited),
		zap.Uint64("vault_balance", rec.Vault.Balance),
	)
	return res, nil
}

type InitializeParams struct {
	RoomID           string
	Caller           string
	StakeAmount      uint64
	TimeLimitSeconds int64
	FeeCollector     string
}

// Initialize creates the escrow record and its empty vault with the caller seated as white.
func (e *Engine) Initialize(ctx context.Context, p InitializeParams) (*Result, error) {
	if err := validateRoomID(p.RoomID); err != nil {
		return nil, err
	}
	if p.StakeAmount == 0 {
		return nil, ErrInvalidStakeAmount
	}
	if p.TimeLimitSeconds <= 0 {
		return nil, ErrInvalidTimeLimit
	}
	if strings.TrimSpace(p.Caller) == "" || strings.TrimSpace(p.FeeCollector) == "" {
		return nil, ErrInvalidIdentity
	}
	return e.run(ctx, "initialize", p.RoomID, p.Caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		if rec.Game != nil {
			return nil, nil, ErrRecordAlreadyExists
		}
		addr := GameAddress(p.RoomID)
		g := &GameEscrow{
			RoomID:           p.RoomID,
			Address:          addr,
			PlayerWhite:      p.Caller,
			StakeAmount:      p.StakeAmount,
			State:            StateWaitingForPlayers,
			Winner:           WinnerNone,
			CreatedAt:        now,
			TimeLimitSeconds: p.TimeLimitSeconds,
			FeeCollector:     p.FeeCollector,
			MoveHistory:      []MoveRecord{},
		}
		rec.Game = g
		rec.Vault = &Vault{Address: VaultAddress(addr), Game: addr}

		ev := newEvent(EventGameCreated, g, p.Caller, now)
		ev.Amount = p.StakeAmount
		return &Effects{Events: []Event{ev}}, nil, nil
	})
}

// Join seats the caller as black.
func (e *Engine) Join(ctx context.Context, roomID, caller string) (*Result, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, ErrInvalidIdentity
	}
	return e.run(ctx, "join", roomID, caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		g := rec.Game
		if g == nil {
			return nil, nil, ErrGameNotFound
		}
		if g.State != StateWaitingForPlayers {
			return nil, nil, ErrGameNotWaitingForPlayers
		}
		if caller == g.PlayerWhite {
			return nil, nil, ErrCannotPlayAgainstSelf
		}
		g.PlayerBlack = caller
		if err := transition(g, StateWaitingForDeposits); err != nil {
			return nil, nil, err
		}
		return &Effects{Events: []Event{newEvent(EventPlayerJoined, g, caller, now)}}, nil, nil
	})
}

// DepositStake moves the stake from the caller's balance into the vault. The second deposit starts the game.
func (e *Engine) DepositStake(ctx context.Context, roomID, caller string) (*Result, error) {
	return e.run(ctx, "deposit", roomID, caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		g, v := rec.Game, rec.Vault
		if g == nil {
			return nil, nil, ErrGameNotFound
		}
		if g.State != StateWaitingForDeposits && g.State != StateWaitingForPlayers {
			return nil, nil, ErrInvalidStateForDeposit
		}
		side := g.ColorOf(caller)
		switch side {
		case WinnerWhite:
			if g.WhiteDeposited {
				return nil, nil, ErrAlreadyDeposited
			}
		case WinnerBlack:
			if g.BlackDeposited {
				return nil, nil, ErrAlreadyDeposited
			}
		default:
			return nil, nil, ErrUnauthorizedPlayer
		}

		balance, err := addU64(v.Balance, g.StakeAmount)
		if err != nil {
			return nil, nil, err
		}
		total, err := addU64(g.TotalDeposited, g.StakeAmount)
		if err != nil {
			return nil, nil, err
		}
		v.Balance, g.TotalDeposited = balance, total
		if side == WinnerWhite {
			g.WhiteDeposited = true
		} else {
			g.BlackDeposited = true
		}

		eff := &Effects{}
		eff.debit(caller, g.StakeAmount)
		dep := newEvent(EventStakeDeposited, g, caller, now)
		dep.Amount = g.StakeAmount

		if g.WhiteDeposited && g.BlackDeposited {
			if err := transition(g, StateInProgress); err != nil {
				return nil, nil, err
			}
			g.StartedAt = now
			g.LastMoveTime = now
			dep.State = g.State
			eff.Events = append(eff.Events, dep, newEvent(EventGameStarted, g, caller, now))
		} else {
			eff.Events = append(eff.Events, dep)
		}
		return eff, nil, nil
	})
}

type RecordMoveParams struct {
	RoomID      string
	Caller      string
	Notation    string
	Fingerprint Fingerprint
	Flags       MoveFlags
}

// RecordMove appends a move to the audit ledger. Legality is not checked here.
func (e *Engine) RecordMove(ctx context.Context, p RecordMoveParams) (*Result, error) {
	if strings.TrimSpace(p.Notation) == "" {
		return nil, fmt.Errorf("%w: empty move notation", ErrInvalidInstruction)
	}
	if len(p.Notation) > MaxNotationLen {
		return nil, ErrMoveNotationTooLong
	}
	return e.run(ctx, "record_move", p.RoomID, p.Caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		g := rec.Game
		if g == nil {
			return nil, nil, ErrGameNotFound
		}
		if g.State != StateInProgress {
			return nil, nil, ErrGameNotInProgress
		}
		if !g.IsPlayer(p.Caller) {
			return nil, nil, ErrUnauthorizedPlayer
		}
		if g.TimedOut(now) {
			return nil, nil, ErrMoveTimeExceeded
		}
		if len(g.MoveHistory) >= e.maxHistory {
			return nil, nil, ErrMoveHistoryFull
		}
		if g.MoveCount == math.MaxUint32 {
			return nil, nil, ErrArithmeticOverflow
		}
		g.MoveCount++
		g.LastMoveTime = now
		g.MoveHistory = append(g.MoveHistory, MoveRecord{
			Seq:         g.MoveCount,
			Player:      p.Caller,
			Notation:    p.Notation,
			Fingerprint: p.Fingerprint,
			Timestamp:   now,
			Flags:       p.Flags,
		})

		ev := newEvent(EventMoveRecorded, g, p.Caller, now)
		ev.Notation = p.Notation
		fp, fl := p.Fingerprint, p.Flags
		ev.Fingerprint, ev.Flags = &fp, &fl
		return &Effects{Events: []Event{ev}}, nil, nil
	})
}

type DeclareParams struct {
	RoomID string
	Caller string
	Winner Winner
	Reason Reason
}

// DeclareResult finishes the game on a player's claim and pays out the vault in the same unit.
func (e *Engine) DeclareResult(ctx context.Context, p DeclareParams) (*Result, error) {
	return e.run(ctx, "declare_result", p.RoomID, p.Caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		g := rec.Game
		if g == nil {
			return nil, nil, ErrGameNotFound
		}
		if g.State != StateInProgress {
			return nil, nil, ErrGameNotInProgress
		}
		if !g.IsPlayer(p.Caller) {
			return nil, nil, ErrUnauthorizedPlayer
		}
		if err := validateDeclaration(g, p.Caller, p.Winner, p.Reason); err != nil {
			return nil, nil, err
		}
		if e.verifier != nil && (p.Reason == ReasonCheckmate || p.Reason == ReasonStalemate) {
			if err := e.verifier.VerifyOutcome(g.MoveHistory, p.Winner, p.Reason); err != nil {
				return nil, nil, err
			}
		}
		return e.settle(rec, p.Winner, p.Reason, p.Caller, now)
	})
}

// HandleTimeout forfeits the side to move once the inactivity limit has elapsed. Any identity may call it.
func (e *Engine) HandleTimeout(ctx context.Context, roomID, caller string) (*Result, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, ErrInvalidIdentity
	}
	return e.run(ctx, "timeout", roomID, caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		g := rec.Game
		if g == nil {
			return nil, nil, ErrGameNotFound
		}
		if g.State != StateInProgress {
			return nil, nil, ErrGameNotInProgress
		}
		if !g.TimedOut(now) {
			return nil, nil, ErrTimeNotExceeded
		}
		return e.settle(rec, timeoutWinner(g.MoveCount), ReasonTimeout, caller, now)
	})
}

// CancelGame aborts a game that has not started and refunds every deposit in full.
func (e *Engine) CancelGame(ctx context.Context, roomID, caller string) (*Result, error) {
	return e.run(ctx, "cancel", roomID, caller, func(rec *Record, now int64) (*Effects, *Payout, error) {
		g, v := rec.Game, rec.Vault
		if g == nil {
			return nil, nil, ErrGameNotFound
		}
		if g.State != StateWaitingForPlayers && g.State != StateWaitingForDeposits {
			return nil, nil, ErrCannotCancelStartedGame
		}
		if !g.IsPlayer(caller) {
			return nil, nil, ErrUnauthorizedPlayer
		}
		var refund Payout
		if g.WhiteDeposited {
			refund.White = g.StakeAmount
		}
		if g.BlackDeposited {
			refund.Black = g.StakeAmount
		}
		if err := drainVault(v, g, refund); err != nil {
			return nil, nil, err
		}
		if err := transition(g, StateCancelled); err != nil {
			return nil, nil, err
		}
		g.FinishedAt = now

		eff := &Effects{}
		eff.credit(g.PlayerWhite, refund.White)
		eff.credit(g.PlayerBlack, refund.Black)
		ev := newEvent(EventGameCancelled, g, caller, now)
		ev.Payout = &refund
		eff.Events = []Event{ev}
		return eff, &refund, nil
	})
}

// settle finishes an in-progress game and empties the vault into the winner(s) and the fee collector.
func (e *Engine) settle(rec *Record, winner Winner, reason Reason, actor string, now int64) (*Effects, *Payout, error) {
	g, v := rec.Game, rec.Vault
	p, err := e.fees.Settle(g.TotalDeposited, winner)
	if err != nil {
		return nil, nil, err
	}
	if err := drainVault(v, g, p); err != nil {
		return nil, nil, err
	}
	if err := transition(g, StateFinished); err != nil {
		return nil, nil, err
	}
	g.Winner = winner
	g.EndReason = reason
	g.FinishedAt = now

	collector, err := p.Collector()
	if err != nil {
		return nil, nil, err
	}
	eff := &Effects{}
	eff.credit(g.PlayerWhite, p.White)
	eff.credit(g.PlayerBlack, p.Black)
	eff.credit(g.FeeCollector, collector)
	ev := newEvent(EventGameFinished, g, actor, now)
	ev.Payout = &p
	eff.Events = []Event{ev}
	return eff, &p, nil
}

// drainVault debits every leg of p from the vault, which must hold exactly the deposited total.
func drainVault(v *Vault, g *GameEscrow, p Payout) error {
	if v == nil {
		return ErrInsufficientVaultBalance
	}
	total, err := p.Total()
	if err != nil {
		return err
	}
	if v.Balance < total || v.Balance < g.TotalDeposited {
		return ErrInsufficientVaultBalance
	}
	if v.Balance != g.TotalDeposited || total != v.Balance {
		return ErrVaultImbalance
	}
	v.Balance = 0
	return nil
}

// Game returns the record and vault stored for roomID.
func (e *Engine) Game(ctx context.Context, roomID string) (*Record, error) {
	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}
	return e.ledger.Load(ctx, GameAddress(roomID))
}

// Games returns every record currently in state.
func (e *Engine) Games(ctx context.Context, state GameState) ([]*GameEscrow, error) {
	addrs, err := e.ledger.Addresses(ctx, state)
	if err != nil {
		return nil, err
	}
	out := make([]*GameEscrow, 0, len(addrs))
	for _, a := range addrs {
		rec, err := e.ledger.Load(ctx, a)
		if errors.Is(err, ErrGameNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Game.State == state {
			out = append(out, rec.Game)
		}
	}
	return out, nil
}

// OpenRooms lists games still waiting for a second player.
func (e *Engine) OpenRooms(ctx context.Context) ([]*GameEscrow, error) {
	return e.Games(ctx, StateWaitingForPlayers)
}

// AccountKey is the form an identity takes as a balance key. Signers decode to lowercase hex.
func AccountKey(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// Balance returns the spendable balance of an identity.
func (e *Engine) Balance(ctx context.Context, account string) (uint64, error) {
	account = AccountKey(account)
	if account == "" {
		return 0, ErrInvalidIdentity
	}
	return e.ledger.Balance(ctx, account)
}

// Fund credits an identity from outside the escrow; an operator action.
func (e *Engine) Fund(ctx context.Context, account string, amount uint64) (uint64, error) {
	account = AccountKey(account)
	if account == "" {
		return 0, ErrInvalidIdentity
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	bal, err := e.ledger.Credit(ctx, account, amount)
	if err != nil {
		return 0, err
	}
	obslog.L().Info("escrow_fund", zap.String("account", account), zap.Uint64("amount", amount), zap.Uint64("balance", bal))
	return bal, nil
}
