// Package arbiter sweeps in-progress games and submits HandleTimeout for those whose clock has run out.
package arbiter

import (
	"context"
	"errors"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	"go.uber.org/zap"
)

// Engine is the part of escrow.Engine the arbiter drives.
type Engine interface {
	Games(ctx context.Context, state escrow.GameState) ([]*escrow.GameEscrow, error)
	HandleTimeout(ctx context.Context, roomID, caller string) (*escrow.Result, error)
}

type Options struct {
	// Identity signs timeouts as the caller; any identity is accepted by the engine.
	Identity string
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Arbiter struct {
	engine   Engine
	identity string
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func New(e Engine, opts Options) *Arbiter {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Identity == "" {
		opts.Identity = "arbiter"
	}
	return &Arbiter{engine: e, identity: opts.Identity, interval: opts.Interval, now: opts.Clock, logger: opts.Logger}
}

// Run sweeps every interval until ctx is done.
func (a *Arbiter) Run(ctx context.Context) {
	a.logger.Info("arbiter_started", zap.Duration("interval", a.interval), zap.String("identity", a.identity))
	t := time.NewTicker(a.interval)
	defer t.Stop()
	defer a.logger.Info("arbiter_stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("arbiter_sweep_failed", zap.Error(err))
			}
		}
	}
}

// Sweep forfeits every expired game once and returns how many were settled.
// Losing a race against a player's own declaration is not an error.
func (a *Arbiter) Sweep(ctx context.Context) (int, error) {
	games, err := a.engine.Games(ctx, escrow.StateInProgress)
	if err != nil {
		return 0, err
	}
	now := a.now().Unix()
	settled := 0
	for _, g := range games {
		if !g.TimedOut(now) {
			continue
		}
		res, err := a.engine.HandleTimeout(ctx, g.RoomID, a.identity)
		switch {
		case err == nil:
			settled++
			a.logger.Info("arbiter_timeout",
				zap.String("room_id", g.RoomID),
				zap.String("winner", string(res.Game.Winner)),
				zap.Uint32("move_count", res.Game.MoveCount),
			)
		case errors.Is(err, escrow.ErrTimeNotExceeded), errors.Is(err, escrow.ErrGameNotInProgress):
			a.logger.Debug("arbiter_timeout_skipped", zap.String("room_id", g.RoomID), zap.Error(err))
		default:
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			a.logger.Warn("arbiter_timeout_failed", zap.String("room_id", g.RoomID), zap.Error(err))
		}
	}
	return settled, nil
}
