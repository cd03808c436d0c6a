package escrow

import (
	"context"
	"fmt"
)

// Dispatcher authenticates instructions and routes them to the engine.
type Dispatcher struct {
	engine *Engine
}

func NewDispatcher(e *Engine) *Dispatcher { return &Dispatcher{engine: e} }

type appliedKey struct{}

// withApplied carries the digest of a verified instruction down to the ledger mutation.
func withApplied(ctx context.Context, digest string) context.Context {
	return context.WithValue(ctx, appliedKey{}, digest)
}

func appliedFrom(ctx context.Context) (string, bool) {
	d, ok := ctx.Value(appliedKey{}).(string)
	return d, ok && d != ""
}

// Dispatch verifies the signature, then runs the handler for in.Op with the signer as caller.
// Nothing is written when any check fails. Identical signed bytes are accepted once per game;
// callers vary the nonce to submit the same operation again.
func (d *Dispatcher) Dispatch(ctx context.Context, in *Instruction) (*Result, error) {
	if in == nil {
		return nil, ErrInvalidInstruction
	}
	if err := in.Verify(); err != nil {
		return nil, err
	}
	digest, err := in.Digest()
	if err != nil {
		return nil, err
	}
	ctx = withApplied(ctx, digest)
	caller := in.Signer
	switch in.Op {
	case OpInitialize:
		if !ValidIdentity(in.FeeCollector) {
			return nil, ErrInvalidIdentity
		}
		return d.engine.Initialize(ctx, InitializeParams{
			RoomID:           in.RoomID,
			Caller:           caller,
			StakeAmount:      in.StakeAmount,
			TimeLimitSeconds: in.TimeLimitSeconds,
			FeeCollector:     in.FeeCollector,
		})
	case OpJoin:
		return d.engine.Join(ctx, in.RoomID, caller)
	case OpDepositStake:
		return d.engine.DepositStake(ctx, in.RoomID, caller)
	case OpRecordMove:
		return d.engine.RecordMove(ctx, RecordMoveParams{
			RoomID:      in.RoomID,
			Caller:      caller,
			Notation:    in.Notation,
			Fingerprint: in.Fingerprint,
			Flags:       in.Flags,
		})
	case OpDeclareResult:
		return d.engine.DeclareResult(ctx, DeclareParams{
			RoomID: in.RoomID,
			Caller: caller,
			Winner: in.Winner,
			Reason: in.Reason,
		})
	case OpHandleTimeout:
		return d.engine.HandleTimeout(ctx, in.RoomID, caller)
	case OpCancelGame:
		return d.engine.CancelGame(ctx, in.RoomID, caller)
	}
	return nil, fmt.Errorf("%w: unknown opcode 0x%02x", ErrInvalidInstruction, uint8(in.Op))
}

// DispatchBytes decodes the binary form and dispatches it.
func (d *Dispatcher) DispatchBytes(ctx context.Context, raw []byte) (*Instruction, *Result, error) {
	in, err := DecodeInstruction(raw)
	if err != nil {
		return nil, nil, err
	}
	res, err := d.Dispatch(ctx, in)
	return in, res, err
}
