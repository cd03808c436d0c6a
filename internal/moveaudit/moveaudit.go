// Package moveaudit replays recorded move ledgers with a rules engine. The escrow core trusts the client's
// adjudication; this package lets clients build honest move records and lets the server spot-check end-of-game claims.
package moveaudit

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-escrow/internal/escrow"
)

var ErrIllegalMove = errors.New("illegal move")

// Description is what a client submits with RecordMove for one ply.
type Description struct {
	Notation    string             `json:"notation"`
	UCI         string             `json:"uci"`
	Fingerprint escrow.Fingerprint `json:"fingerprint"`
	Flags       escrow.MoveFlags   `json:"flags"`
	FEN         string             `json:"fen"`
	Outcome     string             `json:"outcome,omitempty"`
}

// Fingerprint digests the position part of a FEN (placement, side to move, castling, en passant).
// Move clocks are excluded so transpositions agree.
func Fingerprint(fen string) escrow.Fingerprint {
	fields := strings.Fields(fen)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return escrow.Fingerprint(sha256.Sum256([]byte(strings.Join(fields, " "))))
}

func cleanNotation(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "+#!?")
}

// decode accepts SAN first, then UCI.
func decode(pos *nchess.Position, text string) (*nchess.Move, error) {
	san := cleanNotation(text)
	if san == "" {
		return nil, ErrIllegalMove
	}
	if mv, err := (nchess.AlgebraicNotation{}).Decode(pos, san); err == nil {
		return mv, nil
	}
	if mv, err := (nchess.UCINotation{}).Decode(pos, strings.ToLower(san)); err == nil {
		return mv, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrIllegalMove, text)
}

// Replay plays notations from the initial position.
func Replay(notations []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, n := range notations {
		mv, err := decode(game.Position(), n)
		if err != nil {
			return nil, fmt.Errorf("ply %d: %w", i+1, err)
		}
		if err := game.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("ply %d: %w: %v", i+1, ErrIllegalMove, err)
		}
	}
	return game, nil
}

// Describe replays history and adjudicates next, returning the canonical SAN, fingerprint and flags.
func Describe(history []string, next string) (*Description, error) {
	game, err := Replay(history)
	if err != nil {
		return nil, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return nil, fmt.Errorf("%w: game already decided", ErrIllegalMove)
	}
	pos := game.Position()
	mv, err := decode(pos, next)
	if err != nil {
		return nil, err
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	uci := strings.ToLower(nchess.UCINotation{}.Encode(pos, mv))
	if err := game.Move(mv, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	d := &Description{
		Notation:    san,
		UCI:         uci,
		FEN:         game.FEN(),
		Fingerprint: Fingerprint(game.FEN()),
		Flags: escrow.MoveFlags{
			Check:     mv.HasTag(nchess.Check),
			Checkmate: game.Method() == nchess.Checkmate,
			Castle:    mv.HasTag(nchess.KingSideCastle) || mv.HasTag(nchess.QueenSideCastle),
			EnPassant: mv.HasTag(nchess.EnPassant),
			Promotion: mv.Promo() != nchess.NoPieceType,
		},
	}
	if game.Outcome() != nchess.NoOutcome {
		d.Outcome = string(game.Outcome())
	}
	if len(d.Notation) > escrow.MaxNotationLen {
		return nil, escrow.ErrMoveNotationTooLong
	}
	return d, nil
}

// Verifier checks checkmate and stalemate claims against the replayed move ledger.
type Verifier struct{}

func NewVerifier() *Verifier { return &Verifier{} }

func (v *Verifier) VerifyOutcome(history []escrow.MoveRecord, winner escrow.Winner, reason escrow.Reason) error {
	notations := make([]string, len(history))
	for i, m := range history {
		notations[i] = m.Notation
	}
	rejected := escrow.ErrInvalidWinnerDeclaration
	if winner == escrow.WinnerDraw {
		rejected = escrow.ErrInvalidDrawDeclaration
	}
	game, err := Replay(notations)
	if err != nil {
		return fmt.Errorf("%w: %v", rejected, err)
	}

	switch reason {
	case escrow.ReasonCheckmate:
		if game.Method() != nchess.Checkmate {
			return fmt.Errorf("%w: position is not checkmate", rejected)
		}
		want := nchess.WhiteWon
		if winner == escrow.WinnerBlack {
			want = nchess.BlackWon
		}
		if game.Outcome() != want {
			return fmt.Errorf("%w: checkmate favours the other side", rejected)
		}
	case escrow.ReasonStalemate:
		if game.Method() != nchess.Stalemate {
			return fmt.Errorf("%w: position is not stalemate", rejected)
		}
	}
	return nil
}
