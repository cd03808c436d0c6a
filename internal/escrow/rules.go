package escrow

import "strings"

// forward edges of the lifecycle; terminal states have none.
var transitions = map[GameState][]GameState{
	StateWaitingForPlayers:  {StateWaitingForDeposits, StateCancelled},
	StateWaitingForDeposits: {StateInProgress, StateCancelled},
	StateInProgress:         {StateFinished},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to GameState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(g *GameEscrow, to GameState) error {
	if !CanTransition(g.State, to) {
		return ErrInvalidStateTransition
	}
	g.State = to
	return nil
}

func validateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoomID
	}
	if len(roomID) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

func opponent(w Winner) Winner {
	switch w {
	case WinnerWhite:
		return WinnerBlack
	case WinnerBlack:
		return WinnerWhite
	}
	return WinnerNone
}

// validateDeclaration checks that (winner, reason) is a claim the declarer may make.
//
//	draw             agreement | stalemate, either player
//	decisive, resign declarer is the loser
//	decisive, flag   declarer is the winner
//	decisive, mate   either player
func validateDeclaration(g *GameEscrow, declarer string, winner Winner, reason Reason) error {
	side := g.ColorOf(declarer)
	switch winner {
	case WinnerDraw:
		if reason == ReasonAgreement || reason == ReasonStalemate {
			return nil
		}
		return ErrInvalidDrawDeclaration
	case WinnerWhite, WinnerBlack:
		switch reason {
		case ReasonResignation:
			if side == opponent(winner) {
				return nil
			}
		case ReasonTimeout:
			if side == winner {
				return nil
			}
		case ReasonCheckmate:
			return nil
		}
		return ErrInvalidWinnerDeclaration
	}
	return ErrInvalidWinnerDeclaration
}

// timeoutWinner returns the side that did not have the move. White moves on even counts.
func timeoutWinner(moveCount uint32) Winner {
	if moveCount%2 == 0 {
		return WinnerBlack
	}
	return WinnerWhite
}
