package escrow

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

const (
	// MaxRoomIDLen bounds the room identifier in bytes.
	MaxRoomIDLen = 32
	// MaxNotationLen bounds a recorded move notation in bytes.
	MaxNotationLen = 10
	// DefaultMaxMoveHistory is the default number of move records kept per game.
	DefaultMaxMoveHistory = 512
)

// GameState is the escrow lifecycle state.
type GameState string

const (
	StateWaitingForPlayers  GameState = "WAITING_FOR_PLAYERS"
	StateWaitingForDeposits GameState = "WAITING_FOR_DEPOSITS"
	StateInProgress         GameState = "IN_PROGRESS"
	StateFinished           GameState = "FINISHED"
	StateCancelled          GameState = "CANCELLED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []GameState{
	StateWaitingForPlayers,
	StateWaitingForDeposits,
	StateInProgress,
	StateFinished,
	StateCancelled,
}

// Terminal reports whether no transition can leave s.
func (s GameState) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

// Winner is the settled outcome of a game.
type Winner string

const (
	WinnerNone  Winner = "none"
	WinnerWhite Winner = "white"
	WinnerBlack Winner = "black"
	WinnerDraw  Winner = "draw"
)

var winnerCodes = []Winner{WinnerNone, WinnerWhite, WinnerBlack, WinnerDraw}

// Code returns the wire code of w.
func (w Winner) Code() uint8 {
	for i, v := range winnerCodes {
		if v == w {
			return uint8(i)
		}
	}
	return 0
}

// WinnerFromCode decodes a wire winner code.
func WinnerFromCode(c uint8) (Winner, error) {
	if int(c) >= len(winnerCodes) {
		return WinnerNone, fmt.Errorf("%w: winner code %d", ErrInvalidInstruction, c)
	}
	return winnerCodes[c], nil
}

// ParseWinner accepts the textual names used by the CLI and HTTP layer.
func ParseWinner(s string) (Winner, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return WinnerWhite, nil
	case "black", "b":
		return WinnerBlack, nil
	case "draw", "d":
		return WinnerDraw, nil
	case "none", "":
		return WinnerNone, nil
	}
	return WinnerNone, fmt.Errorf("%w: unknown winner %q", ErrInvalidInstruction, s)
}

// Reason is why a game ended.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCheckmate   Reason = "checkmate"
	ReasonResignation Reason = "resignation"
	ReasonTimeout     Reason = "timeout"
	ReasonAgreement   Reason = "agreement"
	ReasonStalemate   Reason = "stalemate"
	ReasonAbandonment Reason = "abandonment"
)

var reasonCodes = []Reason{ReasonCheckmate, ReasonResignation, ReasonTimeout, ReasonAgreement, ReasonStalemate, ReasonAbandonment}

// Code returns the wire code of r. ReasonNone has no wire form and encodes as 0xff.
func (r Reason) Code() uint8 {
	for i, v := range reasonCodes {
		if v == r {
			return uint8(i)
		}
	}
	return 0xff
}

// ReasonFromCode decodes a wire reason code.
func ReasonFromCode(c uint8) (Reason, error) {
	if int(c) >= len(reasonCodes) {
		return ReasonNone, fmt.Errorf("%w: reason code %d", ErrInvalidInstruction, c)
	}
	return reasonCodes[c], nil
}

// ParseReason accepts reason names case-insensitively.
func ParseReason(s string) (Reason, error) {
	v := Reason(strings.ToLower(strings.TrimSpace(s)))
	for _, r := range reasonCodes {
		if r == v {
			return r, nil
		}
	}
	return ReasonNone, fmt.Errorf("%w: unknown reason %q", ErrInvalidInstruction, s)
}

// Fingerprint is a 32-byte position digest supplied with each recorded move.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fingerprint) UnmarshalText(b []byte) error {
	v, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFingerprint decodes a 64-char hex digest.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != len(f) {
		return f, fmt.Errorf("%w: fingerprint must be 32 hex-encoded bytes", ErrInvalidInstruction)
	}
	copy(f[:], raw)
	return f, nil
}

// MoveFlags describe a move as adjudicated by the client-side rule engine.
type MoveFlags struct {
	Check     bool `json:"check,omitempty"`
	Checkmate bool `json:"checkmate,omitempty"`
	Castle    bool `json:"castle,omitempty"`
	EnPassant bool `json:"en_passant,omitempty"`
	Promotion bool `json:"promotion,omitempty"`
}

// Bits packs the flags into one byte for the instruction wire form.
func (f MoveFlags) Bits() uint8 {
	var b uint8
	if f.Check {
		b |= 1 << 0
	}
	if f.Checkmate {
		b |= 1 << 1
	}
	if f.Castle {
		b |= 1 << 2
	}
	if f.EnPassant {
		b |= 1 << 3
	}
	if f.Promotion {
		b |= 1 << 4
	}
	return b
}

// MoveFlagsFromBits is the inverse of Bits.
func MoveFlagsFromBits(b uint8) MoveFlags {
	return MoveFlags{
		Check:     b&(1<<0) != 0,
		Checkmate: b&(1<<1) != 0,
		Castle:    b&(1<<2) != 0,
		EnPassant: b&(1<<3) != 0,
		Promotion: b&(1<<4) != 0,
	}
}

// MoveRecord is one immutable entry of the move ledger.
type MoveRecord struct {
	Seq         uint32      `json:"seq"`
	Player      string      `json:"player"`
	Notation    string      `json:"notation"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Timestamp   int64       `json:"timestamp"`
	Flags       MoveFlags   `json:"flags"`
}

// GameEscrow is the authoritative per-room record. Timestamps are unix seconds; zero means unset.
type GameEscrow struct {
	RoomID           string       `json:"room_id"`
	Address          string       `json:"address"`
	PlayerWhite      string       `json:"player_white"`
	PlayerBlack      string       `json:"player_black,omitempty"`
	StakeAmount      uint64       `json:"stake_amount"`
	TotalDeposited   uint64       `json:"total_deposited"`
	State            GameState    `json:"game_state"`
	Winner           Winner       `json:"winner"`
	EndReason        Reason       `json:"end_reason,omitempty"`
	CreatedAt        int64        `json:"created_at"`
	StartedAt        int64        `json:"started_at,omitempty"`
	FinishedAt       int64        `json:"finished_at,omitempty"`
	TimeLimitSeconds int64        `json:"time_limit_seconds"`
	LastMoveTime     int64        `json:"last_move_time,omitempty"`
	MoveCount        uint32       `json:"move_count"`
	FeeCollector     string       `json:"fee_collector"`
	WhiteDeposited   bool         `json:"white_deposited"`
	BlackDeposited   bool         `json:"black_deposited"`
	MoveHistory      []MoveRecord `json:"move_history"`

	// Applied holds the digests of signed instructions already committed against this record.
	Applied []string `json:"applied_instructions,omitempty"`
}

// Clone returns a deep copy.
func (g *GameEscrow) Clone() *GameEscrow {
	if g == nil {
		return nil
	}
	cp := *g
	cp.MoveHistory = append([]MoveRecord(nil), g.MoveHistory...)
	cp.Applied = append([]string(nil), g.Applied...)
	return &cp
}

// IsPlayer reports whether id is one of the two seated players.
func (g *GameEscrow) IsPlayer(id string) bool {
	if id == "" {
		return false
	}
	return id == g.PlayerWhite || id == g.PlayerBlack
}

// ColorOf returns the side id plays, or WinnerNone when id is not seated.
func (g *GameEscrow) ColorOf(id string) Winner {
	switch {
	case id == "":
		return WinnerNone
	case id == g.PlayerWhite:
		return WinnerWhite
	case id == g.PlayerBlack:
		return WinnerBlack
	}
	return WinnerNone
}

// HasApplied reports whether the signed instruction with digest was already committed.
func (g *GameEscrow) HasApplied(digest string) bool {
	return slices.Contains(g.Applied, digest)
}

// LastActivity is the reference point of the inactivity clock: the last move, or the start.
func (g *GameEscrow) LastActivity() int64 {
	if g.LastMoveTime != 0 {
		return g.LastMoveTime
	}
	return g.StartedAt
}

// TimedOut reports whether the inactivity limit has fully elapsed at now.
func (g *GameEscrow) TimedOut(now int64) bool {
	return now-g.LastActivity() >= g.TimeLimitSeconds
}

// Vault holds the custodied balance of one game.
type Vault struct {
	Address string `json:"address"`
	Game    string `json:"game"`
	Balance uint64 `json:"balance"`
}
