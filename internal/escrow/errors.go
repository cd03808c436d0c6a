package escrow

import "errors"

// Kind groups error codes by the taxonomy callers branch on.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindArithmetic    Kind = "arithmetic"
	KindConflict      Kind = "conflict"
)

// Code is the stable error code returned to callers.
type Code string

// Error is a domain error. Values are package-level sentinels compared with errors.Is.
type Error struct {
	Code Code
	Kind Kind
}

func (e *Error) Error() string { return string(e.Code) }

// Retryable reports whether the same request may succeed unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindConflict }

func newErr(kind Kind, code string) *Error { return &Error{Code: Code(code), Kind: kind} }

// Validation
var (
	ErrRoomIDTooLong            = newErr(KindValidation, "RoomIdTooLong")
	ErrInvalidRoomID            = newErr(KindValidation, "InvalidRoomId")
	ErrInvalidStakeAmount       = newErr(KindValidation, "InvalidStakeAmount")
	ErrInvalidTimeLimit         = newErr(KindValidation, "InvalidTimeLimit")
	ErrMoveNotationTooLong      = newErr(KindValidation, "MoveNotationTooLong")
	ErrMoveHistoryFull          = newErr(KindValidation, "MoveHistoryFull")
	ErrInvalidIdentity          = newErr(KindValidation, "InvalidIdentity")
	ErrInvalidInstruction       = newErr(KindValidation, "InvalidInstruction")
	ErrInvalidWinnerDeclaration = newErr(KindValidation, "InvalidWinnerDeclaration")
	ErrInvalidDrawDeclaration   = newErr(KindValidation, "InvalidDrawDeclaration")
	ErrInvalidAmount            = newErr(KindValidation, "InvalidAmount")
)

// Authorization
var (
	ErrUnauthorizedPlayer    = newErr(KindAuthorization, "UnauthorizedPlayer")
	ErrCannotPlayAgainstSelf = newErr(KindAuthorization, "CannotPlayAgainstSelf")
	ErrInvalidSignature      = newErr(KindAuthorization, "InvalidSignature")
)

// State
var (
	ErrGameNotFound             = newErr(KindState, "GameNotFound")
	ErrRecordAlreadyExists      = newErr(KindState, "RecordAlreadyExists")
	ErrGameNotWaitingForPlayers = newErr(KindState, "GameNotWaitingForPlayers")
	ErrInvalidStateForDeposit   = newErr(KindState, "InvalidGameStateForDeposit")
	ErrAlreadyDeposited         = newErr(KindState, "AlreadyDeposited")
	ErrGameNotInProgress        = newErr(KindState, "GameNotInProgress")
	ErrTimeNotExceeded          = newErr(KindState, "TimeNotExceeded")
	ErrMoveTimeExceeded         = newErr(KindState, "MoveTimeExceeded")
	ErrCannotCancelStartedGame  = newErr(KindState, "CannotCancelStartedGame")
	ErrInvalidStateTransition   = newErr(KindState, "InvalidStateTransition")
	ErrInsufficientFunds        = newErr(KindState, "InsufficientFunds")
	ErrInstructionReplayed      = newErr(KindState, "InstructionReplayed")
)

// Arithmetic
var (
	ErrArithmeticOverflow       = newErr(KindArithmetic, "ArithmeticOverflow")
	ErrInsufficientVaultBalance = newErr(KindArithmetic, "InsufficientVaultBalance")
	ErrVaultImbalance           = newErr(KindArithmetic, "VaultImbalance")
)

// ErrConflict is returned when concurrent writers kept invalidating an optimistic transaction.
var ErrConflict = newErr(KindConflict, "Conflict")

// AllErrors lists every sentinel; used by the message catalog and the HTTP status mapping.
var AllErrors = []*Error{
	ErrRoomIDTooLong, ErrInvalidRoomID, ErrInvalidStakeAmount, ErrInvalidTimeLimit,
	ErrMoveNotationTooLong, ErrMoveHistoryFull, ErrInvalidIdentity, ErrInvalidInstruction,
	ErrInvalidWinnerDeclaration, ErrInvalidDrawDeclaration, ErrInvalidAmount,
	ErrUnauthorizedPlayer, ErrCannotPlayAgainstSelf, ErrInvalidSignature,
	ErrGameNotFound, ErrRecordAlreadyExists, ErrGameNotWaitingForPlayers, ErrInvalidStateForDeposit,
	ErrAlreadyDeposited, ErrGameNotInProgress, ErrTimeNotExceeded, ErrMoveTimeExceeded,
	ErrCannotCancelStartedGame, ErrInvalidStateTransition, ErrInsufficientFunds, ErrInstructionReplayed,
	ErrArithmeticOverflow, ErrInsufficientVaultBalance, ErrVaultImbalance,
	ErrConflict,
}

// AsError extracts the domain error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the domain code of err or "" for infrastructure errors.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
