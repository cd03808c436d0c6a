package escrow

import "github.com/google/uuid"

// EventType names a state change reported to the off-chain indexer.
type EventType string

const (
	EventGameCreated    EventType = "game_created"
	EventPlayerJoined   EventType = "player_joined"
	EventStakeDeposited EventType = "stake_deposited"
	EventGameStarted    EventType = "game_started"
	EventMoveRecorded   EventType = "move_recorded"
	EventGameFinished   EventType = "game_finished"
	EventGameCancelled  EventType = "game_cancelled"
)

// Event is committed together with the record it describes. Consumers treat it as a notification only;
// the ledger record stays the source of truth.
type Event struct {
	ID          string       `json:"id"`
	Type        EventType    `json:"type"`
	RoomID      string       `json:"room_id"`
	Game        string       `json:"game"`
	Actor       string       `json:"actor"`
	State       GameState    `json:"game_state"`
	Winner      Winner       `json:"winner,omitempty"`
	Reason      Reason       `json:"reason,omitempty"`
	Amount      uint64       `json:"amount,omitempty"`
	Total       uint64       `json:"total_deposited"`
	MoveCount   uint32       `json:"move_count,omitempty"`
	Notation    string       `json:"notation,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	Flags       *MoveFlags   `json:"flags,omitempty"`
	Payout      *Payout      `json:"payout,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

func newEvent(t EventType, g *GameEscrow, actor string, now int64) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		RoomID:    g.RoomID,
		Game:      g.Address,
		Actor:     actor,
		State:     g.State,
		Winner:    g.Winner,
		Reason:    g.EndReason,
		Total:     g.TotalDeposited,
		MoveCount: g.MoveCount,
		Timestamp: now,
	}
}
