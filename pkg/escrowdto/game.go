package escrowdto

type MoveFlags struct {
	Check     bool `json:"check,omitempty"`
	Checkmate bool `json:"checkmate,omitempty"`
	Castle    bool `json:"castle,omitempty"`
	EnPassant bool `json:"en_passant,omitempty"`
	Promotion bool `json:"promotion,omitempty"`
}

type Move struct {
	Seq         uint32    `json:"seq"`
	Player      string    `json:"player"`
	Notation    string    `json:"notation"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   int64     `json:"timestamp"`
	Flags       MoveFlags `json:"flags"`
}

// Game is the public view of an escrow record.
type Game struct {
	RoomID           string `json:"room_id"`
	Address          string `json:"address"`
	PlayerWhite      string `json:"player_white"`
	PlayerBlack      string `json:"player_black,omitempty"`
	StakeAmount      uint64 `json:"stake_amount"`
	TotalDeposited   uint64 `json:"total_deposited"`
	State            string `json:"game_state"`
	Winner           string `json:"winner"`
	EndReason        string `json:"end_reason,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	StartedAt        int64  `json:"started_at,omitempty"`
	FinishedAt       int64  `json:"finished_at,omitempty"`
	TimeLimitSeconds int64  `json:"time_limit_seconds"`
	LastMoveTime     int64  `json:"last_move_time,omitempty"`
	MoveCount        uint32 `json:"move_count"`
	FeeCollector     string `json:"fee_collector"`
	WhiteDeposited   bool   `json:"white_deposited"`
	BlackDeposited   bool   `json:"black_deposited"`
	MoveHistory      []Move `json:"move_history"`
}

type Vault struct {
	Address string `json:"address"`
	Game    string `json:"game"`
	Balance uint64 `json:"balance"`
}

type Payout struct {
	White     uint64 `json:"white"`
	Black     uint64 `json:"black"`
	Fee       uint64 `json:"fee"`
	Remainder uint64 `json:"remainder"`
}

// Event is one committed state change as published on the event feed.
type Event struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	RoomID      string     `json:"room_id"`
	Game        string     `json:"game"`
	Actor       string     `json:"actor"`
	State       string     `json:"game_state"`
	Winner      string     `json:"winner,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Amount      uint64     `json:"amount,omitempty"`
	Total       uint64     `json:"total_deposited"`
	MoveCount   uint32     `json:"move_count,omitempty"`
	Notation    string     `json:"notation,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Flags       *MoveFlags `json:"flags,omitempty"`
	Payout      *Payout    `json:"payout,omitempty"`
	Timestamp   int64      `json:"timestamp"`
}

type GameView struct {
	Game  *Game  `json:"game"`
	Vault *Vault `json:"vault"`
}

type Addresses struct {
	RoomID string `json:"room_id"`
	Game   string `json:"game"`
	Vault  string `json:"vault"`
}

type Balance struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

type OpenRooms struct {
	Rooms []*Game `json:"rooms"`
}
