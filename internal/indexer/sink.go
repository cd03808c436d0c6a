package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/park285/chess-escrow/internal/escrow"
)

// Sink receives events in stream order. Apply must be idempotent per event id.
type Sink interface {
	Apply(ctx context.Context, streamID string, ev escrow.Event) error
}

const schema = `
CREATE TABLE IF NOT EXISTS escrow_events (
	event_id     TEXT PRIMARY KEY,
	stream_id    TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	game_address TEXT NOT NULL,
	room_id      TEXT NOT NULL,
	actor        TEXT NOT NULL,
	payload      TEXT NOT NULL,
	occurred_at  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS escrow_games (
	game_address    TEXT PRIMARY KEY,
	room_id         TEXT NOT NULL,
	player_white    TEXT NOT NULL,
	player_black    TEXT NOT NULL DEFAULT '',
	stake_amount    NUMERIC(20,0) NOT NULL,
	total_deposited NUMERIC(20,0) NOT NULL DEFAULT 0,
	game_state      TEXT NOT NULL,
	winner          TEXT NOT NULL DEFAULT 'none',
	end_reason      TEXT NOT NULL DEFAULT '',
	move_count      INTEGER NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL,
	started_at      BIGINT NOT NULL DEFAULT 0,
	finished_at     BIGINT NOT NULL DEFAULT 0,
	pgn             TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS escrow_moves (
	game_address TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	player       TEXT NOT NULL,
	notation     TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	flags        INTEGER NOT NULL,
	played_at    BIGINT NOT NULL,
	PRIMARY KEY (game_address, seq)
);
CREATE TABLE IF NOT EXISTS escrow_payouts (
	game_address TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	white_amount NUMERIC(20,0) NOT NULL,
	black_amount NUMERIC(20,0) NOT NULL,
	fee_amount   NUMERIC(20,0) NOT NULL,
	remainder    NUMERIC(20,0) NOT NULL
);
`

// SQLSink mirrors events into postgres or sqlite.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// OpenSQLSink opens DATABASE_URL. postgres:// URLs use lib/pq; sqlite:// or file: paths use go-sqlite3.
func OpenSQLSink(ctx context.Context, databaseURL string) (*SQLSink, error) {
	driver, dsn, err := splitDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// one writer; sqlite serialises anyway
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLSink{db: db, driver: driver}, nil
}

func splitDatabaseURL(raw string) (driver, dsn string, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", "", fmt.Errorf("DATABASE_URL is required")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(raw, "sqlite://"), nil
	case strings.HasPrefix(raw, "file:"), raw == ":memory:":
		return "sqlite3", raw, nil
	}
	return "", "", fmt.Errorf("unsupported DATABASE_URL scheme")
}

func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the mirror tables when missing.
func (s *SQLSink) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLSink) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func amount(v uint64) string { return strconv.FormatUint(v, 10) }

// Apply records ev once and folds it into the game, move and payout tables.
func (s *SQLSink) Apply(ctx context.Context, streamID string, ev escrow.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO escrow_events
		(event_id, stream_id, event_type, game_address, room_id, actor, payload, occurred_at)
		VALUES (?,?,?,?,?,?,?,?) ON CONFLICT (event_id) DO NOTHING`),
		ev.ID, streamID, string(ev.Type), ev.Game, ev.RoomID, ev.Actor, string(payload), ev.Timestamp)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil // replayed
	}

	if err := s.fold(ctx, tx, ev); err != nil {
		return fmt.Errorf("fold %s %s: %w", ev.Type, ev.ID, err)
	}
	return tx.Commit()
}

func (s *SQLSink) fold(ctx context.Context, tx *sql.Tx, ev escrow.Event) error {
	exec := func(q string, args ...any) error {
		_, err := tx.ExecContext(ctx, s.rebind(q), args...)
		return err
	}

	switch ev.Type {
	case escrow.EventGameCreated:
		return exec(`INSERT INTO escrow_games
			(game_address, room_id, player_white, stake_amount, game_state, winner, created_at)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT (game_address) DO UPDATE SET
			room_id=EXCLUDED.room_id, player_white=EXCLUDED.player_white, stake_amount=EXCLUDED.stake_amount,
			game_state=EXCLUDED.game_state, created_at=EXCLUDED.created_at`,
			ev.Game, ev.RoomID, ev.Actor, amount(ev.Amount), string(ev.State), string(escrow.WinnerNone), ev.Timestamp)
	case escrow.EventPlayerJoined:
		return exec(`UPDATE escrow_games SET player_black=?, game_state=? WHERE game_address=?`,
			ev.Actor, string(ev.State), ev.Game)
	case escrow.EventStakeDeposited:
		return exec(`UPDATE escrow_games SET total_deposited=?, game_state=? WHERE game_address=?`,
			amount(ev.Total), string(ev.State), ev.Game)
	case escrow.EventGameStarted:
		return exec(`UPDATE escrow_games SET game_state=?, started_at=? WHERE game_address=?`,
			string(ev.State), ev.Timestamp, ev.Game)
	case escrow.EventMoveRecorded:
		fp := ""
		if ev.Fingerprint != nil {
			fp = ev.Fingerprint.String()
		}
		var flags uint8
		if ev.Flags != nil {
			flags = ev.Flags.Bits()
		}
		if err := exec(`INSERT INTO escrow_moves (game_address, seq, player, notation, fingerprint, flags, played_at)
			VALUES (?,?,?,?,?,?,?) ON CONFLICT (game_address, seq) DO NOTHING`,
			ev.Game, ev.MoveCount, ev.Actor, ev.Notation, fp, int(flags), ev.Timestamp); err != nil {
			return err
		}
		return exec(`UPDATE escrow_games SET move_count=? WHERE game_address=?`, ev.MoveCount, ev.Game)
	case escrow.EventGameFinished, escrow.EventGameCancelled:
		if err := exec(`UPDATE escrow_games SET game_state=?, winner=?, end_reason=?, finished_at=?, move_count=?
			WHERE game_address=?`,
			string(ev.State), string(ev.Winner), string(ev.Reason), ev.Timestamp, ev.MoveCount, ev.Game); err != nil {
			return err
		}
		if ev.Payout != nil {
			if err := exec(`INSERT INTO escrow_payouts (game_address, kind, white_amount, black_amount, fee_amount, remainder)
				VALUES (?,?,?,?,?,?) ON CONFLICT (game_address) DO NOTHING`,
				ev.Game, string(ev.Type), amount(ev.Payout.White), amount(ev.Payout.Black),
				amount(ev.Payout.Fee), amount(ev.Payout.Remainder)); err != nil {
				return err
			}
		}
		if ev.Type == escrow.EventGameFinished {
			return s.storePGN(ctx, tx, ev)
		}
		return nil
	}
	return nil
}

func (s *SQLSink) storePGN(ctx context.Context, tx *sql.Tx, ev escrow.Event) error {
	var h pgnHeader
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT room_id, player_white, player_black FROM escrow_games WHERE game_address=?`), ev.Game).
		Scan(&h.Room, &h.White, &h.Black)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT notation FROM escrow_moves WHERE game_address=? ORDER BY seq`), ev.Game)
	if err != nil {
		return err
	}
	var moves []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		moves = append(moves, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	h.Winner, h.Reason, h.Date = ev.Winner, ev.Reason, time.Unix(ev.Timestamp, 0).UTC()
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE escrow_games SET pgn=? WHERE game_address=?`), buildPGN(h, moves), ev.Game)
	return err
}

// GameRow is the mirrored view of one game.
type GameRow struct {
	Address    string
	RoomID     string
	White      string
	Black      string
	State      escrow.GameState
	Winner     escrow.Winner
	Reason     escrow.Reason
	MoveCount  int
	Total      uint64
	PGN        string
	FinishedAt int64
}

// Game reads the mirrored row for a game address.
func (s *SQLSink) Game(ctx context.Context, addr string) (*GameRow, error) {
	var (
		r     GameRow
		total string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT game_address, room_id, player_white, player_black, game_state, winner,
		end_reason, move_count, CAST(total_deposited AS TEXT), pgn, finished_at FROM escrow_games WHERE game_address=?`), addr).
		Scan(&r.Address, &r.RoomID, &r.White, &r.Black, &r.State, &r.Winner, &r.Reason, &r.MoveCount, &total, &r.PGN, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, escrow.ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Total, err = strconv.ParseUint(strings.TrimSpace(total), 10, 64); err != nil {
		return nil, fmt.Errorf("total_deposited %q: %w", total, err)
	}
	return &r, nil
}
