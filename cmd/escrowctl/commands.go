package main

import (
	"errors"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/moveaudit"
	"github.com/park285/chess-escrow/pkg/escrowclient"
	"github.com/park285/chess-escrow/pkg/escrowdto"
)

func cmdKeygen(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "file to write the key seed to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("keygen: -out is required")
	}
	key, err := escrow.GenerateKey()
	if err != nil {
		return err
	}
	if err := escrow.SaveKeyFile(*out, key); err != nil {
		return err
	}
	fmt.Fprintln(env.out, escrow.IdentityOf(key))
	return nil
}

func cmdAddress(env *cliEnv, args []string) error {
	if len(args) != 1 {
		return errors.New("address: ROOM is required")
	}
	game, vault, err := escrow.Addresses(args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "room\t%s\n", args[0])
	fmt.Fprintf(tw, "game\t%s\n", game)
	fmt.Fprintf(tw, "vault\t%s\n", vault)
	return tw.Flush()
}

// submit signs in with the configured key and posts it.
func submit(env *cliEnv, in *escrow.Instruction) error {
	key, err := env.key()
	if err != nil {
		return err
	}
	in.Nonce = uint64(time.Now().UnixNano())
	if err := in.Sign(key); err != nil {
		return err
	}
	raw, err := in.MarshalBinary()
	if err != nil {
		return err
	}
	resp, err := env.client().Submit(env.ctx, raw)
	if err != nil {
		return err
	}
	printSubmit(env, resp)
	return nil
}

func roomFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	room := fs.String("room", "", "room id")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *room == "" {
		return "", fmt.Errorf("%s: -room is required", name)
	}
	return *room, nil
}

func simple(op escrow.Opcode) func(env *cliEnv, args []string) error {
	return func(env *cliEnv, args []string) error {
		room, err := roomFlag(op.String(), args)
		if err != nil {
			return err
		}
		return submit(env, &escrow.Instruction{Op: op, RoomID: room})
	}
}

func cmdInit(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	room := fs.String("room", "", "room id")
	stake := fs.Uint64("stake", 0, "stake per player")
	limit := fs.Int64("limit", 600, "inactivity limit in seconds")
	fee := fs.String("fee", "", "fee collector identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" || *fee == "" {
		return errors.New("init: -room and -fee are required")
	}
	return submit(env, &escrow.Instruction{
		Op:               escrow.OpInitialize,
		RoomID:           *room,
		StakeAmount:      *stake,
		TimeLimitSeconds: *limit,
		FeeCollector:     *fee,
	})
}

// cmdMove adjudicates the move locally against the recorded history before signing it.
func cmdMove(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	room := fs.String("room", "", "room id")
	move := fs.String("move", "", "move in SAN or UCI")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" || *move == "" {
		return errors.New("move: -room and -move are required")
	}
	view, err := env.client().Game(env.ctx, *room)
	if err != nil {
		return err
	}
	history := make([]string, 0, len(view.Game.MoveHistory))
	for _, m := range view.Game.MoveHistory {
		history = append(history, m.Notation)
	}
	d, err := moveaudit.Describe(history, *move)
	if err != nil {
		return err
	}
	return submit(env, &escrow.Instruction{
		Op:          escrow.OpRecordMove,
		RoomID:      *room,
		Notation:    d.Notation,
		Fingerprint: d.Fingerprint,
		Flags:       d.Flags,
	})
}

func cmdDeclare(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("declare", flag.ContinueOnError)
	room := fs.String("room", "", "room id")
	winner := fs.String("winner", "", "white, black or draw")
	reason := fs.String("reason", "", "checkmate, resignation, timeout, agreement or stalemate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" {
		return errors.New("declare: -room is required")
	}
	w, err := escrow.ParseWinner(*winner)
	if err != nil {
		return err
	}
	r, err := escrow.ParseReason(*reason)
	if err != nil {
		return err
	}
	return submit(env, &escrow.Instruction{Op: escrow.OpDeclareResult, RoomID: *room, Winner: w, Reason: r})
}

func cmdGame(env *cliEnv, args []string) error {
	if len(args) != 1 {
		return errors.New("game: ROOM is required")
	}
	view, err := env.client().Game(env.ctx, args[0])
	if err != nil {
		return err
	}
	printGame(env, view.Game, view.Vault)
	return nil
}

func cmdBalance(env *cliEnv, args []string) error {
	var id string
	switch len(args) {
	case 0:
		key, err := env.key()
		if err != nil {
			return err
		}
		id = escrow.IdentityOf(key)
	case 1:
		id = args[0]
	default:
		return errors.New("balance: at most one IDENTITY")
	}
	bal, err := env.client().Balance(env.ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "%s\t%d\n", id, bal)
	return nil
}

func cmdFund(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("fund", flag.ContinueOnError)
	account := fs.String("account", "", "identity to credit")
	amount := fs.Uint64("amount", 0, "amount to credit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" {
		return errors.New("fund: -account is required")
	}
	bal, err := env.client().Fund(env.ctx, *account, *amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "%s\t%d\n", *account, bal)
	return nil
}

func cmdWatch(env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	room := fs.String("room", "", "only this room")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := escrowclient.SubscribeOptions{Room: *room, MaxReconnectAttempts: 5}
	err := escrowclient.Subscribe(env.ctx, env.eventsURL, opts, func(ev escrowdto.Event) error {
		printEvent(env, ev)
		return nil
	})
	if env.ctx.Err() != nil {
		return nil
	}
	return err
}

func printSubmit(env *cliEnv, resp *escrowdto.SubmitResponse) {
	fmt.Fprintf(env.out, "%s ok room=%s signer=%s\n", resp.Op, resp.RoomID, resp.Signer)
	for _, ev := range resp.Events {
		printEvent(env, ev)
	}
	if resp.Payout != nil {
		p := resp.Payout
		fmt.Fprintf(env.out, "payout white=%d black=%d fee=%d remainder=%d\n", p.White, p.Black, p.Fee, p.Remainder)
	}
}

func printEvent(env *cliEnv, ev escrowdto.Event) {
	line := fmt.Sprintf("%s %-16s room=%s state=%s", time.Unix(ev.Timestamp, 0).UTC().Format(time.RFC3339), ev.Type, ev.RoomID, ev.State)
	if ev.Notation != "" {
		line += fmt.Sprintf(" move=%d:%s", ev.MoveCount, ev.Notation)
	}
	if ev.Winner != "" && ev.Winner != string(escrow.WinnerNone) {
		line += fmt.Sprintf(" winner=%s reason=%s", ev.Winner, ev.Reason)
	}
	fmt.Fprintln(env.out, line)
}

func printGame(env *cliEnv, g *escrowdto.Game, v *escrowdto.Vault) {
	tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "room\t%s\n", g.RoomID)
	fmt.Fprintf(tw, "state\t%s\n", g.State)
	fmt.Fprintf(tw, "white\t%s\t deposited=%t\n", g.PlayerWhite, g.WhiteDeposited)
	fmt.Fprintf(tw, "black\t%s\t deposited=%t\n", g.PlayerBlack, g.BlackDeposited)
	fmt.Fprintf(tw, "stake\t%d\n", g.StakeAmount)
	fmt.Fprintf(tw, "vault\t%d\t%s\n", v.Balance, v.Address)
	fmt.Fprintf(tw, "time limit\t%ds\n", g.TimeLimitSeconds)
	fmt.Fprintf(tw, "moves\t%d\n", g.MoveCount)
	if g.State == string(escrow.StateFinished) {
		fmt.Fprintf(tw, "result\t%s (%s)\n", g.Winner, g.EndReason)
	}
	_ = tw.Flush()
	for _, m := range g.MoveHistory {
		fmt.Fprintf(env.out, "%4d. %-8s %s\n", m.Seq, m.Notation, m.Player)
	}
}
