package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/pkg/escrowclient"
)

type command struct {
	usage string
	run   func(env *cliEnv, args []string) error
}

var commands = map[string]command{
	"keygen":  {"keygen -out FILE", cmdKeygen},
	"address": {"address ROOM", cmdAddress},
	"init":    {"init -room ROOM -stake N -limit SECONDS -fee IDENTITY", cmdInit},
	"join":    {"join -room ROOM", simple(escrow.OpJoin)},
	"deposit": {"deposit -room ROOM", simple(escrow.OpDepositStake)},
	"move":    {"move -room ROOM -move SAN|UCI", cmdMove},
	"declare": {"declare -room ROOM -winner white|black|draw -reason REASON", cmdDeclare},
	"timeout": {"timeout -room ROOM", simple(escrow.OpHandleTimeout)},
	"cancel":  {"cancel -room ROOM", simple(escrow.OpCancelGame)},
	"game":    {"game ROOM", cmdGame},
	"balance": {"balance [IDENTITY]", cmdBalance},
	"fund":    {"fund -account IDENTITY -amount N", cmdFund},
	"watch":   {"watch [-room ROOM]", cmdWatch},
}

// cliEnv carries the global flags shared by every subcommand.
type cliEnv struct {
	ctx       context.Context
	out       io.Writer
	apiURL    string
	eventsURL string
	keyFile   string
	admin     string
}

func (e *cliEnv) client() *escrowclient.Client {
	return escrowclient.NewClient(e.apiURL, escrowclient.WithAdminToken(e.admin), escrowclient.WithTimeout(15*time.Second))
}

func (e *cliEnv) key() (ed25519.PrivateKey, error) {
	if e.keyFile == "" {
		return nil, errors.New("no signing key: pass -key or set ESCROW_KEY")
	}
	return escrow.LoadKeyFile(e.keyFile)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "escrowctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	env := &cliEnv{ctx: ctx, out: out}
	global.StringVar(&env.apiURL, "api", getenvDefault("ESCROW_API", "http://localhost:8080"), "escrow API base URL")
	global.StringVar(&env.eventsURL, "events", getenvDefault("ESCROW_EVENTS", "ws://localhost:8081"), "event feed URL")
	global.StringVar(&env.keyFile, "key", os.Getenv("ESCROW_KEY"), "signing key file")
	global.StringVar(&env.admin, "admin-token", os.Getenv("ADMIN_TOKEN"), "admin token for fund")
	global.Usage = func() { usage(global.Output()) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(global.Output())
		return errors.New("missing command")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		usage(global.Output())
		return fmt.Errorf("unknown command %q", rest[0])
	}
	return cmd.run(env, rest[1:])
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: escrowctl [-api URL] [-events URL] [-key FILE] [-admin-token T] COMMAND")
	for _, n := range names {
		fmt.Fprintln(w, "  "+commands[n].usage)
	}
}

func getenvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
