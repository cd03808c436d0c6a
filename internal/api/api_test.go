package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/internal/ledger"
	"github.com/park285/chess-escrow/internal/msgcat"
	"github.com/park285/chess-escrow/pkg/escrowdto"
)

const adminToken = "s3cret"

type testServer struct {
	t      *testing.T
	app    *fiber.App
	engine *escrow.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	e, err := escrow.NewEngine(ledger.NewMemory(), escrow.Options{
		Fees:  escrow.DefaultFeeSchedule(),
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	msgs, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	app := NewApp(e, Options{AdminToken: adminToken, Messages: msgs, Clock: func() time.Time { return now }})
	return &testServer{t: t, app: app, engine: e}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) (int, []byte) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (s *testServer) submit(in *escrow.Instruction, key ed25519.PrivateKey) (int, []byte) {
	s.t.Helper()
	if err := in.Sign(key); err != nil {
		s.t.Fatalf("Sign: %v", err)
	}
	raw, err := in.MarshalBinary()
	if err != nil {
		s.t.Fatalf("MarshalBinary: %v", err)
	}
	return s.do(http.MethodPost, "/api/v1/instructions", escrowdto.SubmitRequest{Instruction: hex.EncodeToString(raw)}, nil)
}

func testKey(seed byte) (ed25519.PrivateKey, string) {
	s := make([]byte, ed25519.SeedSize)
	s[0] = seed
	k := ed25519.NewKeyFromSeed(s)
	return k, hex.EncodeToString(k.Public().(ed25519.PublicKey))
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func TestFullGameOverHTTP(t *testing.T) {
	s := newTestServer(t)
	wk, wid := testKey(1)
	bk, bid := testKey(2)
	_, fee := testKey(3)
	admin := map[string]string{"Authorization": "Bearer " + adminToken}

	for _, id := range []string{wid, bid} {
		if code, body := s.do(http.MethodPost, "/api/v1/accounts/"+id+"/fund", escrowdto.FundRequest{Amount: 1_000_000}, admin); code != http.StatusOK {
			t.Fatalf("fund %s: %d %s", id, code, body)
		}
	}

	code, body := s.submit(&escrow.Instruction{Op: escrow.OpInitialize, RoomID: "room-1", StakeAmount: 1_000_000, TimeLimitSeconds: 300, FeeCollector: fee}, wk)
	if code != http.StatusCreated {
		t.Fatalf("initialize: %d %s", code, body)
	}
	created := decode[escrowdto.SubmitResponse](t, body)
	if created.Op != "initialize" || created.Game.PlayerWhite != wid || len(created.Events) != 1 || created.Events[0].Type != "game_created" {
		t.Fatalf("unexpected initialize response: %+v", created)
	}

	code, body = s.do(http.MethodGet, "/api/v1/rooms/open", nil, nil)
	if rooms := decode[escrowdto.OpenRooms](t, body); code != http.StatusOK || len(rooms.Rooms) != 1 {
		t.Fatalf("open rooms: %d %s", code, body)
	}

	steps := []struct {
		in  *escrow.Instruction
		key ed25519.PrivateKey
	}{
		{&escrow.Instruction{Op: escrow.OpJoin, RoomID: "room-1"}, bk},
		{&escrow.Instruction{Op: escrow.OpDepositStake, RoomID: "room-1"}, wk},
		{&escrow.Instruction{Op: escrow.OpDepositStake, RoomID: "room-1"}, bk},
		{&escrow.Instruction{Op: escrow.OpRecordMove, RoomID: "room-1", Notation: "e4"}, wk},
		{&escrow.Instruction{Op: escrow.OpDeclareResult, RoomID: "room-1", Winner: escrow.WinnerBlack, Reason: escrow.ReasonResignation}, wk},
	}
	var last escrowdto.SubmitResponse
	for i, st := range steps {
		code, body := s.submit(st.in, st.key)
		if code != http.StatusOK {
			t.Fatalf("step %d (%s): %d %s", i, st.in.Op, code, body)
		}
		last = decode[escrowdto.SubmitResponse](t, body)
	}
	if last.Game.State != string(escrow.StateFinished) || last.Payout == nil || last.Payout.Black != 1_960_000 || last.Payout.Fee != 40_000 {
		t.Fatalf("unexpected settlement: %+v payout=%+v", last.Game, last.Payout)
	}

	code, body = s.do(http.MethodGet, "/api/v1/accounts/"+bid, nil, nil)
	if bal := decode[escrowdto.Balance](t, body); code != http.StatusOK || bal.Balance != 1_960_000 {
		t.Fatalf("black balance: %d %s", code, body)
	}

	code, body = s.do(http.MethodGet, "/api/v1/games/room-1", nil, nil)
	view := decode[escrowdto.GameView](t, body)
	if code != http.StatusOK || view.Vault.Balance != 0 || len(view.Game.MoveHistory) != 1 || view.Game.MoveHistory[0].Notation != "e4" {
		t.Fatalf("game view: %d %s", code, body)
	}
}

func TestSubmit_DomainErrors(t *testing.T) {
	s := newTestServer(t)
	wk, _ := testKey(1)
	bk, _ := testKey(2)
	_, fee := testKey(3)

	code, body := s.submit(&escrow.Instruction{Op: escrow.OpJoin, RoomID: "missing"}, bk)
	derr := decode[escrowdto.DomainError](t, body)
	if code != http.StatusNotFound || derr.Code != "GameNotFound" || derr.Message != "game not found" || derr.RequestID == "" {
		t.Fatalf("not found: %d %s", code, body)
	}

	if code, body := s.submit(&escrow.Instruction{Op: escrow.OpInitialize, RoomID: "r", StakeAmount: 0, TimeLimitSeconds: 60, FeeCollector: fee}, wk); code != http.StatusBadRequest {
		t.Fatalf("zero stake: %d %s", code, body)
	}

	if code, body := s.submit(&escrow.Instruction{Op: escrow.OpInitialize, RoomID: "r", StakeAmount: 5, TimeLimitSeconds: 60, FeeCollector: fee}, wk); code != http.StatusCreated {
		t.Fatalf("initialize: %d %s", code, body)
	}
	code, body = s.submit(&escrow.Instruction{Op: escrow.OpJoin, RoomID: "r"}, wk)
	if derr := decode[escrowdto.DomainError](t, body); code != http.StatusForbidden || derr.Code != "CannotPlayAgainstSelf" {
		t.Fatalf("self join: %d %s", code, body)
	}

	// tampered signature
	in := &escrow.Instruction{Op: escrow.OpJoin, RoomID: "r"}
	if err := in.Sign(bk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	in.Signature[0] ^= 0xff
	raw, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, body = s.do(http.MethodPost, "/api/v1/instructions", escrowdto.SubmitRequest{Instruction: base64.StdEncoding.EncodeToString(raw), Encoding: "base64"}, nil)
	if derr := decode[escrowdto.DomainError](t, body); code != http.StatusUnauthorized || derr.Code != "InvalidSignature" {
		t.Fatalf("bad signature: %d %s", code, body)
	}
}

func TestSubmit_RequestValidation(t *testing.T) {
	s := newTestServer(t)
	if code, body := s.do(http.MethodPost, "/api/v1/instructions", escrowdto.SubmitRequest{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty body: %d %s", code, body)
	}
	if code, body := s.do(http.MethodPost, "/api/v1/instructions", escrowdto.SubmitRequest{Instruction: "00", Encoding: "rot13"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad encoding: %d %s", code, body)
	}
	code, body := s.do(http.MethodPost, "/api/v1/instructions", escrowdto.SubmitRequest{Instruction: "zz"}, nil)
	if derr := decode[escrowdto.DomainError](t, body); code != http.StatusBadRequest || derr.Code != "InvalidInstruction" {
		t.Fatalf("undecodable: %d %s", code, body)
	}
}

func TestFund_RequiresAdminToken(t *testing.T) {
	s := newTestServer(t)
	if code, _ := s.do(http.MethodPost, "/api/v1/accounts/a/fund", escrowdto.FundRequest{Amount: 1}, nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", code)
	}
	if code, _ := s.do(http.MethodPost, "/api/v1/accounts/a/fund", escrowdto.FundRequest{Amount: 1}, map[string]string{"Authorization": "Bearer nope"}); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	if code, _ := s.do(http.MethodPost, "/api/v1/accounts/a/fund", escrowdto.FundRequest{}, map[string]string{"Authorization": "Bearer " + adminToken}); code != http.StatusBadRequest {
		t.Fatalf("zero amount: %d", code)
	}

	e, err := escrow.NewEngine(ledger.NewMemory(), escrow.Options{Fees: escrow.DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	disabled := &testServer{t: t, app: NewApp(e, Options{})}
	if code, _ := disabled.do(http.MethodPost, "/api/v1/accounts/a/fund", escrowdto.FundRequest{Amount: 1}, map[string]string{"Authorization": "Bearer "}); code != http.StatusForbidden {
		t.Fatalf("funding without configured token: %d", code)
	}
}

func TestAddresses(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/api/v1/addresses/room%201", nil, nil)
	got := decode[escrowdto.Addresses](t, body)
	if code != http.StatusOK || got.RoomID != "room 1" || got.Game != escrow.GameAddress("room 1") || got.Vault != escrow.VaultAddress(got.Game) {
		t.Fatalf("addresses: %d %s", code, body)
	}
	long := "0123456789012345678901234567890123456789"
	if code, _ := s.do(http.MethodGet, "/api/v1/addresses/"+long, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("long room: %d", code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	if code, body := s.do(http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health: %d %s", code, body)
	}

	e, err := escrow.NewEngine(ledger.NewMemory(), escrow.Options{Fees: escrow.DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	down := &testServer{t: t, app: NewApp(e, Options{Ping: func(context.Context) error { return errors.New("redis down") }})}
	code, body := down.do(http.MethodGet, "/health", nil, nil)
	if h := decode[escrowdto.Health](t, body); code != http.StatusServiceUnavailable || h.Status != "degraded" {
		t.Fatalf("degraded health: %d %s", code, body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		escrow.ErrInvalidStakeAmount:       http.StatusBadRequest,
		escrow.ErrUnauthorizedPlayer:       http.StatusForbidden,
		escrow.ErrInvalidSignature:         http.StatusUnauthorized,
		escrow.ErrGameNotFound:             http.StatusNotFound,
		escrow.ErrAlreadyDeposited:         http.StatusConflict,
		escrow.ErrInstructionReplayed:      http.StatusConflict,
		escrow.ErrArithmeticOverflow:       http.StatusUnprocessableEntity,
		escrow.ErrInsufficientVaultBalance: http.StatusInternalServerError,
		escrow.ErrConflict:                 http.StatusServiceUnavailable,
		errors.New("boom"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v)=%d want %d", err, got, want)
		}
	}
}

func TestAccounts_NormalizeIdentity(t *testing.T) {
	s := newTestServer(t)
	_, id := testKey(4)
	admin := map[string]string{"Authorization": "Bearer " + adminToken}

	code, body := s.do(http.MethodPost, "/api/v1/accounts/"+strings.ToUpper(id)+"/fund", escrowdto.FundRequest{Amount: 70}, admin)
	if got := decode[escrowdto.Balance](t, body); code != http.StatusOK || got.Account != id || got.Balance != 70 {
		t.Fatalf("fund upper-case key: %d %s", code, body)
	}
	code, body = s.do(http.MethodGet, "/api/v1/accounts/"+id, nil, nil)
	if got := decode[escrowdto.Balance](t, body); code != http.StatusOK || got.Balance != 70 {
		t.Fatalf("balance under the signer's form: %d %s", code, body)
	}

	for _, bad := range []string{"alice", id[:10]} {
		code, body := s.do(http.MethodPost, "/api/v1/accounts/"+bad+"/fund", escrowdto.FundRequest{Amount: 1}, admin)
		if derr := decode[escrowdto.DomainError](t, body); code != http.StatusBadRequest || derr.Code != "InvalidIdentity" {
			t.Fatalf("fund %q: %d %s", bad, code, body)
		}
		if code, _ := s.do(http.MethodGet, "/api/v1/accounts/"+bad, nil, nil); code != http.StatusBadRequest {
			t.Fatalf("balance %q: %d", bad, code)
		}
	}
}

func TestRateLimit_IgnoresUntrustedForwardedFor(t *testing.T) {
	e, err := escrow.NewEngine(ledger.NewMemory(), escrow.Options{Fees: escrow.DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	s := &testServer{t: t, app: NewApp(e, Options{RateLimitRPS: 1})}
	if code, _ := s.do(http.MethodGet, "/api/v1/rooms/open", nil, map[string]string{"X-Forwarded-For": "1.1.1.1"}); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code, _ := s.do(http.MethodGet, "/api/v1/rooms/open", nil, map[string]string{"X-Forwarded-For": "2.2.2.2"}); code != http.StatusTooManyRequests {
		t.Fatalf("spoofed header escaped the limiter: %d", code)
	}
}
