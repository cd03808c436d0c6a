package api

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/park285/chess-escrow/internal/escrow"
	"github.com/park285/chess-escrow/pkg/escrowdto"
)

// SubmitInstruction decodes a signed binary instruction and dispatches it.
func (h *Handler) SubmitInstruction(c *fiber.Ctx) error {
	var req escrowdto.SubmitRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	raw, err := decodePayload(req.Instruction, req.Encoding)
	if err != nil {
		return escrow.ErrInvalidInstruction
	}
	in, res, err := h.dispatcher.DispatchBytes(c.UserContext(), raw)
	if err != nil {
		return err
	}
	out := escrowdto.SubmitResponse{
		Op:     in.Op.String(),
		RoomID: in.RoomID,
		Signer: in.Signer,
		Game:   toGame(res.Game),
		Vault:  toVault(res.Vault),
		Payout: toPayout(res.Payout),
	}
	for _, ev := range res.Events {
		out.Events = append(out.Events, toEvent(ev))
	}
	status := fiber.StatusOK
	if in.Op == escrow.OpInitialize {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(out)
}

func decodePayload(s, encoding string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if encoding == escrowdto.EncodingBase64 {
		return base64.StdEncoding.DecodeString(s)
	}
	return hex.DecodeString(s)
}

func roomParam(c *fiber.Ctx) (string, error) {
	room, err := url.PathUnescape(c.Params("room"))
	if err != nil {
		return "", escrow.ErrInvalidRoomID
	}
	return room, nil
}

func (h *Handler) GetGame(c *fiber.Ctx) error {
	room, err := roomParam(c)
	if err != nil {
		return err
	}
	rec, err := h.engine.Game(c.UserContext(), room)
	if err != nil {
		return err
	}
	return c.JSON(escrowdto.GameView{Game: toGame(rec.Game), Vault: toVault(rec.Vault)})
}

func (h *Handler) OpenRooms(c *fiber.Ctx) error {
	games, err := h.engine.OpenRooms(c.UserContext())
	if err != nil {
		return err
	}
	out := escrowdto.OpenRooms{Rooms: make([]*escrowdto.Game, 0, len(games))}
	for _, g := range games {
		out.Rooms = append(out.Rooms, toGame(g))
	}
	return c.JSON(out)
}

func (h *Handler) GetAddresses(c *fiber.Ctx) error {
	room, err := roomParam(c)
	if err != nil {
		return err
	}
	game, vault, err := escrow.Addresses(room)
	if err != nil {
		return err
	}
	return c.JSON(escrowdto.Addresses{RoomID: room, Game: game, Vault: vault})
}

// accountParam accepts only hex ed25519 identities, lowercased.
func accountParam(c *fiber.Ctx) (string, error) {
	id, err := url.PathUnescape(c.Params("id"))
	if err != nil {
		return "", escrow.ErrInvalidIdentity
	}
	id = escrow.AccountKey(id)
	if !escrow.ValidIdentity(id) {
		return "", escrow.ErrInvalidIdentity
	}
	return id, nil
}

func (h *Handler) GetBalance(c *fiber.Ctx) error {
	id, err := accountParam(c)
	if err != nil {
		return err
	}
	bal, err := h.engine.Balance(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(escrowdto.Balance{Account: id, Balance: bal})
}

func (h *Handler) Fund(c *fiber.Ctx) error {
	var req escrowdto.FundRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	id, err := accountParam(c)
	if err != nil {
		return err
	}
	bal, err := h.engine.Fund(c.UserContext(), id, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(escrowdto.Balance{Account: id, Balance: bal})
}
