package escrow

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	NamespaceGame  = "game"
	NamespaceVault = "vault"
)

// Derive maps (namespace, key) to a stable hex address. Any client can recompute it without a lookup.
func Derive(namespace, key string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// GameAddress is where the escrow record of roomID lives.
func GameAddress(roomID string) string { return Derive(NamespaceGame, roomID) }

// VaultAddress is where the vault paired with a game address lives.
func VaultAddress(gameAddr string) string { return Derive(NamespaceVault, gameAddr) }

// Addresses validates roomID and returns its game and vault addresses.
func Addresses(roomID string) (game, vault string, err error) {
	if err := validateRoomID(roomID); err != nil {
		return "", "", err
	}
	game = GameAddress(roomID)
	return game, VaultAddress(game), nil
}
