package escrow

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Opcode is the one-byte tag naming an instruction.
type Opcode uint8

const (
	OpInitialize    Opcode = 0x01
	OpJoin          Opcode = 0x02
	OpDepositStake  Opcode = 0x03
	OpRecordMove    Opcode = 0x04
	OpDeclareResult Opcode = 0x05
	OpHandleTimeout Opcode = 0x06
	OpCancelGame    Opcode = 0x07
)

var opNames = map[Opcode]string{
	OpInitialize:    "initialize",
	OpJoin:          "join",
	OpDepositStake:  "deposit_stake",
	OpRecordMove:    "record_move",
	OpDeclareResult: "declare_result",
	OpHandleTimeout: "handle_timeout",
	OpCancelGame:    "cancel_game",
}

func (o Opcode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(0x%02x)", uint8(o))
}

// signingDomain prefixes every signed payload so signatures cannot be replayed in another protocol.
const signingDomain = "chess-escrow/v1"

// Instruction is a signed request naming an operation and its typed arguments.
// Only the fields of its opcode are encoded.
type Instruction struct {
	Op     Opcode
	Nonce  uint64
	RoomID string

	StakeAmount      uint64
	TimeLimitSeconds int64
	FeeCollector     string

	Notation    string
	Fingerprint Fingerprint
	Flags       MoveFlags

	Winner Winner
	Reason Reason

	Signer    string
	Signature []byte
}

// ValidIdentity reports whether id is a hex-encoded ed25519 public key.
func ValidIdentity(id string) bool {
	raw, err := hex.DecodeString(id)
	return err == nil && len(raw) == ed25519.PublicKeySize
}

func decodeIdentity(id string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(id))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidIdentity
	}
	return raw, nil
}

// body encodes opcode, nonce, room and the opcode payload.
func (in *Instruction) body() ([]byte, error) {
	if _, ok := opNames[in.Op]; !ok {
		return nil, fmt.Errorf("%w: unknown opcode 0x%02x", ErrInvalidInstruction, uint8(in.Op))
	}
	if len(in.RoomID) > 255 {
		return nil, ErrRoomIDTooLong
	}
	var b bytes.Buffer
	b.WriteByte(byte(in.Op))
	_ = binary.Write(&b, binary.BigEndian, in.Nonce)
	b.WriteByte(byte(len(in.RoomID)))
	b.WriteString(in.RoomID)

	switch in.Op {
	case OpInitialize:
		fee, err := decodeIdentity(in.FeeCollector)
		if err != nil {
			return nil, err
		}
		_ = binary.Write(&b, binary.BigEndian, in.StakeAmount)
		_ = binary.Write(&b, binary.BigEndian, in.TimeLimitSeconds)
		b.Write(fee)
	case OpRecordMove:
		if len(in.Notation) > 255 {
			return nil, ErrMoveNotationTooLong
		}
		b.WriteByte(byte(len(in.Notation)))
		b.WriteString(in.Notation)
		b.Write(in.Fingerprint[:])
		b.WriteByte(in.Flags.Bits())
	case OpDeclareResult:
		b.WriteByte(in.Winner.Code())
		b.WriteByte(in.Reason.Code())
	}
	return b.Bytes(), nil
}

// SigningBytes is the canonical message covered by the signature.
func (in *Instruction) SigningBytes() ([]byte, error) {
	body, err := in.body()
	if err != nil {
		return nil, err
	}
	return append([]byte(signingDomain), body...), nil
}

// Digest identifies a signed instruction: the signer and every signed field.
// Two signers sending the same operation with the same nonce get different digests.
func (in *Instruction) Digest() (string, error) {
	pub, err := decodeIdentity(in.Signer)
	if err != nil {
		return "", err
	}
	msg, err := in.SigningBytes()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(pub)
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign sets Signer and Signature from key.
func (in *Instruction) Sign(key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return ErrInvalidIdentity
	}
	in.Signer = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	msg, err := in.SigningBytes()
	if err != nil {
		return err
	}
	in.Signature = ed25519.Sign(key, msg)
	return nil
}

// Verify checks the signature against Signer.
func (in *Instruction) Verify() error {
	pub, err := decodeIdentity(in.Signer)
	if err != nil {
		return err
	}
	if len(in.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	msg, err := in.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, in.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// MarshalBinary encodes body | signer | signature.
func (in *Instruction) MarshalBinary() ([]byte, error) {
	body, err := in.body()
	if err != nil {
		return nil, err
	}
	pub, err := decodeIdentity(in.Signer)
	if err != nil {
		return nil, err
	}
	if len(in.Signature) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	out := make([]byte, 0, len(body)+len(pub)+len(in.Signature))
	out = append(out, body...)
	out = append(out, pub...)
	return append(out, in.Signature...), nil
}

// DecodeInstruction parses the MarshalBinary form. It does not verify the signature.
func DecodeInstruction(raw []byte) (*Instruction, error) {
	in := &Instruction{}
	if err := in.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Instruction) UnmarshalBinary(raw []byte) error {
	r := bytes.NewReader(raw)
	bad := func(what string) error { return fmt.Errorf("%w: truncated %s", ErrInvalidInstruction, what) }

	op, err := r.ReadByte()
	if err != nil {
		return bad("opcode")
	}
	in.Op = Opcode(op)
	if _, ok := opNames[in.Op]; !ok {
		return fmt.Errorf("%w: unknown opcode 0x%02x", ErrInvalidInstruction, op)
	}
	if err := binary.Read(r, binary.BigEndian, &in.Nonce); err != nil {
		return bad("nonce")
	}
	room, err := readShortString(r)
	if err != nil {
		return bad("room id")
	}
	in.RoomID = room

	switch in.Op {
	case OpInitialize:
		if err := binary.Read(r, binary.BigEndian, &in.StakeAmount); err != nil {
			return bad("stake amount")
		}
		if err := binary.Read(r, binary.BigEndian, &in.TimeLimitSeconds); err != nil {
			return bad("time limit")
		}
		fee := make([]byte, ed25519.PublicKeySize)
		if _, err := io.ReadFull(r, fee); err != nil {
			return bad("fee collector")
		}
		in.FeeCollector = hex.EncodeToString(fee)
	case OpRecordMove:
		if in.Notation, err = readShortString(r); err != nil {
			return bad("notation")
		}
		if _, err := io.ReadFull(r, in.Fingerprint[:]); err != nil {
			return bad("fingerprint")
		}
		flags, err := r.ReadByte()
		if err != nil {
			return bad("flags")
		}
		in.Flags = MoveFlagsFromBits(flags)
	case OpDeclareResult:
		w, err := r.ReadByte()
		if err != nil {
			return bad("winner")
		}
		rs, err := r.ReadByte()
		if err != nil {
			return bad("reason")
		}
		if in.Winner, err = WinnerFromCode(w); err != nil {
			return err
		}
		if in.Reason, err = ReasonFromCode(rs); err != nil {
			return err
		}
	}

	if r.Len() != ed25519.PublicKeySize+ed25519.SignatureSize {
		return fmt.Errorf("%w: expected signer and signature, have %d trailing bytes", ErrInvalidInstruction, r.Len())
	}
	pub := make([]byte, ed25519.PublicKeySize)
	_, _ = io.ReadFull(r, pub)
	in.Signer = hex.EncodeToString(pub)
	in.Signature = make([]byte, ed25519.SignatureSize)
	_, _ = io.ReadFull(r, in.Signature)
	return nil
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
