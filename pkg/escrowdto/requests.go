package escrowdto

const (
	EncodingHex    = "hex"
	EncodingBase64 = "base64"
)

// SubmitRequest carries one signed instruction in its binary wire form.
type SubmitRequest struct {
	Instruction string `json:"instruction" validate:"required,max=4096"`
	Encoding    string `json:"encoding,omitempty" validate:"omitempty,oneof=hex base64"`
}

type SubmitResponse struct {
	Op     string  `json:"op"`
	RoomID string  `json:"room_id"`
	Signer string  `json:"signer"`
	Game   *Game   `json:"game"`
	Vault  *Vault  `json:"vault"`
	Payout *Payout `json:"payout,omitempty"`
	Events []Event `json:"events,omitempty"`
}

type FundRequest struct {
	Amount uint64 `json:"amount" validate:"required,gt=0"`
}

type Health struct {
	Status string `json:"status"`
	Time   int64  `json:"time"`
	Ledger string `json:"ledger"`
}
