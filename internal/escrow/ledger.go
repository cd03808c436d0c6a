package escrow

import (
	"context"
	"sort"
)

// Record is the unit the ledger commits atomically: an escrow record and its vault.
type Record struct {
	Game  *GameEscrow `json:"game"`
	Vault *Vault      `json:"vault"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Game: r.Game.Clone()}
	if r.Vault != nil {
		v := *r.Vault
		out.Vault = &v
	}
	return out
}

// Posting moves Amount out of (debit) or into (credit) an identity balance.
type Posting struct {
	Account string
	Amount  uint64
}

// Effects is what a mutation does outside the record itself.
type Effects struct {
	Debits  []Posting
	Credits []Posting
	Events  []Event
}

func (e *Effects) debit(account string, amount uint64) {
	if amount > 0 {
		e.Debits = append(e.Debits, Posting{Account: account, Amount: amount})
	}
}

func (e *Effects) credit(account string, amount uint64) {
	if amount > 0 {
		e.Credits = append(e.Credits, Posting{Account: account, Amount: amount})
	}
}

// Accounts returns the distinct identities touched by the postings, sorted.
func (e *Effects) Accounts() []string {
	if e == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, p := range e.Debits {
		seen[p.Account] = struct{}{}
	}
	for _, p := range e.Credits {
		seen[p.Account] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ApplyPostings applies debits then credits to balances in place. On error balances may be partially
// modified, so callers pass a scratch copy.
func (e *Effects) ApplyPostings(balances map[string]uint64) error {
	if e == nil {
		return nil
	}
	for _, p := range e.Debits {
		cur := balances[p.Account]
		if cur < p.Amount {
			return ErrInsufficientFunds
		}
		balances[p.Account] = cur - p.Amount
	}
	for _, p := range e.Credits {
		next, err := addU64(balances[p.Account], p.Amount)
		if err != nil {
			return err
		}
		balances[p.Account] = next
	}
	return nil
}

// Mutation inspects and modifies rec in place. rec.Game is nil when nothing is stored at the address.
// A mutation may be invoked more than once when the ledger retries an optimistic transaction.
type Mutation func(rec *Record) (*Effects, error)

// Ledger is the persistent store of escrow records, vaults and identity balances.
// Apply commits the mutated record, its balance postings and its events as one unit, or nothing.
// Operations on different game addresses do not serialise against each other.
type Ledger interface {
	Apply(ctx context.Context, gameAddr string, fn Mutation) (*Record, error)
	Load(ctx context.Context, gameAddr string) (*Record, error)
	Balance(ctx context.Context, account string) (uint64, error)
	Credit(ctx context.Context, account string, amount uint64) (uint64, error)
	Addresses(ctx context.Context, state GameState) ([]string, error)
}
