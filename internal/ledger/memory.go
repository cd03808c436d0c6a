package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/park285/chess-escrow/internal/escrow"
)

// Memory is an in-process Ledger for tests and single-node development.
// Each game address has its own mutex; balances sit behind one shared mutex taken after the room lock.
type Memory struct {
	roomsMu sync.Mutex
	rooms   map[string]*sync.Mutex

	mu       sync.RWMutex
	records  map[string]*escrow.Record
	balances map[string]uint64
	events   []escrow.Event
}

func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*sync.Mutex),
		records:  make(map[string]*escrow.Record),
		balances: make(map[string]uint64),
	}
}

func (m *Memory) roomLock(addr string) *sync.Mutex {
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	l, ok := m.rooms[addr]
	if !ok {
		l = &sync.Mutex{}
		m.rooms[addr] = l
	}
	return l
}

func (m *Memory) Apply(ctx context.Context, gameAddr string, fn escrow.Mutation) (*escrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := m.roomLock(gameAddr)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	rec := m.records[gameAddr].Clone()
	m.mu.RUnlock()
	if rec == nil {
		rec = &escrow.Record{}
	} else if rec.Vault == nil {
		rec.Vault = emptyVault(gameAddr)
	}

	eff, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if rec.Game == nil {
		return nil, escrow.ErrGameNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	scratch := make(map[string]uint64)
	for _, a := range eff.Accounts() {
		scratch[a] = m.balances[a]
	}
	if err := eff.ApplyPostings(scratch); err != nil {
		return nil, err
	}
	for a, v := range scratch {
		m.balances[a] = v
	}
	m.records[gameAddr] = rec.Clone()
	if eff != nil {
		m.events = append(m.events, eff.Events...)
	}
	return rec, nil
}

func (m *Memory) Load(ctx context.Context, gameAddr string) (*escrow.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[gameAddr]
	if !ok {
		return nil, escrow.ErrGameNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Balance(ctx context.Context, account string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

func (m *Memory) Credit(ctx context.Context, account string, amount uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eff := &escrow.Effects{Credits: []escrow.Posting{{Account: account, Amount: amount}}}
	scratch := map[string]uint64{account: m.balances[account]}
	if err := eff.ApplyPostings(scratch); err != nil {
		return 0, err
	}
	m.balances[account] = scratch[account]
	return scratch[account], nil
}

func (m *Memory) Addresses(ctx context.Context, state escrow.GameState) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for addr, rec := range m.records {
		if rec.Game != nil && rec.Game.State == state {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Events returns a copy of every committed event in commit order.
func (m *Memory) Events() []escrow.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]escrow.Event(nil), m.events...)
}

func emptyVault(gameAddr string) *escrow.Vault {
	return &escrow.Vault{Address: escrow.VaultAddress(gameAddr), Game: gameAddr}
}
