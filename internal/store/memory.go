package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory implementa Store em memória (ambiente local e testes).
// Transações são serializadas por um mutex global e aplicadas sobre uma cópia do estado,
// descartada em caso de erro. A cópia inclui carteiras, rodadas e apostas, então o custo
// de cada transação cresce com o histórico; o ledger, só de inserção, fica fora dela.
type Memory struct {
	mu    sync.Mutex
	state memState

	snapMu    sync.Mutex
	snapshots []PriceSnapshot
}

type memState struct {
	wallets map[string]Wallet // user_id -> wallet
	ledger  []LedgerEntry
	rounds  map[string]Round
	wagers  map[string]Wager
	byRound map[string][]string // round_id -> wager ids em ordem de inserção
}

func NewMemory() *Memory {
	return &Memory{state: memState{
		wallets: make(map[string]Wallet),
		rounds:  make(map[string]Round),
		wagers:  make(map[string]Wager),
		byRound: make(map[string][]string),
	}}
}

func (s memState) clone() memState {
	c := memState{
		wallets: make(map[string]Wallet, len(s.wallets)),
		rounds:  make(map[string]Round, len(s.rounds)),
		wagers:  make(map[string]Wager, len(s.wagers)),
		byRound: make(map[string][]string, len(s.byRound)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.rounds {
		c.rounds[k] = v
	}
	for k, v := range s.wagers {
		c.wagers[k] = v
	}
	for k, v := range s.byRound {
		c.byRound[k] = append([]string(nil), v...)
	}
	return c
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ledger := m.state.ledger
	work := &memTx{s: m.state.clone()}
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.state = work.s
	m.state.ledger = append(ledger, work.ledger...)
	return nil
}

func (m *Memory) LatestRound(_ context.Context) (Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		latest Round
		found  bool
	)
	for _, r := range m.state.rounds {
		if !found || r.StartTime.After(latest.StartTime) {
			latest, found = r, true
		}
	}
	if !found {
		return Round{}, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) RecentRounds(_ context.Context, limit int) ([]Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Round, 0, len(m.state.rounds))
	for _, r := range m.state.rounds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UserWagers(_ context.Context, userID string, limit int) ([]Wager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Wager
	for _, w := range m.state.wagers {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertPriceSnapshot(_ context.Context, s PriceSnapshot) error {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Snapshots retorna as amostras de preço gravadas
func (m *Memory) Snapshots() []PriceSnapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return append([]PriceSnapshot(nil), m.snapshots...)
}

// Wallet lê a carteira fora de transação
func (m *Memory) Wallet(userID string) (Wallet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state.wallets[userID]
	return w, ok
}

// Ledger retorna as movimentações registradas de uma carteira
func (m *Memory) Ledger(walletID string) []LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	for _, e := range m.state.ledger {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out
}

// Round lê uma rodada fora de transação
func (m *Memory) Round(id string) (Round, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.rounds[id]
	return r, ok
}

// Wagers lista as apostas de uma rodada fora de transação
func (m *Memory) Wagers(roundID string) []Wager {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Wager, 0, len(m.state.byRound[roundID]))
	for _, id := range m.state.byRound[roundID] {
		out = append(out, m.state.wagers[id])
	}
	return out
}

// SeedWallet credita saldo inicial sem passar pelo ledger (apenas para ambiente local e testes)
func (m *Memory) SeedWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.wallets[w.UserID] = w
}

type memTx struct {
	s      memState
	ledger []LedgerEntry // entradas pendentes até o commit
}

func (t *memTx) InsertWalletIfAbsent(_ context.Context, w Wallet) error {
	if _, ok := t.s.wallets[w.UserID]; ok {
		return nil
	}
	w.Version = 1
	w.UpdatedAt = w.CreatedAt
	t.s.wallets[w.UserID] = w
	return nil
}

func (t *memTx) GetWalletForUpdate(_ context.Context, userID string) (Wallet, error) {
	w, ok := t.s.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (t *memTx) UpdateWalletBalance(_ context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	for userID, w := range t.s.wallets {
		if w.ID == walletID {
			w.Balance = balance
			w.Version++
			w.UpdatedAt = at
			t.s.wallets[userID] = w
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e LedgerEntry) error {
	t.ledger = append(t.ledger, e)
	return nil
}

func (t *memTx) InsertRound(_ context.Context, r Round) error {
	r.UpdatedAt = r.CreatedAt
	t.s.rounds[r.ID] = r
	return nil
}

func (t *memTx) GetRoundForShare(_ context.Context, id string) (Round, error) {
	r, ok := t.s.rounds[id]
	if !ok {
		return Round{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) GetRoundForUpdate(ctx context.Context, id string) (Round, error) {
	return t.GetRoundForShare(ctx, id)
}

func (t *memTx) UpdateRound(_ context.Context, r Round) error {
	cur, ok := t.s.rounds[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Before(cur.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, cur.Status, r.Status)
	}
	cur.Status = r.Status
	if cur.LockedPrice == nil {
		cur.LockedPrice = r.LockedPrice
	}
	if cur.FinalPrice == nil {
		cur.FinalPrice = r.FinalPrice
	}
	if cur.WinningSide == nil {
		cur.WinningSide = r.WinningSide
	}
	cur.VoidReason = r.VoidReason
	cur.UpdatedAt = r.UpdatedAt
	t.s.rounds[r.ID] = cur
	return nil
}

func (t *memTx) InsertWager(_ context.Context, w Wager) error {
	t.s.wagers[w.ID] = w
	t.s.byRound[w.RoundID] = append(t.s.byRound[w.RoundID], w.ID)
	return nil
}

func (t *memTx) ListWagersForUpdate(_ context.Context, roundID string) ([]Wager, error) {
	out := make([]Wager, 0, len(t.s.byRound[roundID]))
	for _, id := range t.s.byRound[roundID] {
		out = append(out, t.s.wagers[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) SettleWager(_ context.Context, id string, result WagerResult, payout decimal.Decimal, at time.Time) (bool, error) {
	w, ok := t.s.wagers[id]
	if !ok {
		return false, ErrNotFound
	}
	if w.Result != ResultPending {
		return false, nil
	}
	w.Result = result
	w.Payout = payout
	w.SettledAt = &at
	t.s.wagers[id] = w
	return true, nil
}
