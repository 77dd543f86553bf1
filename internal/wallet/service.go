package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/radieske/updown-round-engine/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidDeposit      = errors.New("deposit amount must be positive")
)

// Service é o único caminho de mutação de saldo.
// Todas as operações recebem a transação do chamador para que o débito/crédito
// e o registro do motivo (aposta, liquidação) sejam atômicos.
type Service struct {
	store    store.Store
	currency string
	now      func() time.Time
}

func NewService(st store.Store, currency string) *Service {
	return &Service{store: st, currency: currency, now: time.Now}
}

// GetOrCreate retorna a carteira do usuário, criando-a com saldo zero na primeira referência.
// A linha fica bloqueada (FOR UPDATE) até o fim da transação do chamador.
func (s *Service) GetOrCreate(ctx context.Context, tx store.Tx, userID string) (store.Wallet, error) {
	w, err := tx.GetWalletForUpdate(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}

	// Duas transações podem chegar aqui ao mesmo tempo; ON CONFLICT garante uma única linha
	if err := tx.InsertWalletIfAbsent(ctx, store.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  s.currency,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return store.Wallet{}, fmt.Errorf("create wallet: %w", err)
	}

	w, err = tx.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return store.Wallet{}, fmt.Errorf("get wallet after create: %w", err)
	}
	return w, nil
}

// Adjust aplica um delta com sinal ao saldo e registra a movimentação no wallet_ledger.
// Um delta que deixaria o saldo negativo é rejeitado com ErrInsufficientBalance.
func (s *Service) Adjust(ctx context.Context, tx store.Tx, userID string, delta decimal.Decimal, reason, ref string) (store.Wallet, error) {
	w, err := s.GetOrCreate(ctx, tx, userID)
	if err != nil {
		return store.Wallet{}, err
	}
	if delta.IsZero() {
		return w, nil
	}

	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return store.Wallet{}, ErrInsufficientBalance
	}

	now := s.now().UTC()
	if err := tx.UpdateWalletBalance(ctx, w.ID, next, now); err != nil {
		return store.Wallet{}, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.InsertLedgerEntry(ctx, store.LedgerEntry{
		WalletID:     w.ID,
		Delta:        delta,
		BalanceAfter: next,
		Reason:       reason,
		Ref:          ref,
		CreatedAt:    now,
	}); err != nil {
		return store.Wallet{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	w.Balance = next
	w.Version++
	w.UpdatedAt = now
	return w, nil
}

// Balance lê (ou cria) a carteira numa transação própria
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := s.GetOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		bal = w.Balance
		return nil
	})
	return bal, err
}

// Deposit credita saldo fora do fluxo de apostas (carga local/dev)
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (store.Wallet, error) {
	if !amount.IsPositive() {
		return store.Wallet{}, ErrInvalidDeposit
	}
	var w store.Wallet
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = s.Adjust(ctx, tx, userID, amount, store.ReasonDeposit, ref)
		return err
	})
	return w, err
}
