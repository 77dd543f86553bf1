package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/radieske/updown-round-engine/internal/store"
)

func adjust(t *testing.T, s *Service, st store.Store, userID string, delta decimal.Decimal) (store.Wallet, error) {
	t.Helper()
	var w store.Wallet
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = s.Adjust(ctx, tx, userID, delta, store.ReasonBetDebit, "ref-1")
		return err
	})
	return w, err
}

func TestGetOrCreate_CreatesOnceWithZeroBalance(t *testing.T) {
	st := store.NewMemory()
	s := NewService(st, "USDT")
	ctx := context.Background()

	var first, second store.Wallet
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		first, err = s.GetOrCreate(ctx, tx, "u1")
		return err
	}))
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		second, err = s.GetOrCreate(ctx, tx, "u1")
		return err
	}))

	require.Equal(t, first.ID, second.ID)
	require.True(t, first.Balance.IsZero())
	require.Equal(t, "USDT", first.Currency)
}

func TestAdjust_RejectsNegativeBalance(t *testing.T) {
	st := store.NewMemory()
	s := NewService(st, "USDT")

	_, err := s.Deposit(context.Background(), "u1", decimal.NewFromInt(5), "seed")
	require.NoError(t, err)

	_, err = adjust(t, s, st, "u1", decimal.NewFromInt(-6))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	w, ok := st.Wallet("u1")
	require.True(t, ok)
	require.True(t, w.Balance.Equal(decimal.NewFromInt(5)))
	require.Len(t, st.Ledger(w.ID), 1) // só o depósito
}

func TestAdjust_WritesLedgerEntry(t *testing.T) {
	st := store.NewMemory()
	s := NewService(st, "USDT")

	_, err := s.Deposit(context.Background(), "u1", decimal.NewFromInt(20), "seed")
	require.NoError(t, err)
	w, err := adjust(t, s, st, "u1", decimal.RequireFromString("-7.5"))
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.RequireFromString("12.5")))

	entries := st.Ledger(w.ID)
	require.Len(t, entries, 2)
	last := entries[1]
	require.Equal(t, store.ReasonBetDebit, last.Reason)
	require.Equal(t, "ref-1", last.Ref)
	require.True(t, last.Delta.Equal(decimal.RequireFromString("-7.5")))
	require.True(t, last.BalanceAfter.Equal(decimal.RequireFromString("12.5")))
}

func TestAdjust_ZeroDeltaIsNoop(t *testing.T) {
	st := store.NewMemory()
	s := NewService(st, "USDT")

	w, err := adjust(t, s, st, "u1", decimal.Zero)
	require.NoError(t, err)
	require.Empty(t, st.Ledger(w.ID))
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	s := NewService(store.NewMemory(), "USDT")
	_, err := s.Deposit(context.Background(), "u1", decimal.Zero, "")
	require.ErrorIs(t, err, ErrInvalidDeposit)
}

func TestBalance_CreatesWallet(t *testing.T) {
	st := store.NewMemory()
	s := NewService(st, "USDT")

	bal, err := s.Balance(context.Background(), "new-user")
	require.NoError(t, err)
	require.True(t, bal.IsZero())
	_, ok := st.Wallet("new-user")
	require.True(t, ok)
}
