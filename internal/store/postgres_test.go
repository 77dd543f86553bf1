package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/bet-service/ledger"
	"github.com/radieske/updown-round-engine/internal/shared/db"
	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/internal/wallet"
)

var (
	pgOnce sync.Once
	pgDB   *sql.DB
	pgErr  error
)

// postgresDB sobe um Postgres descartável com as migrações aplicadas; pula sem Docker
func postgresDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract tests skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "updown"},
				ExposedPorts: []string{"5432/tcp"},
				WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			pgErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			pgErr = err
			return
		}
		dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/updown?sslmode=disable", host, port.Port())

		// a porta abre antes do servidor aceitar conexões; ConnectPostgres repete o ping
		pgDB, pgErr = db.ConnectPostgres(ctx, dsn)
		if pgErr != nil {
			return
		}
		pgErr = db.MigrateUp(pgDB)
	})
	if pgErr != nil {
		t.Skipf("postgres unavailable: %v", pgErr)
	}
	return pgDB
}

func insertBettingRound(t *testing.T, st store.Store, now time.Time) store.Round {
	t.Helper()
	r := store.Round{
		ID:        uuid.NewString(),
		StartTime: now.Add(-time.Second).UTC(),
		LockTime:  now.Add(30 * time.Second).UTC(),
		EndTime:   now.Add(60 * time.Second).UTC(),
		Status:    store.RoundBetting,
		OddsUp:    decimal.RequireFromString("1.95"),
		OddsDown:  decimal.RequireFromString("1.95"),
		CreatedAt: now.UTC(),
	}
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, r)
	}))
	return r
}

func TestPostgres_PlaceAndSettleRound(t *testing.T) {
	st := store.NewPostgres(postgresDB(t))
	ctx := context.Background()

	wallets := wallet.NewService(st, "USDT")
	l := ledger.New(zap.NewNop(), st, wallets, ledger.Config{MinBet: decimal.NewFromInt(1), MaxBet: decimal.NewFromInt(1000)})

	up, down := "pg-up-"+uuid.NewString(), "pg-down-"+uuid.NewString()
	for _, u := range []string{up, down} {
		_, err := wallets.Deposit(ctx, u, decimal.NewFromInt(100), "seed")
		require.NoError(t, err)
	}

	r := insertBettingRound(t, st, time.Now())
	_, err := l.PlaceWager(ctx, up, r.ID, store.SideUp, decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = l.PlaceWager(ctx, down, r.ID, store.SideDown, decimal.NewFromInt(10))
	require.NoError(t, err)

	stats, err := l.SettleRound(ctx, r.ID, store.SideUp)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Winners)
	require.Equal(t, 1, stats.Losers)
	require.True(t, stats.TotalPayout.Equal(decimal.RequireFromString("19.5")))

	// segunda chamada não paga de novo
	_, err = l.SettleRound(ctx, r.ID, store.SideUp)
	require.NoError(t, err)

	bal, err := wallets.Balance(ctx, up)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("109.5")), bal.String())
	bal, err = wallets.Balance(ctx, down)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(90)), bal.String())
}

func TestPostgres_ConcurrentPlacementSingleDebit(t *testing.T) {
	st := store.NewPostgres(postgresDB(t))
	ctx := context.Background()

	wallets := wallet.NewService(st, "USDT")
	l := ledger.New(zap.NewNop(), st, wallets, ledger.Config{MinBet: decimal.NewFromInt(1), MaxBet: decimal.NewFromInt(1000)})

	user := "pg-race-" + uuid.NewString()
	_, err := wallets.Deposit(ctx, user, decimal.NewFromInt(10), "seed")
	require.NoError(t, err)
	r := insertBettingRound(t, st, time.Now())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.PlaceWager(ctx, user, r.ID, store.SideUp, decimal.NewFromInt(10))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, wallet.ErrInsufficientBalance):
			insufficient++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, insufficient)

	bal, err := wallets.Balance(ctx, user)
	require.NoError(t, err)
	require.True(t, bal.IsZero(), bal.String())
}

func TestPostgres_UpdateRoundKeepsFirstPrice(t *testing.T) {
	st := store.NewPostgres(postgresDB(t))
	ctx := context.Background()
	r := insertBettingRound(t, st, time.Now())

	first := decimal.RequireFromString("100.5")
	second := decimal.RequireFromString("200")
	for _, p := range []decimal.Decimal{first, second} {
		p := p
		require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			cur, err := tx.GetRoundForUpdate(ctx, r.ID)
			if err != nil {
				return err
			}
			cur.Status = store.RoundLocked
			cur.LockedPrice = &p
			cur.UpdatedAt = time.Now().UTC()
			return tx.UpdateRound(ctx, cur)
		}))
	}

	var got store.Round
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.GetRoundForShare(ctx, r.ID)
		return err
	}))
	require.Equal(t, store.RoundLocked, got.Status)
	require.NotNil(t, got.LockedPrice)
	require.True(t, got.LockedPrice.Equal(first))
}

func TestPostgres_UpdateRoundRejectsStatusRegression(t *testing.T) {
	st := store.NewPostgres(postgresDB(t))
	ctx := context.Background()
	r := insertBettingRound(t, st, time.Now())

	update := func(status store.RoundStatus) error {
		return st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			cur, err := tx.GetRoundForUpdate(ctx, r.ID)
			if err != nil {
				return err
			}
			cur.Status = status
			cur.UpdatedAt = time.Now().UTC()
			return tx.UpdateRound(ctx, cur)
		})
	}
	require.NoError(t, update(store.RoundLocked))
	require.ErrorIs(t, update(store.RoundBetting), store.ErrStatusRegression)
	require.NoError(t, update(store.RoundSettling))
}
