package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// ErrStatusRegression: UpdateRound nunca volta o status de uma rodada
var ErrStatusRegression = errors.New("round status regression")

// Store é a camada de persistência transacional de rodadas, apostas e carteiras
type Store interface {
	// WithTx executa fn numa transação; commit se fn retornar nil, rollback caso contrário
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// LatestRound retorna a rodada mais recente (ErrNotFound se não houver)
	LatestRound(ctx context.Context) (Round, error)
	// RecentRounds lista as últimas rodadas, mais nova primeiro
	RecentRounds(ctx context.Context, limit int) ([]Round, error)
	// UserWagers lista as apostas do usuário, mais nova primeiro
	UserWagers(ctx context.Context, userID string, limit int) ([]Wager, error)
	// InsertPriceSnapshot grava uma amostra durável do preço (fora de transação)
	InsertPriceSnapshot(ctx context.Context, s PriceSnapshot) error
	Ping(ctx context.Context) error
}

// Tx agrupa as operações disponíveis dentro de uma transação
type Tx interface {
	// Carteiras
	InsertWalletIfAbsent(ctx context.Context, w Wallet) error
	GetWalletForUpdate(ctx context.Context, userID string) (Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error
	InsertLedgerEntry(ctx context.Context, e LedgerEntry) error

	// Rodadas
	InsertRound(ctx context.Context, r Round) error
	// GetRoundForShare bloqueia a linha em modo compartilhado (aposta concorrente com o lock da rodada)
	GetRoundForShare(ctx context.Context, id string) (Round, error)
	// GetRoundForUpdate bloqueia a linha em modo exclusivo (transições do engine)
	GetRoundForUpdate(ctx context.Context, id string) (Round, error)
	// UpdateRound grava status e preços; status só avança (ErrStatusRegression)
	UpdateRound(ctx context.Context, r Round) error

	// Apostas
	InsertWager(ctx context.Context, w Wager) error
	ListWagersForUpdate(ctx context.Context, roundID string) ([]Wager, error)
	// SettleWager só altera apostas ainda PENDING; retorna false se já liquidada
	SettleWager(ctx context.Context, id string, result WagerResult, payout decimal.Decimal, at time.Time) (bool, error)
}
