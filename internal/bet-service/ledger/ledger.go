package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/internal/wallet"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidSide         = errors.New("invalid side")
	ErrRoundNotFound       = errors.New("round not found")
	ErrRoundClosed         = errors.New("round closed for betting")
	ErrSettlementRetryable = errors.New("settlement failed")
)

// amountScale limita as casas decimais da aposta; com odds de 4 casas o payout
// cabe exato em NUMERIC(20,8)
const amountScale = 4

// Publisher publica a aposta confirmada para os colaboradores externos (merchant/admin)
type Publisher interface {
	PublishBetPlaced(ctx context.Context, e events.BetPlaced) error
}

// Config limites de aposta
type Config struct {
	MinBet decimal.Decimal
	MaxBet decimal.Decimal
}

// Ledger valida e registra apostas e liquida rodadas contra a carteira
type Ledger struct {
	log     *zap.Logger
	store   store.Store
	wallets *wallet.Service
	cfg     Config
	publ    Publisher
	now     func() time.Time
}

func New(log *zap.Logger, st store.Store, w *wallet.Service, cfg Config) *Ledger {
	return &Ledger{log: log, store: st, wallets: w, cfg: cfg, now: time.Now}
}

// SetPublisher liga a publicação de bet_placed; nil desliga
func (l *Ledger) SetPublisher(p Publisher) { l.publ = p }

// PlaceResult aposta gravada e saldo após o débito
type PlaceResult struct {
	Wager      store.Wager
	NewBalance decimal.Decimal
}

// PlaceWager valida e grava uma aposta, debitando a carteira na mesma transação.
// O status da rodada e o prazo de lock são verificados dentro da transação, com a
// linha da rodada bloqueada em modo compartilhado, então nenhuma aposta entra depois do lock.
func (l *Ledger) PlaceWager(ctx context.Context, userID, roundID string, side store.Side, amount decimal.Decimal) (PlaceResult, error) {
	if !side.Valid() {
		return PlaceResult{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if err := l.validateAmount(amount); err != nil {
		return PlaceResult{}, err
	}
	if _, err := uuid.Parse(roundID); err != nil {
		return PlaceResult{}, ErrRoundNotFound
	}

	var res PlaceResult
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRoundForShare(ctx, roundID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoundNotFound
		}
		if err != nil {
			return fmt.Errorf("load round: %w", err)
		}

		now := l.now()
		if r.Status != store.RoundBetting || !now.Before(r.LockTime) {
			return ErrRoundClosed
		}

		wg := store.Wager{
			ID:        uuid.NewString(),
			UserID:    userID,
			RoundID:   r.ID,
			Side:      side,
			Amount:    amount,
			Odds:      r.OddsFor(side),
			Result:    store.ResultPending,
			Payout:    decimal.Zero,
			CreatedAt: now.UTC(),
		}

		w, err := l.wallets.Adjust(ctx, tx, userID, amount.Neg(), store.ReasonBetDebit, wg.ID)
		if err != nil {
			return err
		}
		if err := tx.InsertWager(ctx, wg); err != nil {
			return fmt.Errorf("insert wager: %w", err)
		}

		res = PlaceResult{Wager: wg, NewBalance: w.Balance}
		return nil
	})
	if err != nil {
		return PlaceResult{}, err
	}

	l.publishPlaced(res)
	return res, nil
}

func (l *Ledger) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, amountScale)
	}
	if amount.LessThan(l.cfg.MinBet) || amount.GreaterThan(l.cfg.MaxBet) {
		return fmt.Errorf("%w: must be between %s and %s", ErrInvalidAmount, l.cfg.MinBet, l.cfg.MaxBet)
	}
	return nil
}

// publishPlaced é best-effort: falha de integração não afeta a aposta já confirmada
func (l *Ledger) publishPlaced(res PlaceResult) {
	if l.publ == nil {
		return
	}
	e := events.BetPlaced{
		BetID:    res.Wager.ID,
		UserID:   res.Wager.UserID,
		RoundID:  res.Wager.RoundID,
		Side:     string(res.Wager.Side),
		Amount:   res.Wager.Amount,
		Odds:     res.Wager.Odds,
		Balance:  res.NewBalance,
		TsUnixMs: res.Wager.CreatedAt.UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.publ.PublishBetPlaced(ctx, e); err != nil {
			l.log.Warn("bet_placed publish failed", zap.String("bet_id", e.BetID), zap.Error(err))
		}
	}()
}

// Outcome calcula resultado e payout de uma aposta para o lado vencedor
// NONE reembolsa o valor apostado; vitória paga amount × odds; derrota paga zero
func Outcome(w store.Wager, winning store.Side) (store.WagerResult, decimal.Decimal) {
	switch {
	case winning == store.SideNone:
		return store.ResultRefund, w.Amount
	case w.Side == winning:
		return store.ResultWin, w.Amount.Mul(w.Odds)
	default:
		return store.ResultLose, decimal.Zero
	}
}

// SettleRound liquida todas as apostas da rodada numa única transação.
// É idempotente: apostas já liquidadas são puladas, então repetir a chamada após
// uma falha parcial não paga duas vezes. Balances traz o saldo final de cada
// usuário com aposta na rodada, inclusive as liquidadas em chamadas anteriores.
func (l *Ledger) SettleRound(ctx context.Context, roundID string, winning store.Side) (events.SettlementStats, error) {
	var stats events.SettlementStats
	err := l.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stats = events.SettlementStats{
			TotalVolume: decimal.Zero,
			UpVolume:    decimal.Zero,
			DownVolume:  decimal.Zero,
			TotalPayout: decimal.Zero,
		}

		wagers, err := tx.ListWagersForUpdate(ctx, roundID)
		if err != nil {
			return fmt.Errorf("list wagers: %w", err)
		}

		now := l.now().UTC()
		balances := make(map[string]decimal.Decimal)
		var order []string
		track := func(userID string, balance decimal.Decimal) {
			if _, seen := balances[userID]; !seen {
				order = append(order, userID)
			}
			balances[userID] = balance
		}

		for _, w := range wagers {
			stats.TotalBets++
			stats.TotalVolume = stats.TotalVolume.Add(w.Amount)
			if w.Side == store.SideUp {
				stats.UpVolume = stats.UpVolume.Add(w.Amount)
			} else {
				stats.DownVolume = stats.DownVolume.Add(w.Amount)
			}

			if w.Result != store.ResultPending {
				// liquidada numa tentativa anterior: o saldo atual ainda vai no round:result
				accumulate(&stats, w.Result, w.Payout)
				wal, err := l.wallets.GetOrCreate(ctx, tx, w.UserID)
				if err != nil {
					return fmt.Errorf("load wallet %s: %w", w.UserID, err)
				}
				track(w.UserID, wal.Balance)
				continue
			}

			result, payout := Outcome(w, winning)
			settled, err := tx.SettleWager(ctx, w.ID, result, payout, now)
			if err != nil {
				return fmt.Errorf("settle wager %s: %w", w.ID, err)
			}
			if !settled {
				continue
			}

			var wal store.Wallet
			if payout.IsPositive() {
				reason := store.ReasonBetPayout
				if result == store.ResultRefund {
					reason = store.ReasonBetRefund
				}
				wal, err = l.wallets.Adjust(ctx, tx, w.UserID, payout, reason, w.ID)
			} else {
				wal, err = l.wallets.GetOrCreate(ctx, tx, w.UserID)
			}
			if err != nil {
				return fmt.Errorf("credit wager %s: %w", w.ID, err)
			}

			track(w.UserID, wal.Balance)
			accumulate(&stats, result, payout)
		}

		for _, userID := range order {
			stats.Balances = append(stats.Balances, events.BalanceUpdate{UserID: userID, Balance: balances[userID]})
		}
		return nil
	})
	if err != nil {
		return events.SettlementStats{}, fmt.Errorf("%w: round %s: %w", ErrSettlementRetryable, roundID, err)
	}
	return stats, nil
}

func accumulate(stats *events.SettlementStats, result store.WagerResult, payout decimal.Decimal) {
	switch result {
	case store.ResultWin:
		stats.Winners++
	case store.ResultLose:
		stats.Losers++
	case store.ResultRefund:
		stats.Refunds++
	}
	stats.TotalPayout = stats.TotalPayout.Add(payout)
}

// ToBet converte a aposta persistida na representação pública
func ToBet(w store.Wager) events.Bet {
	return events.Bet{
		ID:        w.ID,
		UserID:    w.UserID,
		RoundID:   w.RoundID,
		Side:      string(w.Side),
		Amount:    w.Amount,
		Odds:      w.Odds,
		Result:    string(w.Result),
		Payout:    w.Payout,
		CreatedAt: w.CreatedAt.UnixMilli(),
	}
}
