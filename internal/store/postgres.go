package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Postgres implementa Store sobre database/sql (driver lib/pq)
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// WithTx abre uma transação READ COMMITTED; os locks de linha (FOR UPDATE/FOR SHARE)
// garantem a serialização por carteira e por rodada
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const roundColumns = `id, start_time, lock_time, end_time, status, locked_price, final_price,
	winning_side, odds_up, odds_down, void_reason, created_at, updated_at`

// LatestRound retorna a última rodada criada
func (p *Postgres) LatestRound(ctx context.Context) (Round, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY start_time DESC LIMIT 1`)
	return scanRound(row)
}

func (p *Postgres) RecentRounds(ctx context.Context, limit int) ([]Round, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY start_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UserWagers(ctx context.Context, userID string, limit int) ([]Wager, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+wagerColumns+`
		FROM wagers WHERE user_id=$1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWagers(rows)
}

// InsertPriceSnapshot grava uma linha em price_snapshots
func (p *Postgres) InsertPriceSnapshot(ctx context.Context, s PriceSnapshot) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO price_snapshots(price, observed_at) VALUES($1,$2)`, s.Price, s.ObservedAt)
	return err
}

type pgTx struct{ tx *sql.Tx }

// InsertWalletIfAbsent cria a carteira; ON CONFLICT torna a criação segura sob concorrência
func (t *pgTx) InsertWalletIfAbsent(ctx context.Context, w Wallet) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets(id, user_id, balance, currency, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,1,$5,$5)
		ON CONFLICT (user_id) DO NOTHING`,
		w.ID, w.UserID, w.Balance, w.Currency, w.CreatedAt)
	return err
}

// GetWalletForUpdate lê a carteira com lock pessimista na linha
func (t *pgTx) GetWalletForUpdate(ctx context.Context, userID string) (Wallet, error) {
	var w Wallet
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, version, created_at, updated_at
		FROM wallets WHERE user_id=$1 FOR UPDATE`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

func (t *pgTx) UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance=$1, version=version+1, updated_at=$2 WHERE id=$3`, balance, at, walletID)
	return err
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger(wallet_id, operation_type, amount, balance_after, related_wager_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		e.WalletID, e.Reason, e.Delta, e.BalanceAfter, e.Ref, e.CreatedAt)
	return err
}

func (t *pgTx) InsertRound(ctx context.Context, r Round) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rounds(id, start_time, lock_time, end_time, status, odds_up, odds_down, void_reason, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		r.ID, r.StartTime, r.LockTime, r.EndTime, string(r.Status), r.OddsUp, r.OddsDown, r.VoidReason, r.CreatedAt)
	return err
}

func (t *pgTx) GetRoundForShare(ctx context.Context, id string) (Round, error) {
	return scanRound(t.tx.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id=$1 FOR SHARE`, id))
}

func (t *pgTx) GetRoundForUpdate(ctx context.Context, id string) (Round, error) {
	return scanRound(t.tx.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id=$1 FOR UPDATE`, id))
}

// UpdateRound grava status e preços; COALESCE impede sobrescrever preços já definidos
func (t *pgTx) UpdateRound(ctx context.Context, r Round) error {
	var cur string
	err := t.tx.QueryRowContext(ctx, `SELECT status FROM rounds WHERE id=$1`, r.ID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if r.Status.Before(RoundStatus(cur)) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, cur, r.Status)
	}

	var side sql.NullString
	if r.WinningSide != nil {
		side = sql.NullString{String: string(*r.WinningSide), Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE rounds SET
		  status       = $2,
		  locked_price = COALESCE(locked_price, $3),
		  final_price  = COALESCE(final_price, $4),
		  winning_side = COALESCE(winning_side, $5),
		  void_reason  = $6,
		  updated_at   = $7
		WHERE id = $1`,
		r.ID, string(r.Status), nullDecimal(r.LockedPrice), nullDecimal(r.FinalPrice), side, r.VoidReason, r.UpdatedAt)
	return err
}

func (t *pgTx) InsertWager(ctx context.Context, w Wager) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wagers(id, user_id, round_id, side, amount, odds, result, payout, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.ID, w.UserID, w.RoundID, string(w.Side), w.Amount, w.Odds, string(w.Result), w.Payout, w.CreatedAt)
	return err
}

func (t *pgTx) ListWagersForUpdate(ctx context.Context, roundID string) ([]Wager, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+wagerColumns+`
		FROM wagers WHERE round_id=$1
		ORDER BY created_at, id
		FOR UPDATE`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWagers(rows)
}

const wagerColumns = `id, user_id, round_id, side, amount, odds, result, payout, created_at, settled_at`

func scanWagers(rows *sql.Rows) ([]Wager, error) {
	var out []Wager
	for rows.Next() {
		var (
			w         Wager
			side, res string
			settledAt sql.NullTime
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.RoundID, &side, &w.Amount, &w.Odds, &res, &w.Payout, &w.CreatedAt, &settledAt); err != nil {
			return nil, err
		}
		w.Side = Side(side)
		w.Result = WagerResult(res)
		if settledAt.Valid {
			at := settledAt.Time
			w.SettledAt = &at
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) SettleWager(ctx context.Context, id string, result WagerResult, payout decimal.Decimal, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wagers SET result=$2, payout=$3, settled_at=$4
		WHERE id=$1 AND result='PENDING'`, id, string(result), payout, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (Round, error) {
	var (
		r             Round
		status        string
		locked, final decimal.NullDecimal
		side          sql.NullString
	)
	err := row.Scan(&r.ID, &r.StartTime, &r.LockTime, &r.EndTime, &status, &locked, &final,
		&side, &r.OddsUp, &r.OddsDown, &r.VoidReason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Round{}, ErrNotFound
	}
	if err != nil {
		return Round{}, err
	}
	r.Status = RoundStatus(status)
	if locked.Valid {
		v := locked.Decimal
		r.LockedPrice = &v
	}
	if final.Valid {
		v := final.Decimal
		r.FinalPrice = &v
	}
	if side.Valid {
		s := Side(side.String)
		r.WinningSide = &s
	}
	return r, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
