package events

import "github.com/shopspring/decimal"

// BetPlaced evento publicado no tópico "bet_placed" após o commit da aposta
type BetPlaced struct {
	BetID    string          `json:"bet_id"`
	UserID   string          `json:"user_id"`
	RoundID  string          `json:"round_id"`
	Side     string          `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Odds     decimal.Decimal `json:"odds"`
	Balance  decimal.Decimal `json:"balance"` // saldo após o débito
	TsUnixMs int64           `json:"ts_unix_ms"`
}

// RoundSettled evento publicado no tópico "round_settled" após a rodada chegar a COMPLETED
type RoundSettled struct {
	RoundID     string           `json:"round_id"`
	LockedPrice *decimal.Decimal `json:"locked_price"`
	FinalPrice  *decimal.Decimal `json:"final_price"`
	WinningSide string           `json:"winning_side"`
	VoidReason  string           `json:"void_reason,omitempty"`
	TotalBets   int              `json:"total_bets"`
	TotalVolume decimal.Decimal  `json:"total_volume"`
	TotalPayout decimal.Decimal  `json:"total_payout"`
	TsUnixMs    int64            `json:"ts_unix_ms"`
}
