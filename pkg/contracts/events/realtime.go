package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Nomes dos eventos do protocolo em tempo real
const (
	NameClientReady   = "client:ready"
	NameBetPlace      = "bet:place"
	NamePriceUpdate   = "price:update"
	NameRoundStart    = "round:start"
	NameRoundLocked   = "round:locked"
	NameRoundResult   = "round:result"
	NameBetPlaced     = "bet:placed"
	NameBalanceUpdate = "balance:update"
)

// Envelope é o formato de toda mensagem trocada no WebSocket
// ID só é preenchido em respostas (ack) a uma requisição do cliente
type Envelope struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}

// PriceTick é uma cotação normalizada do feed; a mais nova sempre substitui o cache
type PriceTick struct {
	Price        decimal.Decimal `json:"price"`
	ObservedAtMs int64           `json:"observedAtMs"`
}

// ObservedAt converte o timestamp em milissegundos
func (t PriceTick) ObservedAt() time.Time { return time.UnixMilli(t.ObservedAtMs) }

// PriceUpdate payload de price:update
type PriceUpdate struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// RoundStart payload de round:start
type RoundStart struct {
	ID        string          `json:"id"`
	StartTime int64           `json:"startTime"`
	LockTime  int64           `json:"lockTime"`
	EndTime   int64           `json:"endTime"`
	OddsUp    decimal.Decimal `json:"oddsUp"`
	OddsDown  decimal.Decimal `json:"oddsDown"`
	Status    string          `json:"status"`
}

// RoundLocked payload de round:locked; LockedPrice nulo indica rodada só com reembolso
type RoundLocked struct {
	RoundID     string           `json:"roundId"`
	LockedPrice *decimal.Decimal `json:"lockedPrice"`
}

// RoundResult payload de round:result
type RoundResult struct {
	RoundID     string           `json:"roundId"`
	LockedPrice *decimal.Decimal `json:"lockedPrice"`
	FinalPrice  *decimal.Decimal `json:"finalPrice"`
	WinningSide string           `json:"winningSide"`
	VoidReason  string           `json:"voidReason,omitempty"`
	Stats       SettlementStats  `json:"stats"`
}

// SettlementStats agrega o resultado da liquidação de uma rodada
// Balances não vai para o broadcast: é distribuído individualmente por usuário
type SettlementStats struct {
	TotalBets   int             `json:"totalBets"`
	Winners     int             `json:"winners"`
	Losers      int             `json:"losers"`
	Refunds     int             `json:"refunds"`
	TotalVolume decimal.Decimal `json:"totalVolume"`
	UpVolume    decimal.Decimal `json:"upVolume"`
	DownVolume  decimal.Decimal `json:"downVolume"`
	TotalPayout decimal.Decimal `json:"totalPayout"`

	Balances []BalanceUpdate `json:"-"`
}

// BalanceUpdate saldo autoritativo de um usuário após uma movimentação
type BalanceUpdate struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

// Bet representação pública de uma aposta
type Bet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	RoundID   string          `json:"roundId"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Odds      decimal.Decimal `json:"odds"`
	Result    string          `json:"result"`
	Payout    decimal.Decimal `json:"payout"`
	CreatedAt int64           `json:"createdAt"`
}
