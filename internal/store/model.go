package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side é o lado apostado ou o lado vencedor de uma rodada
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
	SideNone Side = "NONE" // empate ou preço ausente: reembolso
)

// Valid informa se o lado é apostável (UP ou DOWN)
func (s Side) Valid() bool { return s == SideUp || s == SideDown }

// RoundStatus segue a ordem PENDING → BETTING → LOCKED → SETTLING → COMPLETED
type RoundStatus string

const (
	RoundPending   RoundStatus = "PENDING"
	RoundBetting   RoundStatus = "BETTING"
	RoundLocked    RoundStatus = "LOCKED"
	RoundSettling  RoundStatus = "SETTLING"
	RoundCompleted RoundStatus = "COMPLETED"
)

var statusRank = map[RoundStatus]int{
	RoundPending:   0,
	RoundBetting:   1,
	RoundLocked:    2,
	RoundSettling:  3,
	RoundCompleted: 4,
}

// Before informa se s vem estritamente antes de other na máquina de estados
func (s RoundStatus) Before(other RoundStatus) bool { return statusRank[s] < statusRank[other] }

// Motivos de reembolso integral de uma rodada
const (
	VoidNoLockPrice  = "NO_LOCK_PRICE"
	VoidNoFinalPrice = "NO_FINAL_PRICE"
	VoidTie          = "TIE"
)

// Round é uma rodada persistida
type Round struct {
	ID          string
	StartTime   time.Time
	LockTime    time.Time
	EndTime     time.Time
	Status      RoundStatus
	LockedPrice *decimal.Decimal
	FinalPrice  *decimal.Decimal
	WinningSide *Side
	OddsUp      decimal.Decimal
	OddsDown    decimal.Decimal
	VoidReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OddsFor retorna a odd corrente do lado informado
func (r Round) OddsFor(side Side) decimal.Decimal {
	if side == SideUp {
		return r.OddsUp
	}
	return r.OddsDown
}

// WagerResult é o resultado de uma aposta, escrito uma única vez na liquidação
type WagerResult string

const (
	ResultPending WagerResult = "PENDING"
	ResultWin     WagerResult = "WIN"
	ResultLose    WagerResult = "LOSE"
	ResultRefund  WagerResult = "REFUND"
)

// Wager é uma aposta de um usuário em uma rodada
type Wager struct {
	ID        string
	UserID    string
	RoundID   string
	Side      Side
	Amount    decimal.Decimal
	Odds      decimal.Decimal // snapshot da odd no momento da aposta
	Result    WagerResult
	Payout    decimal.Decimal
	CreatedAt time.Time
	SettledAt *time.Time
}

// Wallet é a carteira de um usuário
type Wallet struct {
	ID        string
	UserID    string
	Balance   decimal.Decimal
	Currency  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Motivos de movimentação registrados no wallet_ledger
const (
	ReasonBetDebit  = "BET_DEBIT"
	ReasonBetPayout = "BET_PAYOUT"
	ReasonBetRefund = "BET_REFUND"
	ReasonDeposit   = "DEPOSIT"
)

// LedgerEntry registra o porquê de cada movimentação de saldo
type LedgerEntry struct {
	WalletID     string
	Delta        decimal.Decimal
	BalanceAfter decimal.Decimal
	Reason       string
	Ref          string // id da aposta
	CreatedAt    time.Time
}

// PriceSnapshot é uma amostra durável do preço
type PriceSnapshot struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}
