package ws

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

// ClientMsg representa uma mensagem recebida do cliente WebSocket
// Event: client:ready | bet:place
// ID: opcional, devolvido no ack para o cliente correlacionar a resposta
type ClientMsg struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// ReadyRequest payload de client:ready
type ReadyRequest struct {
	Token string `json:"token"`
}

// PlaceRequest payload de bet:place; amount aceita número ou string
type PlaceRequest struct {
	RoundID string          `json:"roundId"`
	Side    string          `json:"side"`
	Amount  decimal.Decimal `json:"amount"`
}

// Ack resposta a uma requisição do cliente
type Ack struct {
	Status string      `json:"status"` // ok | error
	UserID string      `json:"userId,omitempty"`
	Bet    *events.Bet `json:"bet,omitempty"`
	Code   string      `json:"code,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Códigos de erro devolvidos no ack
const (
	CodeValidation          = "VALIDATION"
	CodeRoundClosed         = "ROUND_CLOSED"
	CodeRoundNotFound       = "ROUND_NOT_FOUND"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnknownEvent        = "UNKNOWN_EVENT"
	CodeInternal            = "INTERNAL"
)

// BetPlacedMsg payload de bet:placed (targeted)
type BetPlacedMsg struct {
	Bet events.Bet `json:"bet"`
}
