package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/internal/wallet"
)

// Wallets define as operações de carteira usadas pelo handler HTTP
type Wallets interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Deposit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (store.Wallet, error)
}

type DepositRequest struct {
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalRef string          `json:"external_ref,omitempty"`
}

type WalletResponse struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

// Server expõe consulta de saldo e depósito; montado só em local/dev
type Server struct {
	log     *zap.Logger
	wallets Wallets
}

func NewServer(log *zap.Logger, wallets Wallets) *Server { return &Server{log: log, wallets: wallets} }

// Routes registra as rotas no roteador chi
func (s *Server) Routes(r chi.Router) {
	r.Get("/v1/wallets/{userId}", s.getWallet)
	r.Post("/v1/wallets/deposit", s.deposit)
}

// getWallet retorna (ou cria) a carteira e saldo do usuário
func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	bal, err := s.wallets.Balance(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, WalletResponse{UserID: userID, Balance: bal})
}

// deposit adiciona saldo à carteira do usuário
func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wl, err := s.wallets.Deposit(r.Context(), req.UserID, req.Amount, req.ExternalRef)
	if errors.Is(err, wallet.ErrInvalidDeposit) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("deposit failed", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("deposit", zap.String("user_id", req.UserID), zap.String("amount", req.Amount.String()))
	writeJSON(w, WalletResponse{UserID: req.UserID, Balance: wl.Balance})
}

// writeJSON serializa e envia resposta JSON
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
