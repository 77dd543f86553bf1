package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/radieske/updown-round-engine/internal/bet-service/ledger"
	"github.com/radieske/updown-round-engine/internal/round-engine/engine"
	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

type RoundReader interface {
	Current() (store.Round, bool)
}

type PriceReader interface {
	Latest() (events.PriceTick, bool)
}

// PriceCache fallback quando o feed ainda não recebeu nenhum tick nesta instância
type PriceCache interface {
	GetLatest(ctx context.Context) (events.PriceTick, bool, error)
}

// HistoryReader consultas de histórico no banco
type HistoryReader interface {
	RecentRounds(ctx context.Context, limit int) ([]store.Round, error)
	UserWagers(ctx context.Context, userID string, limit int) ([]store.Wager, error)
}

// Authenticator resolve o usuário do header Authorization: Bearer <jwt>
type Authenticator interface {
	Verify(ctx context.Context, token string) (string, error)
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

// API expõe o WebSocket e os endpoints de leitura do engine
type API struct {
	Rounds  RoundReader
	Prices  PriceReader
	Cache   PriceCache    // opcional
	History HistoryReader // opcional: /v1/rounds e /v1/me/bets
	Auth    Authenticator // obrigatório quando History é informado
	WS      http.Handler  // handler do hub em /ws
}

// RoundView representação de uma rodada nas respostas HTTP
type RoundView struct {
	events.RoundStart
	LockedPrice *string `json:"lockedPrice,omitempty"`
	FinalPrice  *string `json:"finalPrice,omitempty"`
	WinningSide string  `json:"winningSide,omitempty"`
	VoidReason  string  `json:"voidReason,omitempty"`
}

// Router retorna o roteador HTTP público
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	a.Routes(r)
	return r
}

// Routes registra /ws e os endpoints de leitura
func (a *API) Routes(r chi.Router) {
	if a.WS != nil {
		r.Handle("/ws", a.WS)
	}
	r.Get("/v1/rounds/current", a.currentRound) // rodada em andamento
	r.Get("/v1/price/latest", a.latestPrice)    // último preço conhecido
	if a.History != nil {
		r.Get("/v1/rounds", a.recentRounds) // histórico de rodadas
		r.Get("/v1/me/bets", a.myBets)      // apostas do usuário autenticado
	}
}

// writeJSON serializa a resposta em JSON e define o status HTTP
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) currentRound(w http.ResponseWriter, _ *http.Request) {
	rd, ok := a.Rounds.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no round yet"})
		return
	}
	writeJSON(w, http.StatusOK, roundView(rd))
}

func roundView(rd store.Round) RoundView {
	out := RoundView{RoundStart: engine.RoundStartPayload(rd), VoidReason: rd.VoidReason}
	if rd.LockedPrice != nil {
		s := rd.LockedPrice.String()
		out.LockedPrice = &s
	}
	if rd.FinalPrice != nil {
		s := rd.FinalPrice.String()
		out.FinalPrice = &s
	}
	if rd.WinningSide != nil {
		out.WinningSide = string(*rd.WinningSide)
	}
	return out
}

func (a *API) recentRounds(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	rounds, err := a.History.RecentRounds(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]RoundView, 0, len(rounds))
	for _, rd := range rounds {
		out = append(out, roundView(rd))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) myBets(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, err := a.Auth.Verify(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	wagers, err := a.History.UserWagers(r.Context(), userID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]events.Bet, 0, len(wagers))
	for _, wg := range wagers {
		out = append(out, ledger.ToBet(wg))
	}
	writeJSON(w, http.StatusOK, out)
}

// parseLimit lê ?limit= (1..maxLimit); ausente usa defaultLimit
func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxLimit {
		return 0, false
	}
	return n, true
}

func (a *API) latestPrice(w http.ResponseWriter, r *http.Request) {
	if t, ok := a.Prices.Latest(); ok {
		writeJSON(w, http.StatusOK, events.PriceUpdate{Price: t.Price, Timestamp: t.ObservedAtMs})
		return
	}
	if a.Cache != nil {
		t, ok, err := a.Cache.GetLatest(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, events.PriceUpdate{Price: t.Price, Timestamp: t.ObservedAtMs})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no price yet"})
}
