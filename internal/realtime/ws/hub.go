package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radieske/updown-round-engine/internal/bet-service/ledger"
	"github.com/radieske/updown-round-engine/internal/round-engine/engine"
	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/internal/wallet"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

const (
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	writeWait      = 10 * time.Second
)

// Authenticator resolve o usuário a partir do token
type Authenticator interface {
	Verify(ctx context.Context, token string) (string, error)
}

// WagerPlacer grava apostas
type WagerPlacer interface {
	PlaceWager(ctx context.Context, userID, roundID string, side store.Side, amount decimal.Decimal) (ledger.PlaceResult, error)
}

// BalanceReader lê o saldo atual do usuário
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// RoundSource rodada corrente e eventos de ciclo de vida
type RoundSource interface {
	Current() (store.Round, bool)
	Subscribe() (<-chan events.Envelope, func())
}

// PriceSource último preço e stream de ticks
type PriceSource interface {
	Latest() (events.PriceTick, bool)
	Subscribe() (<-chan events.PriceTick, func())
}

// Options limites por conexão
type Options struct {
	AllowOrigin   func(r *http.Request) bool
	SendQueue     int        // mensagens pendentes por conexão
	BetRate       rate.Limit // bet:place por segundo
	BetBurst      int
	FanoutWorkers int // goroutines no envio dos saldos de round:result
}

// Hub gerencia conexões WebSocket e salas por usuário.
// clients: todas as conexões (broadcast); rooms: userID -> conexões autenticadas (targeted)
type Hub struct {
	upgrader websocket.Upgrader
	opts     Options
	log      *zap.Logger

	auth     Authenticator
	placer   WagerPlacer
	balances BalanceReader
	rounds   RoundSource
	prices   PriceSource

	OnConnections func(n int)       // métricas (gauge)
	OnBet         func(code string) // métricas; "OK" em sucesso
	OnSlowClient  func()            // métricas

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

// NewHub cria uma instância de Hub com política customizada de origem (CORS)
func NewHub(opts Options, log *zap.Logger, auth Authenticator, placer WagerPlacer, balances BalanceReader, rounds RoundSource, prices PriceSource) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.BetRate <= 0 {
		opts.BetRate = 5
	}
	if opts.BetBurst <= 0 {
		opts.BetBurst = 10
	}
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = 8
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: opts.AllowOrigin},
		opts:     opts,
		log:      log,
		auth:     auth,
		placer:   placer,
		balances: balances,
		rounds:   rounds,
		prices:   prices,
		clients:  make(map[*client]struct{}),
		rooms:    make(map[string]map[*client]struct{}),
	}
}

// client é uma conexão; send nunca é fechado, done sinaliza o encerramento
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
	userID    string // guardado por hub.mu
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue tenta enfileirar; fila cheia descarta se droppable, senão derruba a conexão
func (c *client) enqueue(b []byte, droppable bool) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
	}
	if droppable {
		return false
	}
	c.hub.log.Warn("slow websocket client, closing")
	if c.hub.OnSlowClient != nil {
		c.hub.OnSlowClient()
	}
	c.close()
	return false
}

// Run distribui preço e eventos de rodada até ctx terminar
func (h *Hub) Run(ctx context.Context) {
	priceCh, cancelPrice := h.prices.Subscribe()
	defer cancelPrice()
	roundCh, cancelRound := h.rounds.Subscribe()
	defer cancelRound()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case t, ok := <-priceCh:
			if !ok {
				priceCh = nil
				continue
			}
			h.Broadcast(events.Envelope{Event: events.NamePriceUpdate, Data: events.PriceUpdate{Price: t.Price, Timestamp: t.ObservedAtMs}}, true)
		case env := <-roundCh:
			h.Broadcast(env, false)
			if res, ok := env.Data.(events.RoundResult); ok {
				h.fanOutBalances(res.Stats.Balances)
			}
		}
	}
}

// HandleWS gerencia o ciclo de vida de uma conexão WebSocket
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendQueue),
		limiter: rate.NewLimiter(h.opts.BetRate, h.opts.BetBurst),
		done:    make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	h.greet(c)
	c.readPump(r.Context())
}

// greet envia a rodada corrente e o último preço para quem acabou de conectar
func (h *Hub) greet(c *client) {
	if r, ok := h.rounds.Current(); ok && r.Status != store.RoundCompleted {
		h.sendTo(c, events.Envelope{Event: events.NameRoundStart, Data: engine.RoundStartPayload(r)})
	}
	if t, ok := h.prices.Latest(); ok {
		h.sendTo(c, events.Envelope{Event: events.NamePriceUpdate, Data: events.PriceUpdate{Price: t.Price, Timestamp: t.ObservedAtMs}})
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.reply(c, ClientMsg{}, Ack{Status: "error", Code: CodeValidation, Error: "malformed message"})
			continue
		}
		switch msg.Event {
		case events.NameClientReady:
			c.hub.handleReady(ctx, c, msg)
		case events.NameBetPlace:
			c.hub.handlePlace(ctx, c, msg)
		default:
			c.hub.reply(c, msg, Ack{Status: "error", Code: CodeUnknownEvent, Error: "unknown event"})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleReady(ctx context.Context, c *client, msg ClientMsg) {
	var req ReadyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(c, msg, Ack{Status: "error", Code: CodeValidation, Error: "invalid payload"})
		return
	}
	userID, err := h.auth.Verify(ctx, req.Token)
	if err != nil {
		h.reply(c, msg, Ack{Status: "error", Code: CodeUnauthorized, Error: err.Error()})
		return
	}

	h.join(c, userID)
	h.reply(c, msg, Ack{Status: "ok", UserID: userID})

	bal, err := h.balances.Balance(ctx, userID)
	if err != nil {
		h.log.Warn("balance lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.sendTo(c, events.Envelope{Event: events.NameBalanceUpdate, Data: events.BalanceUpdate{UserID: userID, Balance: bal}})
}

func (h *Hub) handlePlace(ctx context.Context, c *client, msg ClientMsg) {
	userID := h.userOf(c)
	if userID == "" {
		h.reply(c, msg, Ack{Status: "error", Code: CodeUnauthorized, Error: "not authenticated"})
		return
	}
	if !c.limiter.Allow() {
		h.betHook(CodeRateLimited)
		h.reply(c, msg, Ack{Status: "error", Code: CodeRateLimited, Error: "too many bets"})
		return
	}

	var req PlaceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.betHook(CodeValidation)
		h.reply(c, msg, Ack{Status: "error", Code: CodeValidation, Error: "invalid payload"})
		return
	}

	res, err := h.placer.PlaceWager(ctx, userID, req.RoundID, store.Side(strings.ToUpper(req.Side)), req.Amount)
	if err != nil {
		code := ErrorCode(err)
		if code == CodeInternal {
			h.log.Error("place wager failed", zap.String("user_id", userID), zap.Error(err))
		}
		h.betHook(code)
		h.reply(c, msg, Ack{Status: "error", Code: code, Error: err.Error()})
		return
	}
	h.betHook("OK")

	bet := ledger.ToBet(res.Wager)
	h.reply(c, msg, Ack{Status: "ok", Bet: &bet})
	h.SendToUser(userID, events.Envelope{Event: events.NameBetPlaced, Data: BetPlacedMsg{Bet: bet}})
	h.SendToUser(userID, events.Envelope{Event: events.NameBalanceUpdate, Data: events.BalanceUpdate{UserID: userID, Balance: res.NewBalance}})
}

func (h *Hub) betHook(code string) {
	if h.OnBet != nil {
		h.OnBet(code)
	}
}

// ErrorCode traduz erros de negócio no código devolvido ao cliente
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidSide):
		return CodeValidation
	case errors.Is(err, ledger.ErrRoundClosed):
		return CodeRoundClosed
	case errors.Is(err, ledger.ErrRoundNotFound):
		return CodeRoundNotFound
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return CodeInsufficientBalance
	}
	return CodeInternal
}

func (h *Hub) reply(c *client, msg ClientMsg, ack Ack) {
	event := msg.Event
	if event == "" {
		event = "error"
	}
	h.sendTo(c, events.Envelope{Event: event, ID: msg.ID, Data: ack})
}

func (h *Hub) sendTo(c *client, env events.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	c.enqueue(b, false)
}

// Broadcast envia para todas as conexões; price:update é descartável
func (h *Hub) Broadcast(env events.Envelope, droppable bool) {
	b, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(b, droppable)
	}
}

// SendToUser envia somente para as conexões autenticadas do usuário
func (h *Hub) SendToUser(userID string, env events.Envelope) {
	h.mu.RLock()
	room := h.rooms[userID]
	conns := make([]*client, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	b, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	for _, c := range conns {
		c.enqueue(b, false)
	}
}

// fanOutBalances envia o saldo pós-liquidação de cada usuário para a sua sala
func (h *Hub) fanOutBalances(updates []events.BalanceUpdate) {
	if len(updates) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(h.opts.FanoutWorkers)
	for _, u := range updates {
		p.Go(func() {
			h.SendToUser(u.UserID, events.Envelope{Event: events.NameBalanceUpdate, Data: u})
		})
	}
	p.Wait()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.OnConnections != nil {
		h.OnConnections(n)
	}
}

// unregister remove a conexão do broadcast e da sala do usuário
func (h *Hub) unregister(c *client) {
	c.close()
	h.mu.Lock()
	delete(h.clients, c)
	h.leaveLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	if h.OnConnections != nil {
		h.OnConnections(n)
	}
}

// join associa a conexão ao usuário; reautenticação com outro usuário troca de sala
func (h *Hub) join(c *client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.userID == userID {
		return
	}
	h.leaveLocked(c)
	c.userID = userID
	if _, ok := h.rooms[userID]; !ok {
		h.rooms[userID] = make(map[*client]struct{})
	}
	h.rooms[userID][c] = struct{}{}
}

func (h *Hub) leaveLocked(c *client) {
	if c.userID == "" {
		return
	}
	if m, ok := h.rooms[c.userID]; ok {
		delete(m, c)
		if len(m) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	c.userID = ""
}

func (h *Hub) userOf(c *client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.userID
}

// RoomSize número de conexões autenticadas do usuário
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
