package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radieske/updown-round-engine/internal/auth"
	"github.com/radieske/updown-round-engine/internal/bet-service/ledger"
	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/internal/wallet"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

const testSecret = "test-secret"

type fakeRounds struct {
	mu    sync.Mutex
	round *store.Round
	ch    chan events.Envelope
}

func (f *fakeRounds) Current() (store.Round, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.round == nil {
		return store.Round{}, false
	}
	return *f.round, true
}

func (f *fakeRounds) Subscribe() (<-chan events.Envelope, func()) { return f.ch, func() {} }

type fakePrices struct {
	mu   sync.Mutex
	tick *events.PriceTick
	ch   chan events.PriceTick
}

func (f *fakePrices) Latest() (events.PriceTick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tick == nil {
		return events.PriceTick{}, false
	}
	return *f.tick, true
}

func (f *fakePrices) Subscribe() (<-chan events.PriceTick, func()) { return f.ch, func() {} }

type hubFixture struct {
	hub     *Hub
	srv     *httptest.Server
	st      *store.Memory
	wallets *wallet.Service
	auth    *auth.Verifier
	rounds  *fakeRounds
	prices  *fakePrices
	round   store.Round

	mu   sync.Mutex
	bets map[string]int
}

// setup roda antes do servidor subir (hooks e estado inicial)
func newHubFixture(t *testing.T, opts Options, setup ...func(*hubFixture)) *hubFixture {
	t.Helper()
	f := &hubFixture{
		st:     store.NewMemory(),
		auth:   auth.NewVerifier(testSecret),
		rounds: &fakeRounds{ch: make(chan events.Envelope, 8)},
		prices: &fakePrices{ch: make(chan events.PriceTick, 8)},
		bets:   make(map[string]int),
	}
	f.wallets = wallet.NewService(f.st, "USDT")
	l := ledger.New(zap.NewNop(), f.st, f.wallets, ledger.Config{MinBet: decimal.NewFromInt(1), MaxBet: decimal.NewFromInt(100)})

	now := time.Now().UTC()
	f.round = store.Round{
		ID:        uuid.NewString(),
		StartTime: now,
		LockTime:  now.Add(30 * time.Second),
		EndTime:   now.Add(60 * time.Second),
		Status:    store.RoundBetting,
		OddsUp:    decimal.RequireFromString("1.95"),
		OddsDown:  decimal.RequireFromString("1.95"),
		CreatedAt: now,
	}
	require.NoError(t, f.st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, f.round)
	}))
	r := f.round
	f.rounds.round = &r

	opts.AllowOrigin = func(*http.Request) bool { return true }
	f.hub = NewHub(opts, zap.NewNop(), f.auth, l, f.wallets, f.rounds, f.prices)
	f.hub.OnBet = func(code string) {
		f.mu.Lock()
		f.bets[code]++
		f.mu.Unlock()
	}
	for _, fn := range setup {
		fn(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)
	f.srv = httptest.NewServer(http.HandlerFunc(f.hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		f.srv.Close()
	})
	return f
}

func (f *hubFixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.wallets.Deposit(context.Background(), userID, decimal.RequireFromString(amount), "seed")
	require.NoError(t, err)
}

func (f *hubFixture) betCount(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bets[code]
}

type wsMsg struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *hubFixture) dial(t *testing.T) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn}
}

// dialUser conecta e autentica; consome ack e saldo inicial
func (f *hubFixture) dialUser(t *testing.T, userID string) *testConn {
	t.Helper()
	c := f.dial(t)
	c.ready(f.token(t, userID), "r1")
	ack := c.ack("r1")
	require.Equal(t, "ok", ack.Status)
	require.Equal(t, userID, ack.UserID)
	c.expect(events.NameBalanceUpdate)
	require.Eventually(t, func() bool { return f.hub.RoomSize(userID) > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func (f *hubFixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.auth.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (c *testConn) send(event, id string, data any) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "id": id, "data": data})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

func (c *testConn) ready(token, id string) {
	c.send(events.NameClientReady, id, ReadyRequest{Token: token})
}

func (c *testConn) place(id, roundID, side, amount string) {
	c.send(events.NameBetPlace, id, map[string]string{"roundId": roundID, "side": side, "amount": amount})
}

func (c *testConn) read() wsMsg {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var m wsMsg
	require.NoError(c.t, json.Unmarshal(raw, &m))
	return m
}

// expect lê até o evento pedido, ignorando price:update
func (c *testConn) expect(event string) wsMsg {
	c.t.Helper()
	for {
		m := c.read()
		if m.Event == events.NamePriceUpdate && event != events.NamePriceUpdate {
			continue
		}
		require.Equal(c.t, event, m.Event, string(m.Data))
		return m
	}
}

func (c *testConn) ack(id string) Ack {
	c.t.Helper()
	for {
		m := c.read()
		if m.ID != id {
			continue
		}
		var a Ack
		require.NoError(c.t, json.Unmarshal(m.Data, &a))
		return a
	}
}

func TestHub_GreetsWithCurrentRoundAndPrice(t *testing.T) {
	f := newHubFixture(t, Options{}, func(f *hubFixture) {
		f.prices.tick = &events.PriceTick{Price: decimal.RequireFromString("65000.5"), ObservedAtMs: 1700000000000}
	})

	c := f.dial(t)
	m := c.expect(events.NameRoundStart)
	var start events.RoundStart
	require.NoError(t, json.Unmarshal(m.Data, &start))
	require.Equal(t, f.round.ID, start.ID)
	require.Equal(t, "BETTING", start.Status)
	require.Equal(t, f.round.LockTime.UnixMilli(), start.LockTime)

	m = c.expect(events.NamePriceUpdate)
	var pu events.PriceUpdate
	require.NoError(t, json.Unmarshal(m.Data, &pu))
	require.True(t, pu.Price.Equal(decimal.RequireFromString("65000.5")))
	require.Equal(t, int64(1700000000000), pu.Timestamp)
}

func TestHub_ClientReady(t *testing.T) {
	f := newHubFixture(t, Options{})
	f.fund(t, "alice", "42")

	c := f.dial(t)
	c.expect(events.NameRoundStart)
	c.ready(f.token(t, "alice"), "r1")

	m := c.expect(events.NameClientReady)
	require.Equal(t, "r1", m.ID)
	var ack Ack
	require.NoError(t, json.Unmarshal(m.Data, &ack))
	require.Equal(t, "ok", ack.Status)
	require.Equal(t, "alice", ack.UserID)

	m = c.expect(events.NameBalanceUpdate)
	var bal events.BalanceUpdate
	require.NoError(t, json.Unmarshal(m.Data, &bal))
	require.Equal(t, "alice", bal.UserID)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(42)))
	require.Equal(t, 1, f.hub.RoomSize("alice"))
}

func TestHub_ClientReadyRejectsBadToken(t *testing.T) {
	f := newHubFixture(t, Options{})
	other, err := auth.NewVerifier("other-secret").Issue("mallory", time.Hour)
	require.NoError(t, err)

	c := f.dial(t)
	for i, tok := range []string{"", "not-a-jwt", other} {
		id := fmt.Sprintf("r%d", i)
		c.ready(tok, id)
		ack := c.ack(id)
		require.Equal(t, "error", ack.Status)
		require.Equal(t, CodeUnauthorized, ack.Code)
	}
	require.Zero(t, f.hub.RoomSize("mallory"))
}

func TestHub_BetRequiresAuthentication(t *testing.T) {
	f := newHubFixture(t, Options{})
	c := f.dial(t)
	c.place("b1", f.round.ID, "UP", "10")

	ack := c.ack("b1")
	require.Equal(t, "error", ack.Status)
	require.Equal(t, CodeUnauthorized, ack.Code)
	require.Empty(t, f.st.Wagers(f.round.ID))
}

func TestHub_PlaceBetTargetsOnlyTheBettor(t *testing.T) {
	f := newHubFixture(t, Options{})
	f.fund(t, "alice", "100")
	f.fund(t, "bob", "100")

	alice := f.dialUser(t, "alice")
	aliceTab := f.dialUser(t, "alice") // segunda aba do mesmo usuário
	bob := f.dialUser(t, "bob")
	require.Equal(t, 2, f.hub.RoomSize("alice"))

	alice.place("b1", f.round.ID, "up", "12.5")
	ack := alice.ack("b1")
	require.Equal(t, "ok", ack.Status, ack.Error)
	require.NotNil(t, ack.Bet)
	require.Equal(t, "UP", ack.Bet.Side)
	require.Equal(t, f.round.ID, ack.Bet.RoundID)
	require.True(t, ack.Bet.Amount.Equal(decimal.RequireFromString("12.5")))
	require.True(t, ack.Bet.Odds.Equal(decimal.RequireFromString("1.95")))

	for _, c := range []*testConn{alice, aliceTab} {
		m := c.expect(events.NameBetPlaced)
		var placed BetPlacedMsg
		require.NoError(t, json.Unmarshal(m.Data, &placed))
		require.Equal(t, ack.Bet.ID, placed.Bet.ID)

		m = c.expect(events.NameBalanceUpdate)
		var bal events.BalanceUpdate
		require.NoError(t, json.Unmarshal(m.Data, &bal))
		require.True(t, bal.Balance.Equal(decimal.RequireFromString("87.5")))
	}

	// bob não recebe nada direcionado: o próximo evento dele é o broadcast
	f.rounds.ch <- events.Envelope{Event: events.NameRoundLocked, Data: events.RoundLocked{RoundID: f.round.ID}}
	bob.expect(events.NameRoundLocked)
	require.Equal(t, 1, f.betCount("OK"))
}

func TestHub_PlaceBetErrors(t *testing.T) {
	f := newHubFixture(t, Options{})
	f.fund(t, "alice", "5")
	c := f.dialUser(t, "alice")

	cases := []struct {
		name    string
		roundID string
		side    string
		amount  string
		code    string
	}{
		{"insufficient", f.round.ID, "UP", "10", CodeInsufficientBalance},
		{"bad side", f.round.ID, "SIDEWAYS", "1", CodeValidation},
		{"zero amount", f.round.ID, "DOWN", "0", CodeValidation},
		{"unknown round", uuid.NewString(), "UP", "1", CodeRoundNotFound},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := fmt.Sprintf("e%d", i)
			c.place(id, tc.roundID, tc.side, tc.amount)
			ack := c.ack(id)
			require.Equal(t, "error", ack.Status)
			require.Equal(t, tc.code, ack.Code)
		})
	}

	bal, err := f.wallets.Balance(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(5)))
	require.Equal(t, 1, f.betCount(CodeInsufficientBalance))
}

func TestHub_PlaceBetAfterLockIsRejected(t *testing.T) {
	f := newHubFixture(t, Options{})
	f.fund(t, "alice", "50")
	require.NoError(t, f.st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRoundForUpdate(ctx, f.round.ID)
		if err != nil {
			return err
		}
		r.Status = store.RoundLocked
		return tx.UpdateRound(ctx, r)
	}))

	c := f.dialUser(t, "alice")
	c.place("b1", f.round.ID, "DOWN", "10")
	ack := c.ack("b1")
	require.Equal(t, CodeRoundClosed, ack.Code)
	require.Empty(t, f.st.Wagers(f.round.ID))
}

func TestHub_RateLimitsBets(t *testing.T) {
	f := newHubFixture(t, Options{BetRate: rate.Every(time.Hour), BetBurst: 1})
	f.fund(t, "alice", "100")
	c := f.dialUser(t, "alice")

	c.place("b1", f.round.ID, "UP", "1")
	require.Equal(t, "ok", c.ack("b1").Status)
	c.place("b2", f.round.ID, "UP", "1")
	require.Equal(t, CodeRateLimited, c.ack("b2").Code)
	require.Len(t, f.st.Wagers(f.round.ID), 1)
}

func TestHub_UnknownAndMalformedMessages(t *testing.T) {
	f := newHubFixture(t, Options{})
	c := f.dial(t)

	c.send("chat:send", "x1", map[string]string{"text": "hi"})
	ack := c.ack("x1")
	require.Equal(t, CodeUnknownEvent, ack.Code)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m := c.expect("error")
	var a Ack
	require.NoError(t, json.Unmarshal(m.Data, &a))
	require.Equal(t, CodeValidation, a.Code)
}

func TestHub_BroadcastsPriceAndRoundResult(t *testing.T) {
	f := newHubFixture(t, Options{})
	alice := f.dialUser(t, "alice")
	bob := f.dialUser(t, "bob")
	anon := f.dial(t)
	anon.expect(events.NameRoundStart)

	f.prices.ch <- events.PriceTick{Price: decimal.RequireFromString("101.25"), ObservedAtMs: 42}
	for _, c := range []*testConn{alice, bob, anon} {
		m := c.expect(events.NamePriceUpdate)
		var pu events.PriceUpdate
		require.NoError(t, json.Unmarshal(m.Data, &pu))
		require.Equal(t, int64(42), pu.Timestamp)
	}

	f.rounds.ch <- events.Envelope{Event: events.NameRoundResult, Data: events.RoundResult{
		RoundID:     f.round.ID,
		WinningSide: "UP",
		Stats: events.SettlementStats{
			TotalBets: 2,
			Balances: []events.BalanceUpdate{
				{UserID: "alice", Balance: decimal.RequireFromString("109.5")},
				{UserID: "bob", Balance: decimal.NewFromInt(90)},
			},
		},
	}}

	for user, c := range map[string]*testConn{"alice": alice, "bob": bob} {
		m := c.expect(events.NameRoundResult)
		require.NotContains(t, string(m.Data), "balances")

		m = c.expect(events.NameBalanceUpdate)
		var bal events.BalanceUpdate
		require.NoError(t, json.Unmarshal(m.Data, &bal))
		require.Equal(t, user, bal.UserID)
	}

	// anônimo recebe o resultado, mas nenhum saldo
	anon.expect(events.NameRoundResult)
	f.rounds.ch <- events.Envelope{Event: events.NameRoundStart, Data: events.RoundStart{ID: "next"}}
	anon.expect(events.NameRoundStart)
}

func TestHub_DisconnectLeavesRoom(t *testing.T) {
	var mu sync.Mutex
	var last int
	f := newHubFixture(t, Options{}, func(f *hubFixture) {
		f.hub.OnConnections = func(n int) {
			mu.Lock()
			last = n
			mu.Unlock()
		}
	})

	c := f.dialUser(t, "alice")
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return f.hub.RoomSize("alice") == 0 && last == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ReadyWithAnotherUserSwitchesRoom(t *testing.T) {
	f := newHubFixture(t, Options{})
	c := f.dialUser(t, "alice")

	c.ready(f.token(t, "bob"), "r2")
	require.Equal(t, "bob", c.ack("r2").UserID)
	require.Eventually(t, func() bool {
		return f.hub.RoomSize("alice") == 0 && f.hub.RoomSize("bob") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClient_SlowConsumer(t *testing.T) {
	h := NewHub(Options{SendQueue: 1}, zap.NewNop(), nil, nil, nil, nil, nil)
	slow := 0
	h.OnSlowClient = func() { slow++ }

	conns := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	c := &client{hub: h, conn: <-conns, send: make(chan []byte, 1), done: make(chan struct{})}

	require.True(t, c.enqueue([]byte("a"), true))
	// preço descartado com fila cheia, conexão segue viva
	require.False(t, c.enqueue([]byte("b"), true))
	require.Zero(t, slow)

	// evento de ciclo de vida não pode ser perdido: derruba o cliente
	require.False(t, c.enqueue([]byte("c"), false))
	require.Equal(t, 1, slow)
	select {
	case <-c.done:
	default:
		t.Fatal("client should be closed")
	}
	require.False(t, c.enqueue([]byte("d"), false))
	require.Equal(t, 1, slow)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ledger.ErrInvalidAmount, CodeValidation},
		{fmt.Errorf("%w: %q", ledger.ErrInvalidSide, "X"), CodeValidation},
		{ledger.ErrRoundClosed, CodeRoundClosed},
		{ledger.ErrRoundNotFound, CodeRoundNotFound},
		{fmt.Errorf("adjust: %w", wallet.ErrInsufficientBalance), CodeInsufficientBalance},
		{errors.New("connection reset"), CodeInternal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, ErrorCode(tc.err), tc.err.Error())
	}
}
