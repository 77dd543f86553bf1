package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

// staleFactor: o feed é considerado travado quando o último tick (ou a conexão)
// tem idade maior que staleFactor × HeartbeatInterval
const staleFactor = 5

// LatestCache cache compartilhado de curta duração do último preço
type LatestCache interface {
	SetLatest(ctx context.Context, t events.PriceTick) error
	GetLatest(ctx context.Context) (events.PriceTick, bool, error)
}

// SnapshotWriter grava amostras duráveis de preço
type SnapshotWriter interface {
	InsertPriceSnapshot(ctx context.Context, s store.PriceSnapshot) error
}

// Options parâmetros de conexão e temporização do feed
type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration // > 0 usa backoff exponencial até esse teto
	SnapshotInterval  time.Duration
}

// Client mantém a conexão com o stream de trades, normaliza os ticks, guarda o último
// preço em memória e o distribui aos assinantes.
// Reconexão: no máximo uma pendente, nunca após Shutdown.
type Client struct {
	opts      Options
	log       *zap.Logger
	cache     LatestCache    // opcional
	snapshots SnapshotWriter // opcional
	dialer    *websocket.Dialer
	now       func() time.Time

	OnTick      func()       // métricas (counter++)
	OnReconnect func()       // métricas
	OnStale     func()       // métricas
	OnError     func(string) // métricas por fase: dial | read | parse | cache | snapshot

	latest atomic.Pointer[events.PriceTick]

	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	conn             *websocket.Conn
	connecting       bool
	lastActivity     time.Time
	lastSnapshot     time.Time
	policy           backoff.BackOff
	reconnectPending bool
	reconnectTimer   *time.Timer
	heartbeatStop    chan struct{}
	started, closed  bool
	subs             map[uint64]chan events.PriceTick
	nextSub          uint64
}

// NewClient cria o cliente; cache e snapshots podem ser nil
func NewClient(opts Options, log *zap.Logger, cache LatestCache, snapshots SnapshotWriter) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 5 * time.Second
	}

	var policy backoff.BackOff = backoff.NewConstantBackOff(opts.ReconnectDelay)
	if opts.ReconnectMaxDelay > opts.ReconnectDelay {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = opts.ReconnectDelay
		exp.MaxInterval = opts.ReconnectMaxDelay
		policy = exp
	}

	return &Client{
		opts:      opts,
		log:       log,
		cache:     cache,
		snapshots: snapshots,
		dialer:    websocket.DefaultDialer,
		now:       time.Now,
		policy:    policy,
		subs:      make(map[uint64]chan events.PriceTick),
	}
}

// Start recupera o último preço do cache, liga o heartbeat e abre a conexão.
// O cancelamento de ctx equivale a Shutdown.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.mu.Unlock()

	c.restore(ctx)

	go c.heartbeatLoop(stop)
	go func() {
		<-c.ctx.Done()
		c.Shutdown()
	}()
	go c.connect()
}

// Latest retorna o último tick conhecido
func (c *Client) Latest() (events.PriceTick, bool) {
	t := c.latest.Load()
	if t == nil {
		return events.PriceTick{}, false
	}
	return *t, true
}

// Subscribe devolve um canal com buffer de 1: um tick não lido é substituído pelo mais novo.
// O canal é fechado no Shutdown ou ao chamar a função de cancelamento.
func (c *Client) Subscribe() (<-chan events.PriceTick, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan events.PriceTick, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Shutdown fecha o stream, para heartbeat e reconexão pendente, fecha os assinantes
// e descarta o último preço. Pode ser chamado mais de uma vez.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.latest.Store(nil)
	c.lastSnapshot = time.Time{}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectPending = false
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.log.Info("price feed stopped")
}

// restore carrega o último preço do Redis para que o engine tenha um valor logo após o restart
func (c *Client) restore(ctx context.Context) {
	if c.cache == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	t, ok, err := c.cache.GetLatest(rctx)
	if err != nil {
		c.log.Warn("price cache restore failed", zap.Error(err))
		c.hookError("cache")
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	restored := !c.closed && c.latest.CompareAndSwap(nil, &t)
	c.mu.Unlock()
	if restored {
		c.log.Info("price restored from cache", zap.String("price", t.Price.String()), zap.Int64("observed_at_ms", t.ObservedAtMs))
	}
}

// connect disca o stream e, em caso de sucesso, fica lendo mensagens nesta goroutine
func (c *Client) connect() {
	c.mu.Lock()
	if c.closed || c.connecting || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	ctx := c.ctx
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := c.dialer.DialContext(dctx, c.opts.URL, nil)
	cancel()

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("price feed dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.hookError("dial")
		c.scheduleReconnect()
		return
	}
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.lastActivity = c.now()
	c.policy.Reset()
	c.mu.Unlock()

	c.log.Info("connected to price feed", zap.String("url", c.opts.URL))
	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	c.log.Warn("price feed connection closed", zap.Error(err))
	c.hookError("read")
	c.scheduleReconnect()
}

// scheduleReconnect agenda exatamente uma reconexão; ignorada se já houver uma pendente,
// uma discagem em andamento ou se o cliente foi encerrado
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectPending || c.connecting {
		return
	}

	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		delay = c.opts.ReconnectDelay
	}
	c.reconnectPending = true
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		c.connect()
	})
	c.log.Info("price feed reconnect scheduled", zap.Duration("delay", delay))
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.checkStale()
		}
	}
}

// checkStale força reconexão quando a conexão está aberta mas nenhum tick chega
func (c *Client) checkStale() {
	c.mu.Lock()
	conn := c.conn
	age := c.now().Sub(c.lastActivity)
	limit := staleFactor * c.opts.HeartbeatInterval
	if conn == nil || c.closed || age <= limit {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.log.Warn("price feed stale, forcing reconnect", zap.Duration("age", age), zap.Duration("limit", limit))
	if c.OnStale != nil {
		c.OnStale()
	}
	// O readLoop recebe erro ao fechar e agenda a reconexão
	_ = conn.Close()
}

func (c *Client) handleMessage(msg []byte) {
	price, err := ParsePrice(msg)
	if err != nil {
		c.log.Warn("invalid price message", zap.ByteString("message", truncate(msg, 256)), zap.Error(err))
		c.hookError("parse")
		return
	}

	now := c.now()
	tick := events.PriceTick{Price: price, ObservedAtMs: now.UnixMilli()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.latest.Store(&tick)
	c.lastActivity = now
	// gate monotônico: no máximo um snapshot por intervalo
	snapshotDue := c.snapshots != nil &&
		(c.lastSnapshot.IsZero() || now.Sub(c.lastSnapshot) >= c.opts.SnapshotInterval)
	if snapshotDue {
		c.lastSnapshot = now
	}
	for _, ch := range c.subs {
		offer(ch, tick)
	}
	c.mu.Unlock()

	if c.OnTick != nil {
		c.OnTick()
	}

	if c.cache != nil {
		go c.writeCache(tick)
	}
	if snapshotDue {
		go c.writeSnapshot(tick)
	}
}

// offer entrega sem bloquear; se o assinante não leu o tick anterior, ele é descartado
func offer(ch chan events.PriceTick, t events.PriceTick) {
	select {
	case ch <- t:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- t:
	default:
	}
}

func (c *Client) writeCache(t events.PriceTick) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.cache.SetLatest(ctx, t); err != nil {
		c.log.Warn("price cache write failed", zap.Error(err))
		c.hookError("cache")
	}
}

func (c *Client) writeSnapshot(t events.PriceTick) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.snapshots.InsertPriceSnapshot(ctx, store.PriceSnapshot{Price: t.Price, ObservedAt: t.ObservedAt().UTC()}); err != nil {
		c.log.Warn("price snapshot write failed", zap.Error(err))
		c.hookError("snapshot")
	}
}

func (c *Client) hookError(stage string) {
	if c.OnError != nil {
		c.OnError(stage)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
