package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

// maxStepsPerTick limita as transições encadeadas num único tick
// (COMPLETED → nova rodada PENDING → BETTING)
const maxStepsPerTick = 6

const subscriberBuffer = 64

// PriceSource fornece o último preço conhecido
type PriceSource interface {
	Latest() (events.PriceTick, bool)
}

// Settler liquida as apostas de uma rodada
type Settler interface {
	SettleRound(ctx context.Context, roundID string, winning store.Side) (events.SettlementStats, error)
}

// Publisher publica a rodada liquidada para os colaboradores externos
type Publisher interface {
	PublishRoundSettled(ctx context.Context, e events.RoundSettled) error
}

// Config temporização das rodadas e odds fixas
type Config struct {
	BettingDuration time.Duration
	ResultDuration  time.Duration
	TickInterval    time.Duration
	// SampleTolerance: atraso máximo entre o prazo (lock/fim) e a amostragem do preço.
	// Acima disso o preço é tratado como ausente (ex.: restart no meio da rodada).
	SampleTolerance time.Duration
	// MaxPriceAge: idade máxima do tick usado na amostragem; 0 desliga a verificação
	MaxPriceAge time.Duration
	OddsUp      decimal.Decimal
	OddsDown    decimal.Decimal
}

// Engine é a máquina de estados das rodadas.
// Uma única goroutine (Run) avança as transições; a cadência nunca passa de uma
// rodada cuja liquidação ainda não foi concluída.
type Engine struct {
	cfg     Config
	store   store.Store
	prices  PriceSource
	settler Settler
	log     *zap.Logger
	publ    Publisher
	now     func() time.Time

	OnRoundCompleted  func(winningSide string) // métricas
	OnSettlementError func()                   // métricas

	tickMu sync.Mutex
	// recovered: a última rodada persistida já foi lida; sem isso nenhuma rodada nova é criada
	recovered bool

	mu      sync.RWMutex
	current *store.Round

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

type subscriber struct {
	ch   chan events.Envelope
	done chan struct{}
}

func New(cfg Config, st store.Store, prices PriceSource, settler Settler, log *zap.Logger) *Engine {
	if cfg.BettingDuration <= 0 {
		cfg.BettingDuration = 30 * time.Second
	}
	if cfg.ResultDuration <= 0 {
		cfg.ResultDuration = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.SampleTolerance <= 0 {
		cfg.SampleTolerance = 5 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		prices:  prices,
		settler: settler,
		log:     log,
		now:     time.Now,
		subs:    make(map[uint64]*subscriber),
	}
}

// SetPublisher liga a publicação de round_settled; nil desliga
func (e *Engine) SetPublisher(p Publisher) { e.publ = p }

// Current retorna a rodada corrente
func (e *Engine) Current() (store.Round, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return store.Round{}, false
	}
	return *e.current, true
}

func (e *Engine) setCurrent(r store.Round) {
	e.mu.Lock()
	e.current = &r
	e.mu.Unlock()
}

// Subscribe devolve os eventos de ciclo de vida (round:start, round:locked, round:result).
// Eventos não são descartados: o engine espera o assinante ler (ou o contexto terminar).
func (e *Engine) Subscribe() (<-chan events.Envelope, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	sub := &subscriber{ch: make(chan events.Envelope, subscriberBuffer), done: make(chan struct{})}
	e.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(sub.done)
		})
	}
}

func (e *Engine) emit(ctx context.Context, env events.Envelope) {
	e.subMu.Lock()
	subs := make([]*subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// Run avança a máquina de estados a cada TickInterval. Enquanto a rodada em aberto
// não for recuperada, cada tick tenta de novo e a cadência fica parada.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("engine tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Recover retoma a última rodada persistida, se ainda não estiver COMPLETED
func (e *Engine) Recover(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.loadLatest(ctx)
}

func (e *Engine) loadLatest(ctx context.Context) error {
	r, err := e.store.LatestRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		e.recovered = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest round: %w", err)
	}
	e.setCurrent(r)
	e.recovered = true
	if r.Status != store.RoundCompleted {
		e.log.Info("resuming round", zap.String("round_id", r.ID), zap.String("status", string(r.Status)))
	}
	return nil
}

// Tick aplica todas as transições vencidas da rodada corrente
func (e *Engine) Tick(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if !e.recovered {
		if err := e.loadLatest(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < maxStepsPerTick; i++ {
		advanced, err := e.step(ctx)
		if err != nil || !advanced {
			return err
		}
	}
	return nil
}

func (e *Engine) step(ctx context.Context) (bool, error) {
	now := e.now()
	cur, ok := e.Current()

	switch {
	case !ok || cur.Status == store.RoundCompleted:
		return true, e.createRound(ctx, now)
	case cur.Status == store.RoundPending:
		if now.Before(cur.StartTime) {
			return false, nil
		}
		return true, e.openBetting(ctx, cur.ID)
	case cur.Status == store.RoundBetting:
		if now.Before(cur.LockTime) {
			return false, nil
		}
		return true, e.lock(ctx, cur.ID)
	case cur.Status == store.RoundLocked:
		if now.Before(cur.EndTime) {
			return false, nil
		}
		return true, e.beginSettlement(ctx, cur.ID)
	case cur.Status == store.RoundSettling:
		if err := e.settle(ctx, cur); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("round %s: unknown status %q", cur.ID, cur.Status)
}

// createRound grava a próxima rodada como PENDING com prazos fixos a partir de now
func (e *Engine) createRound(ctx context.Context, now time.Time) error {
	start := now.UTC()
	r := store.Round{
		ID:        uuid.NewString(),
		StartTime: start,
		LockTime:  start.Add(e.cfg.BettingDuration),
		EndTime:   start.Add(e.cfg.BettingDuration + e.cfg.ResultDuration),
		Status:    store.RoundPending,
		OddsUp:    e.cfg.OddsUp,
		OddsDown:  e.cfg.OddsDown,
		CreatedAt: start,
		UpdatedAt: start,
	}
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRound(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("create round: %w", err)
	}
	e.setCurrent(r)
	e.log.Debug("round created", zap.String("round_id", r.ID), zap.Time("lock_time", r.LockTime), zap.Time("end_time", r.EndTime))
	return nil
}

// transition carrega a rodada com lock exclusivo e aplica fn se o status for o esperado.
// Se outro caminho já avançou a rodada, apenas sincroniza o estado em memória.
func (e *Engine) transition(ctx context.Context, id string, from store.RoundStatus, fn func(r *store.Round)) (store.Round, bool, error) {
	var (
		out     store.Round
		applied bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRoundForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != from {
			out = r
			return nil
		}
		fn(&r)
		r.UpdatedAt = e.now().UTC()
		if err := tx.UpdateRound(ctx, r); err != nil {
			return err
		}
		out, applied = r, true
		return nil
	})
	if err != nil {
		return store.Round{}, false, err
	}
	e.setCurrent(out)
	return out, applied, nil
}

func (e *Engine) openBetting(ctx context.Context, id string) error {
	r, applied, err := e.transition(ctx, id, store.RoundPending, func(r *store.Round) {
		r.Status = store.RoundBetting
	})
	if err != nil {
		return fmt.Errorf("open betting: %w", err)
	}
	if applied {
		e.log.Info("round started", zap.String("round_id", r.ID))
		e.emit(ctx, events.Envelope{Event: events.NameRoundStart, Data: RoundStartPayload(r)})
	}
	return nil
}

// lock fecha as apostas. A linha da rodada é bloqueada antes da amostragem, então
// apostas em andamento (que a seguram em modo compartilhado) terminam antes do preço ser lido.
func (e *Engine) lock(ctx context.Context, id string) error {
	r, applied, err := e.transition(ctx, id, store.RoundBetting, func(r *store.Round) {
		r.Status = store.RoundLocked
		r.LockedPrice = e.sample(r.LockTime)
		if r.LockedPrice == nil {
			r.VoidReason = store.VoidNoLockPrice
		}
	})
	if err != nil {
		return fmt.Errorf("lock round: %w", err)
	}
	if applied {
		if r.LockedPrice == nil {
			e.log.Warn("round locked without price, refund only", zap.String("round_id", r.ID))
		} else {
			e.log.Info("round locked", zap.String("round_id", r.ID), zap.String("locked_price", r.LockedPrice.String()))
		}
		e.emit(ctx, events.Envelope{Event: events.NameRoundLocked, Data: events.RoundLocked{RoundID: r.ID, LockedPrice: r.LockedPrice}})
	}
	return nil
}

// beginSettlement amostra o preço final, decide o lado vencedor e grava SETTLING
func (e *Engine) beginSettlement(ctx context.Context, id string) error {
	_, _, err := e.transition(ctx, id, store.RoundLocked, func(r *store.Round) {
		r.Status = store.RoundSettling
		r.FinalPrice = e.sample(r.EndTime)
		side, reason := Decide(r.LockedPrice, r.FinalPrice)
		r.WinningSide = &side
		r.VoidReason = reason
	})
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	return nil
}

// settle chama o ledger e só então marca COMPLETED; em erro a rodada fica em SETTLING
// e é tentada de novo no próximo tick
func (e *Engine) settle(ctx context.Context, cur store.Round) error {
	side := store.SideNone
	if cur.WinningSide != nil {
		side = *cur.WinningSide
	}

	stats, err := e.settler.SettleRound(ctx, cur.ID, side)
	if err != nil {
		if e.OnSettlementError != nil {
			e.OnSettlementError()
		}
		return fmt.Errorf("settle round %s: %w", cur.ID, err)
	}

	r, applied, err := e.transition(ctx, cur.ID, store.RoundSettling, func(r *store.Round) {
		r.Status = store.RoundCompleted
	})
	if err != nil {
		return fmt.Errorf("complete round: %w", err)
	}
	if !applied {
		return nil
	}

	e.log.Info("round completed",
		zap.String("round_id", r.ID),
		zap.String("winning_side", string(side)),
		zap.String("void_reason", r.VoidReason),
		zap.Int("bets", stats.TotalBets),
		zap.String("volume", stats.TotalVolume.String()),
		zap.String("payout", stats.TotalPayout.String()),
	)
	if e.OnRoundCompleted != nil {
		e.OnRoundCompleted(string(side))
	}

	e.emit(ctx, events.Envelope{Event: events.NameRoundResult, Data: events.RoundResult{
		RoundID:     r.ID,
		LockedPrice: r.LockedPrice,
		FinalPrice:  r.FinalPrice,
		WinningSide: string(side),
		VoidReason:  r.VoidReason,
		Stats:       stats,
	}})
	e.publishSettled(r, side, stats)
	return nil
}

// sample lê o último preço para o prazo informado; nil quando ausente, velho demais
// ou quando o prazo já passou além da tolerância. O engine nunca chuta um preço.
func (e *Engine) sample(deadline time.Time) *decimal.Decimal {
	now := e.now()
	if late := now.Sub(deadline); late > e.cfg.SampleTolerance {
		e.log.Warn("price sample past deadline", zap.Duration("late", late))
		return nil
	}
	tick, ok := e.prices.Latest()
	if !ok {
		return nil
	}
	if e.cfg.MaxPriceAge > 0 && now.Sub(tick.ObservedAt()) > e.cfg.MaxPriceAge {
		e.log.Warn("stale price ignored", zap.Int64("observed_at_ms", tick.ObservedAtMs))
		return nil
	}
	p := tick.Price
	return &p
}

// Decide compara preço de lock e final; empate ou preço ausente resultam em NONE (reembolso)
func Decide(locked, final *decimal.Decimal) (store.Side, string) {
	switch {
	case locked == nil:
		return store.SideNone, store.VoidNoLockPrice
	case final == nil:
		return store.SideNone, store.VoidNoFinalPrice
	}
	switch final.Cmp(*locked) {
	case 1:
		return store.SideUp, ""
	case -1:
		return store.SideDown, ""
	default:
		return store.SideNone, store.VoidTie
	}
}

// RoundStartPayload monta o payload de round:start
func RoundStartPayload(r store.Round) events.RoundStart {
	return events.RoundStart{
		ID:        r.ID,
		StartTime: r.StartTime.UnixMilli(),
		LockTime:  r.LockTime.UnixMilli(),
		EndTime:   r.EndTime.UnixMilli(),
		OddsUp:    r.OddsUp,
		OddsDown:  r.OddsDown,
		Status:    string(r.Status),
	}
}

// publishSettled é best-effort: a integração externa nunca segura a cadência
func (e *Engine) publishSettled(r store.Round, side store.Side, stats events.SettlementStats) {
	if e.publ == nil {
		return
	}
	ev := events.RoundSettled{
		RoundID:     r.ID,
		LockedPrice: r.LockedPrice,
		FinalPrice:  r.FinalPrice,
		WinningSide: string(side),
		VoidReason:  r.VoidReason,
		TotalBets:   stats.TotalBets,
		TotalVolume: stats.TotalVolume,
		TotalPayout: stats.TotalPayout,
		TsUnixMs:    e.now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.publ.PublishRoundSettled(ctx, ev); err != nil {
			e.log.Warn("round_settled publish failed", zap.String("round_id", ev.RoundID), zap.Error(err))
		}
	}()
}
