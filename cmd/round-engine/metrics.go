package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/radieske/updown-round-engine/internal/integration/publisher"
	priceservice "github.com/radieske/updown-round-engine/internal/price-feed/service"
	"github.com/radieske/updown-round-engine/internal/realtime/ws"
	"github.com/radieske/updown-round-engine/internal/round-engine/engine"
)

// Métricas Prometheus do engine, ligadas aos hooks de cada componente
var (
	priceTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "price_feed_ticks_total",
		Help: "ticks de preço recebidos",
	})
	priceReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "price_feed_reconnects_total",
		Help: "reconexões ao feed",
	})
	priceStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "price_feed_stale_total",
		Help: "feed detectado travado pelo heartbeat",
	})
	priceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "price_feed_errors_total",
		Help: "erros do feed por estágio",
	}, []string{"stage"})

	roundsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rounds_completed_total",
		Help: "rodadas concluídas por lado vencedor",
	}, []string{"winning_side"})
	settlementErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "round_settlement_errors_total",
		Help: "falhas de liquidação (reprocessadas no próximo tick)",
	})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_ws_connections",
		Help: "clientes WebSocket conectados",
	})
	wsSlowClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_ws_slow_clients_total",
		Help: "conexões derrubadas por fila cheia",
	})
	betsByCode = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bets_placed_total",
		Help: "tentativas de aposta por resultado",
	}, []string{"code"})

	publishedByTopic = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "integration_events_published_total",
		Help: "eventos de integração publicados por tópico e status",
	}, []string{"topic", "status"})
)

func registerMetrics() {
	prometheus.MustRegister(
		priceTicks, priceReconnects, priceStale, priceErrors,
		roundsCompleted, settlementErrors,
		wsConnections, wsSlowClients, betsByCode,
		publishedByTopic,
	)
}

func wireFeedMetrics(c *priceservice.Client) {
	c.OnTick = func() { priceTicks.Inc() }
	c.OnReconnect = func() { priceReconnects.Inc() }
	c.OnStale = func() { priceStale.Inc() }
	c.OnError = func(stage string) { priceErrors.WithLabelValues(stage).Inc() }
}

func wireEngineMetrics(e *engine.Engine) {
	e.OnRoundCompleted = func(side string) { roundsCompleted.WithLabelValues(side).Inc() }
	e.OnSettlementError = func() { settlementErrors.Inc() }
}

func wireHubMetrics(h *ws.Hub) {
	h.OnConnections = func(n int) { wsConnections.Set(float64(n)) }
	h.OnSlowClient = func() { wsSlowClients.Inc() }
	h.OnBet = func(code string) { betsByCode.WithLabelValues(code).Inc() }
}

func wirePublisherMetrics(p *publisher.KafkaPublisher) {
	p.OnPublished = func(topic string, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		publishedByTopic.WithLabelValues(topic, status).Inc()
	}
}
