package publisher

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/shared/kafka"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

// Writer é satisfeito por *kafka.Writer
type Writer interface {
	kafka.MessageWriter
	Close() error
}

// KafkaPublisher publica bet_placed e round_settled para merchant/admin.
// A chave é o round_id, mantendo os eventos de uma rodada na mesma partição.
type KafkaPublisher struct {
	writer            Writer
	topicBetPlaced    string
	topicRoundSettled string
	log               *zap.Logger
	now               func() time.Time

	OnPublished func(topic string, err error) // métricas
}

func NewKafkaPublisher(w Writer, topicBetPlaced, topicRoundSettled string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:            w,
		topicBetPlaced:    topicBetPlaced,
		topicRoundSettled: topicRoundSettled,
		log:               log,
		now:               time.Now,
	}
}

func (p *KafkaPublisher) PublishBetPlaced(ctx context.Context, e events.BetPlaced) error {
	if e.TsUnixMs == 0 {
		e.TsUnixMs = p.now().UnixMilli()
	}
	return p.publish(ctx, p.topicBetPlaced, e.RoundID, e)
}

func (p *KafkaPublisher) PublishRoundSettled(ctx context.Context, e events.RoundSettled) error {
	if e.TsUnixMs == 0 {
		e.TsUnixMs = p.now().UnixMilli()
	}
	return p.publish(ctx, p.topicRoundSettled, e.RoundID, e)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = kafka.WriteJSON(ctx, p.writer, topic, key, value)
	if p.OnPublished != nil {
		p.OnPublished(topic, err)
	}
	if err != nil {
		p.log.Error("failed to publish event", zap.String("topic", topic), zap.Error(err))
		return err
	}
	p.log.Debug("published event", zap.String("topic", topic), zap.String("key", key))
	return nil
}

// Close finaliza o writer e libera recursos associados.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
