package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/shared/kafka"
	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishBetPlaced(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "bet_placed", "round_settled", zap.NewNop())
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }

	var topics []string
	p.OnPublished = func(topic string, err error) {
		require.NoError(t, err)
		topics = append(topics, topic)
	}

	err := p.PublishBetPlaced(context.Background(), events.BetPlaced{
		BetID:   "b1",
		UserID:  "u1",
		RoundID: "r1",
		Side:    "UP",
		Amount:  decimal.NewFromInt(10),
		Odds:    decimal.RequireFromString("1.95"),
		Balance: decimal.NewFromInt(90),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"bet_placed"}, topics)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	require.Equal(t, "bet_placed", msg.Topic)
	require.Equal(t, "r1", string(msg.Key))

	var got events.BetPlaced
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, "b1", got.BetID)
	require.Equal(t, int64(1700000000000), got.TsUnixMs)
	require.True(t, got.Amount.Equal(decimal.NewFromInt(10)))
}

func TestPublishRoundSettled_KeepsTimestamp(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "bet_placed", "round_settled", zap.NewNop())

	locked := decimal.NewFromInt(100)
	require.NoError(t, p.PublishRoundSettled(context.Background(), events.RoundSettled{
		RoundID:     "r9",
		LockedPrice: &locked,
		WinningSide: "NONE",
		VoidReason:  "NO_FINAL_PRICE",
		TsUnixMs:    42,
	}))

	require.Len(t, w.msgs, 1)
	require.Equal(t, "round_settled", w.msgs[0].Topic)
	require.Equal(t, "r9", string(w.msgs[0].Key))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &raw))
	require.EqualValues(t, 42, raw["ts_unix_ms"])
	require.Nil(t, raw["final_price"])
	require.Equal(t, "NO_FINAL_PRICE", raw["void_reason"])
}

func TestPublish_ReportsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	w := &fakeWriter{err: boom}
	p := NewKafkaPublisher(w, "bet_placed", "round_settled", zap.NewNop())

	var reported error
	p.OnPublished = func(_ string, err error) { reported = err }

	err := p.PublishBetPlaced(context.Background(), events.BetPlaced{RoundID: "r1"})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, reported, boom)

	require.NoError(t, p.Close())
	require.True(t, w.closed)
}
