package cache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/radieske/updown-round-engine/pkg/contracts/events"
)

// KeyLatest chave do último preço, lida no restart para recuperar o cache em memória
const KeyLatest = "price:latest"

// RedisCache encapsula o cache de curta duração do último preço
// Client: cliente Redis
// TTL: tempo de expiração do registro
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewRedisCache cria uma instância de cache Redis com TTL configurável
func NewRedisCache(c *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{Client: c, TTL: ttl}
}

// SetLatest armazena o último tick com TTL
func (r *RedisCache) SetLatest(ctx context.Context, t events.PriceTick) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, KeyLatest, b, r.TTL).Err()
}

// GetLatest lê o último tick; ok=false quando a chave expirou ou não existe
func (r *RedisCache) GetLatest(ctx context.Context) (events.PriceTick, bool, error) {
	b, err := r.Client.Get(ctx, KeyLatest).Bytes()
	if errors.Is(err, redis.Nil) {
		return events.PriceTick{}, false, nil
	}
	if err != nil {
		return events.PriceTick{}, false, err
	}
	var t events.PriceTick
	if err := json.Unmarshal(b, &t); err != nil {
		return events.PriceTick{}, false, err
	}
	return t, true, nil
}
