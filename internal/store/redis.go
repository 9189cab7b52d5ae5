package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fire-dispatch/radiostatus/internal/config"
	"fire-dispatch/radiostatus/internal/metrics"
)

const maxTxRetries = 16

// RedisBackend shares collections between processes through Redis. Each
// collection lives under store:{name}; writes run as WATCH/MULTI
// transactions and publish on store:{name}:changed inside the same
// transaction.
type RedisBackend struct {
	client *redis.Client
	origin string
}

func NewRedisBackend(ctx context.Context, cfg *config.Config) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.TerminalID), nil
}

func NewRedisBackendFromClient(client *redis.Client, origin string) *RedisBackend {
	return &RedisBackend{client: client, origin: origin}
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Client() *redis.Client {
	return r.client
}

func collectionKey(collection string) string {
	return fmt.Sprintf("store:%s", collection)
}

func changeChannel(collection string) string {
	return fmt.Sprintf("store:%s:changed", collection)
}

func (r *RedisBackend) Load(ctx context.Context, collection string) ([]byte, error) {
	val, err := r.client.Get(ctx, collectionKey(collection)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s failed: %w", collection, err)
	}
	return val, nil
}

func (r *RedisBackend) Update(ctx context.Context, collection string, fn UpdateFunc) error {
	key := collectionKey(collection)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				current = nil
			} else if err != nil {
				return err
			}

			next, err := fn(cloneBytes(current))
			if err != nil {
				return err
			}

			payload, err := json.Marshal(ChangeEvent{
				Collection: collection,
				Origin:     r.origin,
				Old:        current,
				New:        next,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal change event: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				pipe.Publish(ctx, changeChannel(collection), payload)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNoChange):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			metrics.StoreWriteConflicts.WithLabelValues(collection).Inc()
			continue
		default:
			return fmt.Errorf("redis update %s failed: %w", collection, err)
		}
	}
	return fmt.Errorf("redis update %s: gave up after %d conflicting writers", collection, maxTxRetries)
}

func (r *RedisBackend) Subscribe(ctx context.Context, collection string) (<-chan ChangeEvent, error) {
	pubsub := r.client.Subscribe(ctx, changeChannel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s failed: %w", collection, err)
	}

	out := make(chan ChangeEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					// Still a signal that the collection moved; receivers re-read.
					ev = ChangeEvent{Collection: collection}
				}
				select {
				case out <- ev:
				default:
					metrics.ChangeEventDrops.WithLabelValues(collection).Inc()
				}
			}
		}
	}()
	return out, nil
}

// GetAPIKey resolves a terminal API key to the user it was issued to.
func (r *RedisBackend) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("terminal:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}
