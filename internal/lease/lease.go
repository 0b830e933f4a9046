package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iurnickita/paycore/internal/lease/config"
	"github.com/iurnickita/paycore/internal/store"
)

// Release освобождает аренду, только если она еще принадлежит вызывающему
type Release func(ctx context.Context) error

// Locker - взаимоисключение заданий между репликами.
// Аренда истекает сама через ttl, если держатель упал.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error)
	Close() error
}

func NewLocker(ctx context.Context, cfg config.Config, s store.Store) (Locker, error) {
	if cfg.RedisAddress == "" {
		return NewStoreLocker(s), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisLocker{client: client}, nil
}

// Redis: SET NX PX с токеном держателя

// удаляем ключ, только если в нем наш токен
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
}

func (l *redisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	key := "paycore:lease:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, true, nil
}

func (l *redisLocker) Close() error {
	return l.client.Close()
}

// Хранилище: строка job_lease

type storeLocker struct {
	store store.Store
}

func NewStoreLocker(s store.Store) Locker {
	return &storeLocker{store: s}
}

func (l *storeLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	holder := uuid.NewString()

	ok, err := l.store.LeaseAcquire(ctx, name, holder, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return l.store.LeaseRelease(ctx, name, holder)
	}, true, nil
}

func (l *storeLocker) Close() error {
	return nil
}
