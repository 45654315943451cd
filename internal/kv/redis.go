package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis implements Store on a go-redis client. Regular commands borrow
// pooled connections; SubscribeKick uses a dedicated connection because
// subscribing mutates connection state.
type Redis struct {
	rdb *redis.Client
	log zerolog.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func NewRedis(ctx context.Context, cfg RedisConfig, log zerolog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Redis{rdb: rdb, log: log.With().Str("component", "kv").Logger()}, nil
}

func (r *Redis) SessionToken(ctx context.Context, userID int64, device string) (string, error) {
	tok, err := r.rdb.HGet(ctx, sessionKey(userID), device).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (r *Redis) PutSessionToken(ctx context.Context, userID int64, device, token string, ttl time.Duration) error {
	key := sessionKey(userID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, device, token)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) DeleteSessionToken(ctx context.Context, userID int64, device string) error {
	return r.rdb.HDel(ctx, sessionKey(userID), device).Err()
}

func (r *Redis) DeleteSession(ctx context.Context, userID int64) error {
	return r.rdb.Del(ctx, sessionKey(userID)).Err()
}

func (r *Redis) SessionExists(ctx context.Context, userID int64) (bool, error) {
	n, err := r.rdb.Exists(ctx, sessionKey(userID)).Result()
	return n > 0, err
}

func (r *Redis) PutLocation(ctx context.Context, userID int64, device, addr string, ttl time.Duration) error {
	key := locationKey(userID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, device, addr)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) DeleteLocation(ctx context.Context, userID int64, device string) error {
	return r.rdb.HDel(ctx, locationKey(userID), device).Err()
}

func (r *Redis) Locations(ctx context.Context, userID int64) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, locationKey(userID)).Result()
}

func (r *Redis) NextSeq(ctx context.Context, ownerID int64) (int64, error) {
	return r.rdb.Incr(ctx, seqKey(ownerID)).Result()
}

func (r *Redis) PutServiceRecord(ctx context.Context, name, instance, addr string, ttl time.Duration) error {
	return r.rdb.Set(ctx, serviceKey(name, instance), addr, ttl).Err()
}

func (r *Redis) ServiceAddrs(ctx context.Context, name string) ([]string, error) {
	var (
		cursor uint64
		addrs  []string
	)
	// SCAN instead of KEYS so a large keyspace cannot stall the server.
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, servicePattern(name), 64).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			val, err := r.rdb.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, err
			}
			if val != "" {
				addrs = append(addrs, val)
			}
		}
		cursor = next
		if cursor == 0 {
			return addrs, nil
		}
	}
}

func (r *Redis) PublishKick(ctx context.Context, k Kick) error {
	return r.rdb.Publish(ctx, kickChannel, k.payload()).Err()
}

func (r *Redis) SubscribeKick(ctx context.Context) (<-chan Kick, error) {
	sub := r.rdb.Subscribe(ctx, kickChannel)
	// Force the subscription onto the wire before we report success.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", kickChannel, err)
	}

	out := make(chan Kick, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				k, err := parseKick(msg.Payload)
				if err != nil {
					r.log.Warn().Err(err).Msg("Dropping malformed kick event")
					continue
				}
				select {
				case out <- k:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
