package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zlnvch/pgprelay/cache"
)

type RedisRelayCache struct {
	client redis.UniversalClient
}

func NewRedisRelayCache(ctx context.Context, devMode bool, redisEndpoint string) (*RedisRelayCache, error) {
	opts := &redis.Options{Addr: redisEndpoint}
	if !devMode {
		// AWS elasticache endpoints require TLS
		opts.TLSConfig = &tls.Config{}
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisRelayCache{client: client}, nil
}

// NewRedisRelayCacheFromClient wraps an existing client, e.g. a cluster client.
func NewRedisRelayCacheFromClient(client redis.UniversalClient) *RedisRelayCache {
	return &RedisRelayCache{client: client}
}

func (redisCache *RedisRelayCache) Close() error {
	return redisCache.client.Close()
}

func (redisCache *RedisRelayCache) Publish(ctx context.Context, channel string, message []byte) error {
	return redisCache.client.Publish(ctx, channel, message).Err()
}

// Subscribe returns once the subscription is live. The handler runs on a
// dedicated goroutine until ctx is cancelled.
func (redisCache *RedisRelayCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Printf("Pubsub subscribe failed: %s: %v", channel, err)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					log.Printf("Pubsub channel closed: %s", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Keys share a hash tag per session so the scripts below stay on one
// cluster slot.
func buildSessionKey(sessionId string) string {
	return "wb:{" + sessionId + "}"
}

func buildSessionDataKey(sessionId string) string {
	return "wb:{" + sessionId + "}:data"
}

func buildSessionCompleteKey(sessionId string) string {
	return "wb:{" + sessionId + "}:complete"
}

func buildSessionGenerationKey(sessionId string) string {
	return "wb:{" + sessionId + "}:gen"
}

func sessionKeys(sessionId string) []string {
	return []string{
		buildSessionKey(sessionId),
		buildSessionDataKey(sessionId),
		buildSessionCompleteKey(sessionId),
		buildSessionGenerationKey(sessionId),
	}
}

func buildIdempotencyKey(sender, token string) string {
	return "idem:{" + sender + "}:" + token
}

const (
	cacheTTL       = 10 * time.Minute
	generationTTL  = time.Hour
	idempotencyTTL = 24 * time.Hour
)

// Strokes are split into a ZSET of ids ordered by store sequence and a HASH
// of id -> JSON. The scripts take KEYS = index, data, complete, generation.

var getStrokesScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
	return false
end
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
	local v = redis.call('HGET', KEYS[2], id)
	if v then
		out[#out + 1] = v
	end
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[3], ARGV[1])
return out
`)

// ARGV = generation, ttl, then id, score, data for every stroke
var fillStrokesScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[4]) or '0'
if gen ~= ARGV[1] then
	return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 1
end
redis.call('DEL', KEYS[1], KEYS[2])
for i = 3, #ARGV, 3 do
	redis.call('ZADD', KEYS[1], ARGV[i + 1], ARGV[i])
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 2])
end
redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// ARGV = id, score, data, ttl, generation ttl
var addStrokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
	redis.call('PEXPIRE', KEYS[3], ARGV[4])
	return 1
end
redis.call('INCR', KEYS[4])
redis.call('PEXPIRE', KEYS[4], ARGV[5])
return 0
`)

func (redisCache *RedisRelayCache) GetStrokes(ctx context.Context, sessionId string) ([][]byte, bool, error) {
	res, err := getStrokesScript.Run(ctx, redisCache.client, sessionKeys(sessionId), cacheTTL.Milliseconds()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	strokes := make([][]byte, 0, len(res))
	for _, item := range res {
		if s, ok := item.(string); ok {
			strokes = append(strokes, []byte(s))
		}
	}
	return strokes, true, nil
}

func (redisCache *RedisRelayCache) StrokeGeneration(ctx context.Context, sessionId string) (int64, error) {
	gen, err := redisCache.client.Get(ctx, buildSessionGenerationKey(sessionId)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (redisCache *RedisRelayCache) FillStrokes(ctx context.Context, sessionId string, generation int64, strokes []cache.StrokeCacheItem) (bool, error) {
	args := make([]interface{}, 0, 2+len(strokes)*3)
	args = append(args, strconv.FormatInt(generation, 10), cacheTTL.Milliseconds())
	for _, s := range strokes {
		args = append(args, s.StrokeId, s.Score, s.Data)
	}

	filled, err := fillStrokesScript.Run(ctx, redisCache.client, sessionKeys(sessionId), args...).Int()
	if err != nil {
		return false, err
	}
	return filled == 1, nil
}

func (redisCache *RedisRelayCache) AddStroke(ctx context.Context, sessionId string, stroke cache.StrokeCacheItem) error {
	return addStrokeScript.Run(ctx, redisCache.client, sessionKeys(sessionId),
		stroke.StrokeId, stroke.Score, stroke.Data, cacheTTL.Milliseconds(), generationTTL.Milliseconds(),
	).Err()
}

// InvalidateSession drops the cached log and bumps the generation in one
// transaction.
func (redisCache *RedisRelayCache) InvalidateSession(ctx context.Context, sessionId string) error {
	genKey := buildSessionGenerationKey(sessionId)
	_, err := redisCache.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			buildSessionKey(sessionId),
			buildSessionDataKey(sessionId),
			buildSessionCompleteKey(sessionId),
		)
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	})
	return err
}

func (redisCache *RedisRelayCache) ClaimIdempotencyToken(ctx context.Context, sender string, token string, messageId string) (string, bool, error) {
	key := buildIdempotencyKey(sender, token)

	ok, err := redisCache.client.SetNX(ctx, key, messageId, idempotencyTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return messageId, true, nil
	}

	existing, err := redisCache.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; nothing left to collide with
		return messageId, true, redisCache.client.Set(ctx, key, messageId, idempotencyTTL).Err()
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
