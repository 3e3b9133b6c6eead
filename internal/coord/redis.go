package coord

import (
	"context"
	"errors"
	"time"

	"github.com/leetbattle/botfleet/internal/observability"
	"github.com/redis/go-redis/v9"
)

// RedisClient implements Client against a Redis/Redis-compatible store.
// Construction preloads both atomic scripts (spec §4.1: "preloaded at
// startup") so hot-path calls send only the SHA, never the script body.
type RedisClient struct {
	rdb redis.UniversalClient

	extendLeaderSHA      string
	acquireCycleGuardSHA string
}

// NewRedisClient dials addr (or, when clusterNodes is non-empty, every node
// in clusterNodes) and preloads the atomic scripts. redis.NewUniversalClient
// returns a cluster client whenever more than one address is given, so a
// single-node deployment and a multi-node one share this constructor (spec
// §6: "coord cluster nodes... if set, use multi-node client"). It fails
// fast if the store is unreachable at startup (spec §7: Fatal).
func NewRedisClient(ctx context.Context, addr, password string, db int, clusterNodes []string) (*RedisClient, error) {
	addrs := clusterNodes
	if len(addrs) == 0 {
		addrs = []string{addr}
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	extendSHA, err := rdb.ScriptLoad(ctx, extendLeaderScript).Result()
	if err != nil {
		return nil, errors.New("coord: failed to preload extendLeader script: " + err.Error())
	}
	guardSHA, err := rdb.ScriptLoad(ctx, acquireCycleGuardScript).Result()
	if err != nil {
		return nil, errors.New("coord: failed to preload acquireCycleGuard script: " + err.Error())
	}

	return &RedisClient{
		rdb:                  rdb,
		extendLeaderSHA:      extendSHA,
		acquireCycleGuardSHA: guardSHA,
	}, nil
}

func observeLatency(start time.Time) {
	observability.CoordLatency.Observe(time.Since(start).Seconds())
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	defer observeLatency(time.Now())
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *RedisClient) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	defer observeLatency(time.Now())
	if opts.NX {
		return c.rdb.SetNX(ctx, key, value, opts.TTL).Result()
	}
	err := c.rdb.Set(ctx, key, value, opts.TTL).Err()
	return err == nil, err
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	defer observeLatency(time.Now())
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *RedisClient) LPush(ctx context.Context, key string, values ...string) error {
	defer observeLatency(time.Now())
	return c.rdb.LPush(ctx, key, toAny(values)...).Err()
}

func (c *RedisClient) RPush(ctx context.Context, key string, values ...string) error {
	defer observeLatency(time.Now())
	return c.rdb.RPush(ctx, key, toAny(values)...).Err()
}

func (c *RedisClient) LPop(ctx context.Context, key string) (string, bool, error) {
	defer observeLatency(time.Now())
	val, err := c.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observeLatency(time.Now())
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

func (c *RedisClient) LRem(ctx context.Context, key string, count int64, value string) error {
	defer observeLatency(time.Now())
	return c.rdb.LRem(ctx, key, count, value).Err()
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	defer observeLatency(time.Now())
	return c.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) error {
	defer observeLatency(time.Now())
	return c.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (c *RedisClient) SIsMember(ctx context.Context, key, member string) (bool, error) {
	defer observeLatency(time.Now())
	return c.rdb.SIsMember(ctx, key, member).Result()
}

func (c *RedisClient) SCard(ctx context.Context, key string) (int64, error) {
	defer observeLatency(time.Now())
	return c.rdb.SCard(ctx, key).Result()
}

func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	defer observeLatency(time.Now())
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *RedisClient) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	defer observeLatency(time.Now())
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (c *RedisClient) ZRem(ctx context.Context, key string, member string) error {
	defer observeLatency(time.Now())
	return c.rdb.ZRem(ctx, key, member).Err()
}

func (c *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	defer observeLatency(time.Now())
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	defer observeLatency(time.Now())
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return c.rdb.HSet(ctx, key, args).Err()
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer observeLatency(time.Now())
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *RedisClient) Publish(ctx context.Context, channel, payload string) error {
	defer observeLatency(time.Now())
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c *RedisClient) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	// Duplicated connection for pub/sub, per spec §5's connection-pool
	// policy: "one pub/sub subscriber (duplicated from the main)".
	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

func (c *RedisClient) ExtendLeader(ctx context.Context, key, expectedValue string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	res, err := c.rdb.EvalSha(ctx, c.extendLeaderSHA, []string{key}, expectedValue, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	return toBool(res), nil
}

func (c *RedisClient) AcquireCycleGuard(ctx context.Context, guardKey string, now time.Time, maxAge, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	res, err := c.rdb.EvalSha(ctx, c.acquireCycleGuardSHA, []string{guardKey},
		now.UnixMilli(), maxAge.Milliseconds(), int64(ttl/time.Second)).Result()
	if err != nil {
		return false, err
	}
	return toBool(res), nil
}

func (c *RedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	defer observeLatency(time.Now())
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func toBool(res any) bool {
	n, ok := res.(int64)
	return ok && n == 1
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for msg := range ch {
		s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }
func (s *redisSubscription) Close() error            { return s.ps.Close() }
