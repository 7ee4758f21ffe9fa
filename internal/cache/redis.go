package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration, grounded on the
// teacher's internal/session/redis_store.go RedisConfig.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache implements Cache over a single shared redis.Client. Nonce
// storage and rate-limit storage are not sharded separately from session
// storage — they share this client's key space, distinguished only by
// key prefix, per spec.md §9's resolved open question.
type RedisCache struct {
	client     *redis.Client
	keyPrefix  string
	sessionTTL time.Duration
}

// NewRedisCache dials Redis and verifies connectivity.
func NewRedisCache(cfg RedisConfig, sessionTTL time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "scrybe:"
	}

	slog.Info("redis cache initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)

	return &RedisCache{client: client, keyPrefix: keyPrefix, sessionTTL: sessionTTL}, nil
}

func (c *RedisCache) sessionKey(id string) string   { return c.keyPrefix + "session:" + id }
func (c *RedisCache) fpKey(hash string) string      { return c.keyPrefix + "fp:" + hash }
func (c *RedisCache) nonceKey(nonce string) string  { return c.keyPrefix + "nonce:" + nonce }
func (c *RedisCache) rateKey(key string) string      { return c.keyPrefix + "rate:" + key }
func (c *RedisCache) feedKey(severity string) string { return c.keyPrefix + "anomaly:" + severity }

func (c *RedisCache) StoreSession(ctx context.Context, sessionID string, meta SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.sessionKey(sessionID), data, c.sessionTTL)
	if ValidFingerprintHash(meta.FingerprintHash) {
		pipe.SAdd(ctx, c.fpKey(meta.FingerprintHash), sessionID)
		pipe.Expire(ctx, c.fpKey(meta.FingerprintHash), c.sessionTTL)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (c *RedisCache) GetSession(ctx context.Context, sessionID string) (SessionMeta, error) {
	data, err := c.client.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return SessionMeta{}, ErrNotFound
	}
	if err != nil {
		return SessionMeta{}, fmt.Errorf("get session: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return meta, nil
}

// updateScript atomically loads, mutates, and re-saves a session entry
// entirely inside Redis -- the GET, the RequestCount/LastSeen/
// LastBotProbability mutation, and the re-SET all happen as one Lua
// script execution, so two workers updating the same session id
// concurrently cannot both read the same RequestCount and both write
// back the same increment. The session TTL is reset on every touch.
// The correlate-then-update sequence must be linearizable per spec.md
// §5; this script is what makes the update half of that atomic.
var updateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return nil
end
local meta = cjson.decode(raw)
meta.requestCount = (meta.requestCount or 0) + 1
meta.lastSeen = ARGV[1]
meta.lastBotProbability = tonumber(ARGV[2])
local updated = cjson.encode(meta)
redis.call('SET', KEYS[1], updated, 'PX', ARGV[3])
return updated
`)

func (c *RedisCache) UpdateSession(ctx context.Context, sessionID string, botProbability float64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := updateScript.Run(ctx, c.client, []string{c.sessionKey(sessionID)},
		now, botProbability, c.sessionTTL.Milliseconds()).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (c *RedisCache) FindByFingerprint(ctx context.Context, fingerprintHash string) ([]string, error) {
	if !ValidFingerprintHash(fingerprintHash) {
		return nil, nil
	}
	ids, err := c.client.SMembers(ctx, c.fpKey(fingerprintHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	return ids, nil
}

func (c *RedisCache) Correlate(ctx context.Context, fingerprintHash, hashedIP string) (string, bool, error) {
	ids, err := c.FindByFingerprint(ctx, fingerprintHash)
	if err != nil {
		return "", false, err
	}
	for _, id := range ids {
		meta, err := c.GetSession(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if meta.HashedIP == hashedIP {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (c *RedisCache) InsertNonceIfAbsent(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.nonceKey(nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) ContainsNonce(ctx context.Context, nonce string) (bool, error) {
	n, err := c.client.Exists(ctx, c.nonceKey(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return n > 0, nil
}

// incrRateScript atomically increments a counter and sets its expiry on
// first creation, giving the "cache primitive: set-if-absent with TTL"
// behavior spec.md §4.2 requires for rate counters.
var incrRateScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

func (c *RedisCache) IncrRate(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrRateScript.Run(ctx, c.client, []string{c.rateKey(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr rate: %w", err)
	}
	return n, nil
}

func (c *RedisCache) PublishAnomaly(ctx context.Context, sessionID, kind, severity string, at time.Time) error {
	entry := AnomalyFeedEntry{SessionID: sessionID, Kind: kind, Severity: severity, At: at}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal anomaly entry: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.feedKey(severity), data)
	pipe.LTrim(ctx, c.feedKey(severity), 0, MaxAnomalyFeedLen-1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("publish anomaly: %w", err)
	}
	return nil
}

func (c *RedisCache) RecentAnomalies(ctx context.Context, severity string, limit int) ([]AnomalyFeedEntry, error) {
	if limit <= 0 || limit > MaxAnomalyFeedLen {
		limit = MaxAnomalyFeedLen
	}
	raw, err := c.client.LRange(ctx, c.feedKey(severity), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent anomalies: %w", err)
	}
	out := make([]AnomalyFeedEntry, 0, len(raw))
	for _, r := range raw {
		var entry AnomalyFeedEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
