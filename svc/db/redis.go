package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"time"

	"pastelink/cfg"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis backs the shared session store and the distributed rate-limit
// windows. Texts themselves never live in Redis.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(opt.Addr, c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	return &Redis{client: client, timeout: timeout}
}

func buildRedisTLSConfig(addr, caPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	tlsConfig.ServerName = host
	if caPath != "" {
		caCert, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
		return tlsConfig, nil
	}
	systemPool, err := x509.SystemCertPool()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load system cert pool")
	}
	tlsConfig.RootCAs = systemPool
	return tlsConfig, nil
}

func (r *Redis) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal value")
	}
	return errors.Wrap(r.client.Set(ctx, key, data, ttl).Err(), "redis set")
}

// GetJSON decodes the value at key into v. It reports false when the key
// does not exist.
func (r *Redis) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "redis get")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrap(err, "unmarshal value")
	}
	return true, nil
}
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, key).Err(), "redis del")
}

// slidingWindowScript prunes entries at or before now-window, admits the
// request when fewer than limit remain and returns
// {allowed, count, oldest score in ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
	local count = redis.call("ZCARD", key)
	local allowed = 0
	if count < limit then
		redis.call("ZADD", key, now, ARGV[4])
		count = count + 1
		allowed = 1
	end
	redis.call("PEXPIRE", key, window)
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local oldestScore = now
	if oldest[2] then
		oldestScore = tonumber(oldest[2])
	end
	return {allowed, count, oldestScore}
`)

// SlidingWindow records one hit in the sorted set at key if the window has
// room. It returns whether the hit was admitted, the number of hits now in
// the window and the time of the oldest one.
func (r *Redis) SlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, r.client, []string{key}, nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, errors.Wrap(err, "sliding window lua")
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, errors.Errorf("sliding window lua: unexpected reply of %d values", len(res))
	}
	return res[0] == 1, int(res[1]), time.UnixMilli(res[2]), nil
}
// Ping checks the connection within the configured Redis timeout.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "ping redis")
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
