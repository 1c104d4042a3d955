package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/registration-ledger/pkg/config"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
)

// Every key the service writes lives under this namespace.
const keyNamespace = "regledger"

const (
	idempotencyPrefix = "idempotency"
	rateLimitPrefix   = "rate_limit"
	revokedPrefix     = "revoked"
	lockPrefix        = "lock"
)

// ErrNotInitialized is returned by a zero Client.
var ErrNotInitialized = errors.New("redis client not initialized")

// compareAndDelete drops KEYS[1] only while it still holds ARGV[1].
const compareAndDelete = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// fixedWindow increments KEYS[1], starting a window of ARGV[1] ms on the
// first hit, and returns {count, remaining ms}.
const fixedWindow = `local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}`

// commands is the subset of go-redis the client relies on.
type commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// IdempotencyStore is the storage contract of the HTTP idempotency layer.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// Window is the state of a fixed rate limit window after a hit.
type Window struct {
	Count   int64
	ResetIn time.Duration
}

// Client holds the shared connection used for idempotency, rate limits,
// token revocation and the cron lock.
type Client struct {
	cmd  commands
	conn *redis.Client
}

func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	conn := redis.NewClient(opts)
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "redis_db", opts.DB), "redis connection established")
	}
	return &Client{cmd: conn, conn: conn}, nil
}

// options prefers the URL; explicit pool and timeout settings fill whatever
// the URL leaves unset.
func options(cfg config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
		if opts.DB == 0 {
			opts.DB = cfg.DB
		}
	case cfg.Address == "":
		return nil, errors.New("redis url or address is required")
	}

	fill := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	fill(&opts.DialTimeout, cfg.DialTimeout)
	fill(&opts.ReadTimeout, cfg.ReadTimeout)
	fill(&opts.WriteTimeout, cfg.WriteTimeout)
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	return opts, nil
}

func (c *Client) ready() error {
	if c == nil || c.cmd == nil {
		return ErrNotInitialized
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.cmd.Get(ctx, key).Result()
}

func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	return c.cmd.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.cmd.Del(ctx, keys...).Err()
}

// CompareAndDelete removes key only while it still equals expected.
func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	removed, err := c.cmd.Eval(ctx, compareAndDelete, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

// HitWindow records one hit against scope's fixed window in a single round
// trip and reports the resulting count.
func (c *Client) HitWindow(ctx context.Context, scope string, window time.Duration) (Window, error) {
	if err := c.ready(); err != nil {
		return Window{}, err
	}
	res, err := c.cmd.Eval(ctx, fixedWindow, []string{c.RateLimitKey(scope)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, err
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("unexpected rate window reply %v", res)
	}
	out := Window{Count: res[0]}
	if res[1] > 0 {
		out.ResetIn = time.Duration(res[1]) * time.Millisecond
	}
	return out, nil
}

// RevokeToken blocks the token id until ttl elapses, normally the token's
// remaining lifetime.
func (c *Client) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.cmd.Set(ctx, c.RevokedTokenKey(tokenID), "1", ttl).Err()
}

func (c *Client) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	n, err := c.cmd.Exists(ctx, c.RevokedTokenKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.cmd.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) IdempotencyKey(scope, id string) string {
	return key(idempotencyPrefix, scope, id)
}

func (c *Client) RateLimitKey(scope string) string {
	return key(rateLimitPrefix, scope)
}

func (c *Client) RevokedTokenKey(tokenID string) string {
	return key(revokedPrefix, tokenID)
}

func (c *Client) LockKey(name string) string {
	return key(lockPrefix, name)
}

// key joins non-empty parts under the namespace.
func key(parts ...string) string {
	out := keyNamespace
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out += ":" + part
		}
	}
	return out
}
