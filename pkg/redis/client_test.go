package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/registration-ledger/pkg/config"
)

func TestHitWindowCountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeCommands()
	client := &Client{cmd: fake}

	first, err := client.HitWindow(ctx, "ledger:ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Count)
	assert.Equal(t, time.Minute, first.ResetIn)

	second, err := client.HitWindow(ctx, "ledger:ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Count)

	assert.Equal(t, []string{"regledger:rate_limit:ledger:ip:1.2.3.4"}, fake.expired, "window should start only once")
}

func TestTokenRevocation(t *testing.T) {
	ctx := context.Background()
	client := &Client{cmd: newFakeCommands()}

	revoked, err := client.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, client.RevokeToken(ctx, "jti-1", time.Hour))
	revoked, err = client.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestCompareAndDeleteRequiresOwner(t *testing.T) {
	ctx := context.Background()
	fake := newFakeCommands()
	client := &Client{cmd: fake}
	lock := client.LockKey("cron-worker:prod")
	fake.data[lock] = "owner-a"

	removed, err := client.CompareAndDelete(ctx, lock, "owner-b")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = client.CompareAndDelete(ctx, lock, "owner-a")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotContains(t, fake.data, lock)
}

func TestZeroClientReportsNotInitialized(t *testing.T) {
	var client *Client
	_, err := client.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.ErrorIs(t, (&Client{}).Ping(context.Background()), ErrNotInitialized)
	assert.NoError(t, client.Close())
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "regledger:idempotency:scope:id", client.IdempotencyKey("scope", "id"))
	assert.Equal(t, "regledger:rate_limit:scope", client.RateLimitKey("scope"))
	assert.Equal(t, "regledger:revoked:jti", client.RevokedTokenKey("jti"))
	assert.Equal(t, "regledger:lock", client.LockKey(" "))
}

func TestOptionsPreferURL(t *testing.T) {
	opts, err := options(config.RedisConfig{URL: "redis://:pw@cache:6380/2", PoolSize: 7, DialTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)

	opts, err = options(config.RedisConfig{Address: "localhost:6379", DB: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DB)

	_, err = options(config.RedisConfig{})
	assert.Error(t, err)
}

type fakeCommands struct {
	data    map[string]string
	counts  map[string]int64
	ttl     map[string]time.Duration
	expired []string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		data:   map[string]string{},
		counts: map[string]int64{},
		ttl:    map[string]time.Duration{},
	}
}

func (f *fakeCommands) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeCommands) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCommands) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCommands) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCommands) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeCommands) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(f.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

// Eval emulates the two scripts the client ships.
func (f *fakeCommands) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("unexpected arity"))
	}
	key := keys[0]
	switch script {
	case compareAndDelete:
		if v, ok := f.data[key]; ok && v == fmt.Sprint(args[0]) {
			delete(f.data, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case fixedWindow:
		f.counts[key]++
		if f.counts[key] == 1 {
			f.ttl[key] = time.Duration(args[0].(int64)) * time.Millisecond
			f.expired = append(f.expired, key)
		}
		return redis.NewCmdResult([]any{f.counts[key], f.ttl[key].Milliseconds()}, nil)
	}
	return redis.NewCmdResult(nil, errors.New("unknown script"))
}
