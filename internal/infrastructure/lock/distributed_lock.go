package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 订单级分布式锁
// ============================================================================
//
// 同一订单的发起支付、提交核验、网关回调、过期处理必须串行：
//   请求1: 读到 awaiting_verification -> 校验通过 -> 写 verified
//   请求2: 读到 awaiting_verification -> 校验失败 -> 写 failed   (被 CAS 挡住，但校验结果已经返回给用户)
//
// 加锁：SET key value NX EX ttl
// 释放：Lua 脚本比较 value 后 DEL，避免误删别人的锁
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// Locker 按 key 互斥，返回的 release 必须调用
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// DistributedLock 单把 Redis 锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞获取
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 带重试的阻塞获取
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// RedisLocker 基于 DistributedLock 的 Locker
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    100,
	}
}

// LockKey Redis 中的锁 key
func LockKey(key string) string {
	return fmt.Sprintf("storepay:lock:%s", key)
}

// Acquire 锁被占用到超时返回 ErrLockFailed；Redis 本身不可达时返回原始错误，不包装为 ErrLockFailed
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l := NewDistributedLock(r.client, LockKey(key), uuid.NewString(), r.ttl)
	if err := l.Lock(ctx, r.retryInterval, r.maxRetries); err != nil {
		switch {
		case errors.Is(err, ErrLockFailed):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
		default:
			return nil, fmt.Errorf("redis 加锁失败: %w", err)
		}
	}
	return func() {
		// 释放不受请求 ctx 取消影响
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
