package redisdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	applog "ragweave/internal/platform/log"
)

// releaseScript 仅当持有者仍是自己时删除
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease 基于 Redis SETNX 的分布式 doc_key 租约
type Lease struct {
	client *goredis.Client
}

// NewLease 创建分布式租约
func NewLease(client *goredis.Client) *Lease {
	return &Lease{client: client}
}

// Acquire 获取租约；被占用时 acquired=false
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		applog.Warn("[Lease] Failed to acquire lease",
			"key", key,
			"error", err,
		)
		return nil, false, err
	}
	if !acquired {
		applog.Debug("[Lease] Lease held elsewhere", "key", key)
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			applog.Warn("[Lease] Failed to release lease",
				"key", key,
				"error", err,
			)
		}
	}
	return release, true, nil
}
