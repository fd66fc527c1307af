package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConfigured = errors.New("lock_not_configured")
	ErrInvalidKey    = errors.New("lock_key_invalid")
	ErrInvalidTTL    = errors.New("lock_ttl_invalid")
)

// Locker hands out expiring, token-checked exclusive locks.
// Release only succeeds for the token returned by the matching TryLock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

func ActorKey(uid string) string {
	return "escrowd:payment:actor:" + uid
}

func TaskReleaseKey(taskID string) string {
	return "escrowd:release:task:" + taskID
}

func JobKey(job string) string {
	return "escrowd:scheduler:" + job
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
