package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache: key not found")

// Service is the cache used for detect reports and symbol locks. Values are
// stored as JSON and decoded into dest on Get.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPattern removes keys matching a trailing-* glob.
	DeleteByPattern(ctx context.Context, pattern string) error
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Key joins prefix and parts with ':'. Empty string parts become "-" so
// optional filters keep their position.
func Key(prefix string, parts ...interface{}) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteByte(':')
		if s, ok := p.(string); ok && s == "" {
			b.WriteByte('-')
			continue
		}
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// Pattern matches every key under prefix.
func Pattern(prefix string) string {
	return prefix + "*"
}
