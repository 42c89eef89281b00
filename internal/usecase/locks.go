package usecase

import (
	"context"
	"errors"
	"time"

	"TWPull/pkg/cache"
	applogger "TWPull/pkg/logger"
)

// ErrSymbolBusy means another run currently owns the symbol.
var ErrSymbolBusy = errors.New("symbol is being processed by another run")

// SymbolLocker keeps two runs from writing the same symbol at once.
type SymbolLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type symbolLocks struct {
	locker SymbolLocker
	ttl    time.Duration
	l      *applogger.Logger
}

// acquire returns a release func. A locker failure is logged and the symbol
// proceeds unlocked; only a held lock yields ErrSymbolBusy.
func (s symbolLocks) acquire(ctx context.Context, symbol string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := cache.Key("lock:symbol", symbol)
	ok, err := s.locker.TryLock(ctx, key, s.ttl)
	if err != nil {
		s.l.Warn("symbol lock unavailable", applogger.String("symbol", symbol), applogger.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, ErrSymbolBusy
	}
	return func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
			s.l.Warn("symbol unlock", applogger.String("symbol", symbol), applogger.Error(err))
		}
	}, nil
}
