/*
locker.go - Per-discount mutual exclusion

PURPOSE:
  Allocation, approval, rejection and revocation of one discount rule all
  read budget headroom and installment dues, then write them back. Two such
  operations on the same discount must not interleave. Operations on
  different discounts may run in parallel.

IMPLEMENTATIONS:
  KeyedMutex:  in-process, one lock per key, freed when nobody holds or waits
  RedisLocker: across instances, SET NX PX with a token-checked release

  Both give up after a timeout with ErrLockTimeout; callers may retry.

SEE ALSO:
  - locker_redis.go
  - service.go: every mutating operation runs under Lock(discountID)
*/
package discount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/fee-engine/generic"
)

// Locker serializes work per key. The returned unlock must be called once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

type KeyedMutex struct {
	mu      sync.Mutex
	locks   map[string]*keyedLock
	timeout time.Duration
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex builds a locker whose Lock waits at most timeout. Zero
// means wait until ctx is done.
func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock), timeout: timeout}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	var timeout <-chan time.Time
	if k.timeout > 0 {
		t := time.NewTimer(k.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				k.release(key, l)
			})
		}, nil
	case <-timeout:
		k.release(key, l)
		return nil, fmt.Errorf("lock %s after %s: %w", key, k.timeout, generic.ErrLockTimeout)
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len is the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
