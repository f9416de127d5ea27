package ledger

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// userLocks выдаёт по одному семафору на пользователя. Записи удаляются, когда ими никто не пользуется.
type userLocks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[int64]*lockEntry)}
}

// acquire ждёт блокировку пользователя не дольше, чем живёт ctx.
func (l *userLocks) acquire(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(userID, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(userID, e)
		})
	}, nil
}

func (l *userLocks) unref(userID int64, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, userID)
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
