package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// background runs detached tasks with bounded concurrency. Deduplicated
// tasks sharing a key while one is in flight are collapsed into it.
// Failures are logged.
type background struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	group   singleflight.Group
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newBackground(limit int, timeout time.Duration, logger zerolog.Logger) *background {
	return &background{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		logger:  logger,
	}
}

// submit schedules fn. It returns false when the pool is saturated or
// closed; the task is then not run.
func (b *background) submit(kind, key string, dedupe bool, fn func(ctx context.Context) error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		backgroundTasksTotal.WithLabelValues(kind, "rejected").Inc()
		return false
	}
	select {
	case b.sem <- struct{}{}:
	default:
		b.mu.Unlock()
		backgroundTasksTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		var err error
		var shared bool
		if dedupe {
			_, err, shared = b.group.Do(kind+" "+key, func() (any, error) {
				return nil, fn(ctx)
			})
		} else {
			err = fn(ctx)
		}
		switch {
		case err != nil:
			backgroundTasksTotal.WithLabelValues(kind, "failed").Inc()
			b.logger.Debug().Err(err).Str("kind", kind).Str("key", key).Msg("Background task failed")
		case shared:
			backgroundTasksTotal.WithLabelValues(kind, "shared").Inc()
		default:
			backgroundTasksTotal.WithLabelValues(kind, "ok").Inc()
		}
	}()
	return true
}

// wait blocks until every submitted task has finished.
func (b *background) wait() {
	b.wg.Wait()
}

// close rejects new tasks and drains running ones.
func (b *background) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
