package store

import (
	"context"
	"sync"
	"time"

	"ragent/internal/logging"
)

// StartJanitor runs CleanupExpired every interval until the returned stop
// function is called or ctx is cancelled. stop blocks until the loop exits.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
					logging.StoreWarn("Cache janitor sweep failed: %v", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
