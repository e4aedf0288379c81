package redelivery

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically drops expired attempt records from stores that do not
// expire entries on their own.
type Sweeper struct {
	stores   []Expirer
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewSweeper creates a sweeper over stores. A non-positive interval selects
// DefaultExpirationInterval and a nil logger selects slog.Default().
func NewSweeper(logger *slog.Logger, interval time.Duration, stores ...Expirer) *Sweeper {
	if interval <= 0 {
		interval = DefaultExpirationInterval
	}
	return &Sweeper{
		stores:   stores,
		interval: interval,
		logger:   loggerOrDefault(logger),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop. Call with a cancellable context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		defer close(s.done)
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) int {
	total := 0
	for _, st := range s.stores {
		n, err := st.Sweep(ctx)
		if err != nil {
			s.logger.Error("redelivery sweeper: sweep failed", "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Debug("redelivery sweeper: expired attempt records removed", "count", total)
	}
	return total
}
