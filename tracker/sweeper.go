package tracker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultSweepInterval is how often the sweeper scans for stale peers.
	DefaultSweepInterval = 30 * time.Second
	// DefaultStaleThreshold is how long a peer may go without a heartbeat
	// before eviction (twice the sweep interval).
	DefaultStaleThreshold = 2 * DefaultSweepInterval
)

// SweeperOptions configures the liveness sweeper.
type SweeperOptions struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Sweeper periodically evicts directory entries whose heartbeat lapsed.
//
// Eviction races with an in-flight heartbeat for the same identity are
// accepted: whichever write lands last wins, and an evicted peer simply
// re-registers on its next heartbeat failure.
type Sweeper struct {
	store *Store

	interval       time.Duration
	staleThreshold time.Duration
	clock          clock.Clock
	logger         *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewSweeper creates a sweeper with defaults applied.
func NewSweeper(store *Store, options SweeperOptions) *Sweeper {
	interval := options.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	threshold := options.StaleThreshold
	if threshold <= 0 {
		threshold = 2 * interval
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		store:          store,
		interval:       interval,
		staleThreshold: threshold,
		clock:          clk,
		logger:         logger,
		stop:           make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

// SweepOnce runs a single eviction pass and returns how many records
// were removed.
func (s *Sweeper) SweepOnce() (int64, error) {
	cutoff := s.clock.Now().Add(-s.staleThreshold)
	return s.store.RemoveStale(cutoff)
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.SweepOnce()
			if err != nil {
				s.logger.Warn("liveness sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("evicted stale peers", zap.Int64("count", removed))
			}
		case <-s.stop:
			return
		}
	}
}
