package auth

import (
	"context"
	"time"

	"github.com/brizzai/oidc-agent/internal/logger"
	"go.uber.org/zap"
)

// RefreshScheduler periodically nudges the Service to refresh while a
// session is live. The ticker exists only between entering and leaving
// Authenticated; it is cancelled deterministically on logout, refresh
// failure and process teardown, so no timer can outlive its session.
//
// Each tick simply calls RefreshToken(ctx, false): the buffer, cooldown and
// expiry-override policy lives in the Service so manual and scheduled
// refreshes follow the same rule, and the in-flight guard there keeps ticks
// from stacking.
type RefreshScheduler struct {
	svc      *Service
	interval time.Duration

	events chan State
	stop   chan struct{}
	done   chan struct{}
}

func NewRefreshScheduler(svc *Service, interval time.Duration) *RefreshScheduler {
	s := &RefreshScheduler{
		svc:      svc,
		interval: interval,
		events:   make(chan State, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	svc.OnChange(func(st State) {
		// Non-blocking: the observer runs under the service's lock.
		select {
		case s.events <- st:
		default:
		}
	})
	return s
}

// Start launches the scheduler loop. If a session is already live (restored
// by Bootstrap before Start), the timer is armed immediately.
func (s *RefreshScheduler) Start() {
	go s.run(s.svc.State())
}

// Stop tears the scheduler down and waits for its goroutine to exit.
func (s *RefreshScheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *RefreshScheduler) run(initial State) {
	defer close(s.done)

	var ticker *time.Ticker
	var tick <-chan time.Time

	arm := func() {
		if ticker == nil {
			ticker = time.NewTicker(s.interval)
			tick = ticker.C
			logger.Debug("refresh scheduler armed", zap.Duration("interval", s.interval))
		}
	}
	disarm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
			logger.Debug("refresh scheduler disarmed")
		}
	}
	defer disarm()

	if initial == StateAuthenticated {
		arm()
	}

	for {
		select {
		case st := <-s.events:
			switch st {
			case StateAuthenticated:
				arm()
			case StateUnauthenticated:
				disarm()
			}
		case <-tick:
			// A background check must never crash the host process; any
			// failure already converged the service on a safe state.
			if err := s.svc.RefreshToken(context.Background(), false); err != nil {
				logger.Debug("scheduled refresh did not complete", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}
