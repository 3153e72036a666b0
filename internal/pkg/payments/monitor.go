package payments

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/listahub/ListaPay/internal/pkg/cache"
	"github.com/listahub/ListaPay/internal/pkg/env"
)

const sweepLeaseKey = "payments:sweep:lease"

// Monitor periodically settles what webhooks missed: it polls the gateway
// for stale unsettled transactions, re-runs lost side effects and clears
// lapsed featured plans. Webhooks remain the fast path; the monitor is the
// safety net behind them.
type Monitor struct {
	service     *Service
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool

	sweepInterval time.Duration
	staleAfter    time.Duration
	batchSize     int

	// disableLease skips the cross-instance lease; tests run without Redis.
	disableLease bool
}

// NewMonitor builds a monitor from the environment:
// PAYMENT_SWEEP_INTERVAL (seconds between sweeps), PAYMENT_STALE_AFTER
// (seconds a pending transaction may go unchecked) and
// PAYMENT_SWEEP_BATCH (rows per sweep).
func NewMonitor(service *Service) *Monitor {
	return &Monitor{
		service:       service,
		stopCh:        make(chan struct{}),
		sweepInterval: envSeconds("PAYMENT_SWEEP_INTERVAL", 120),
		staleAfter:    envSeconds("PAYMENT_STALE_AFTER", 90),
		batchSize:     envInt("PAYMENT_SWEEP_BATCH", 50),
	}
}

// Start launches the sweep worker. Safe to call more than once.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate the stop channel so the monitor can be restarted after Stop.
	m.stopCh = make(chan struct{})
	m.running = true

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	log.Infof("[PaymentMonitor] started (interval: %s, stale after: %s, batch: %d)",
		m.sweepInterval, m.staleAfter, m.batchSize)
}

// Stop halts the sweep worker and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	log.Info("[PaymentMonitor] stopped")
}

func (m *Monitor) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[PaymentMonitor] sweep worker stopping")
			return
		case <-m.sweepTicker.C:
			m.RunSweepOnce()
		}
	}
}

// RunSweepOnce executes a single sweep cycle. When several instances share
// one database, a Redis lease keeps the cycle single-flight; if the lease
// cannot be taken because Redis is down, the sweep runs anyway since the
// side-effect claim on each transaction keeps duplicate sweeps harmless.
func (m *Monitor) RunSweepOnce() {
	if !m.disableLease {
		held, err := cache.AcquireLease(sweepLeaseKey, m.sweepInterval)
		if err != nil {
			log.Warnf("[PaymentMonitor] sweep lease unavailable, sweeping without it: %v", err)
		} else if !held {
			log.Debug("[PaymentMonitor] another instance holds the sweep lease")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.sweepInterval)
	defer cancel()

	staleBefore := time.Now().Add(-m.staleAfter)
	polled, err := m.service.SweepUnresolved(ctx, staleBefore, m.batchSize)
	if err != nil {
		log.Errorf("[PaymentMonitor] unresolved sweep error: %v", err)
	}

	applied, err := m.service.SweepUnappliedSideEffects(ctx, m.batchSize)
	if err != nil {
		log.Errorf("[PaymentMonitor] side-effect sweep error: %v", err)
	}

	cleared, err := m.service.ClearExpiredFeatured(time.Now())
	if err != nil {
		log.Errorf("[PaymentMonitor] featured cleanup error: %v", err)
	}

	if polled > 0 || applied > 0 || cleared > 0 {
		log.Infof("[PaymentMonitor] sweep done: polled=%d side_effects=%d featured_cleared=%d", polled, applied, cleared)
	}
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envInt(key string, fallback int) int {
	raw := env.GetEnv(key, strconv.Itoa(fallback))
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
