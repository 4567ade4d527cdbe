// Package audit periodically re-derives every product's quantity from its
// batches and repairs any mismatch.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pantry/internal/models"
	"pantry/internal/monitoring"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is the part of the ledger the audit needs.
type Reconciler interface {
	Products(ctx context.Context, householdID string) ([]models.Product, error)
	Reconcile(ctx context.Context, productID string) (bool, error)
}

// Report summarizes one audit pass.
type Report struct {
	Checked  int
	Repaired int
	Failed   int
	Duration time.Duration
}

// Auditor runs reconciliation passes on a worker pool, on demand or on a
// cron schedule.
type Auditor struct {
	ledger  Reconciler
	pool    *ants.Pool
	log     *zap.Logger
	monitor *monitoring.Monitor

	mu    sync.Mutex
	sched *cron.Cron
}

// New creates an Auditor that reconciles up to workers products at once.
func New(ledger Reconciler, workers int, log *zap.Logger, monitor *monitoring.Monitor) (*Auditor, error) {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create audit worker pool: %w", err)
	}
	return &Auditor{
		ledger:  ledger,
		pool:    pool,
		log:     log.Named("audit"),
		monitor: monitor,
	}, nil
}

// RunOnce reconciles every product in the store. Products are independent,
// so they are processed concurrently. A failure on one product is logged and
// counted; only a failure to list products is returned.
func (a *Auditor) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	products, err := a.ledger.Products(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("list products: %w", err)
	}

	var (
		wg       sync.WaitGroup
		repaired int64
		failed   int64
	)
	for _, p := range products {
		id := p.ID
		wg.Add(1)
		err := a.pool.Submit(func() {
			defer wg.Done()
			changed, err := a.ledger.Reconcile(ctx, id)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				a.log.Warn("reconcile failed", zap.String("product", id), zap.Error(err))
				return
			}
			if changed {
				atomic.AddInt64(&repaired, 1)
				a.monitor.RecordAuditRepair()
			}
		})
		if err != nil {
			wg.Done()
			atomic.AddInt64(&failed, 1)
			a.log.Warn("submit reconcile task", zap.String("product", id), zap.Error(err))
		}
	}
	wg.Wait()

	report := Report{
		Checked:  len(products),
		Repaired: int(repaired),
		Failed:   int(failed),
		Duration: time.Since(start),
	}
	a.log.Info("audit pass finished",
		zap.Int("checked", report.Checked),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Start schedules RunOnce with a cron spec such as "@every 1h". Overlapping
// runs are skipped.
func (a *Auditor) Start(ctx context.Context, schedule string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sched != nil {
		return fmt.Errorf("audit already started")
	}
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := sched.AddFunc(schedule, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.log.Error("audit pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}
	sched.Start()
	a.sched = sched
	a.log.Info("audit scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule, waits for a running pass and releases the pool.
func (a *Auditor) Stop() {
	a.mu.Lock()
	sched := a.sched
	a.sched = nil
	a.mu.Unlock()
	if sched != nil {
		<-sched.Stop().Done()
	}
	a.pool.Release()
}
