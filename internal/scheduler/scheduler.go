package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hourmeter/internal/clock"
	"github.com/smallbiznis/hourmeter/internal/config"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	"github.com/smallbiznis/hourmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidConfig = errors.New("scheduler: invalid configuration")
	ErrRunInProgress = errors.New("scheduler: run already in progress")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Billing   *config.BillingConfigHolder
	Instances instancedomain.Repository
	Metering  meteringdomain.Service
}

// Scheduler drives the hourly metering sweep. Organizations are billed
// concurrently, instances within one organization sequentially so the
// wallet row lock is never contended from inside a single run.
type Scheduler struct {
	log       *zap.Logger
	clock     clock.Clock
	billing   *config.BillingConfigHolder
	instances instancedomain.Repository
	metering  meteringdomain.Service

	runMu sync.Mutex

	mu      sync.Mutex
	lastRun *RunSummary
}

// RunSummary aggregates one sweep for logs and health reporting.
type RunSummary struct {
	StartedAt     time.Time
	Duration      time.Duration
	Candidates    int
	Billed        int
	Failed        int
	Skipped       int
	Errors        int
	ChargedAmount int64
	BilledHours   int64
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Billing == nil || p.Instances == nil || p.Metering == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:     p.Clock,
		billing:   p.Billing,
		instances: p.Instances,
		metering:  p.Metering,
	}, nil
}

// RunOnce performs one complete sweep over every billable instance.
// Overlapping invocations are rejected with ErrRunInProgress rather than
// queued; the next tick picks up whatever this run leaves behind.
func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	if !s.runMu.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	cfg := s.billing.Get()
	started := s.clock.Now()
	summary := RunSummary{StartedAt: started}

	candidates, err := s.instances.ListBillable(ctx, started, cfg.BatchSize)
	if err != nil {
		s.log.Error("scheduler.list_billable.failed", zap.Error(err))
		return summary, err
	}
	summary.Candidates = len(candidates)

	var (
		sumMu sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(cfg.OrgConcurrency)

	for _, group := range groupByOrganization(candidates) {
		group := group
		g.Go(func() error {
			local := RunSummary{}
			for _, inst := range group {
				if ctx.Err() != nil {
					local.Errors++
					break
				}
				s.billInstance(ctx, inst, cfg.BillTimeout, &local)
			}
			sumMu.Lock()
			summary.merge(local)
			sumMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(started)
	metrics.Metering().ObserveRun(summary.Duration, summary.Candidates)
	s.logRunSummary(summary)

	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()
	return summary, nil
}

// billInstance meters one instance under its own deadline so a single stuck
// transaction cannot stall the whole organization's run.
func (s *Scheduler) billInstance(ctx context.Context, inst instancedomain.BillableInstance, timeout time.Duration, local *RunSummary) {
	billCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := s.metering.Bill(billCtx, inst)
	if err != nil {
		local.Errors++
		s.log.Error("scheduler.bill.failed",
			zap.String("instance_id", idString(inst.InstanceID)),
			zap.String("org_id", idString(inst.OrganizationID)),
			zap.Error(err),
		)
		return
	}

	switch outcome.Status {
	case meteringdomain.OutcomeBilled:
		local.Billed++
		local.ChargedAmount += outcome.Amount
		local.BilledHours += outcome.Hours
	case meteringdomain.OutcomeFailed:
		local.Failed++
	case meteringdomain.OutcomeSkipped:
		local.Skipped++
	}
}

// RunForever loops RunOnce on the configured interval after a short startup
// delay. The first run doubles as downtime catch-up: every hour that
// completed while the process was down is billed immediately.
func (s *Scheduler) RunForever(ctx context.Context) {
	cfg := s.billing.Get()

	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.StartupDelay):
	}

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		// Re-read the interval every iteration so config reloads take
		// effect without a restart.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.billing.Get().RunInterval):
		}
	}
}

// LastRun returns the most recent completed sweep, nil before the first one.
func (s *Scheduler) LastRun() *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (r *RunSummary) merge(other RunSummary) {
	r.Billed += other.Billed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Errors += other.Errors
	r.ChargedAmount += other.ChargedAmount
	r.BilledHours += other.BilledHours
}

// groupByOrganization buckets instances per org, preserving the repository's
// created_at ordering inside each bucket and the order in which orgs first
// appear across buckets.
func groupByOrganization(instances []instancedomain.BillableInstance) [][]instancedomain.BillableInstance {
	index := make(map[snowflake.ID]int, len(instances))
	groups := make([][]instancedomain.BillableInstance, 0, len(instances))
	for _, inst := range instances {
		i, ok := index[inst.OrganizationID]
		if !ok {
			i = len(groups)
			index[inst.OrganizationID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], inst)
	}
	return groups
}
