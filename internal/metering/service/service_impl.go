package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hourmeter/internal/clock"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	"github.com/smallbiznis/hourmeter/internal/observability/metrics"
	"github.com/smallbiznis/hourmeter/internal/rate"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Ledger ledgerdomain.Service
	Rates  *rate.Resolver
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	ledger ledgerdomain.Service
	rates  *rate.Resolver
}

func NewService(p Params) meteringdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("metering.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
		rates:  p.Rates,
	}
}

// chargeWindow is one metering attempt for [periodStart, periodEnd). The
// debit, the cycle record and the anchor advance commit or roll back as a
// unit. Business failures commit a failed record without touching the anchor
// so the same window is retried next run; everything else rolls back whole.
type chargeWindow struct {
	inst         instancedomain.BillableInstance
	periodStart  time.Time
	periodEnd    time.Time
	hours        int64
	rate         int64
	rateFallback bool
	description  string
}

func (s *Service) Bill(ctx context.Context, inst instancedomain.BillableInstance) (meteringdomain.CycleOutcome, error) {
	now := s.clock.Now()

	// Whole hours only. Partial hours stay unbilled until they complete,
	// which also covers downtime catch-up: a 3.7h gap bills exactly 3 hours
	// and leaves the anchor 0.7h behind now.
	elapsed := int64(now.Sub(inst.AnchorAt) / time.Hour)
	if elapsed < 1 {
		return meteringdomain.CycleOutcome{
			Status:      meteringdomain.OutcomeSkipped,
			PeriodStart: inst.AnchorAt,
			PeriodEnd:   inst.AnchorAt,
		}, nil
	}
	periodEnd := inst.AnchorAt.Add(time.Duration(elapsed) * time.Hour)

	hourlyRate, fallback, err := s.resolveRate(ctx, inst)
	if err != nil {
		return meteringdomain.CycleOutcome{}, err
	}

	return s.charge(ctx, chargeWindow{
		inst:         inst,
		periodStart:  inst.AnchorAt,
		periodEnd:    periodEnd,
		hours:        elapsed,
		rate:         hourlyRate,
		rateFallback: fallback,
		description:  fmt.Sprintf("hourly usage: %d hour(s)", elapsed),
	})
}

func (s *Service) InitialCharge(ctx context.Context, inst instancedomain.BillableInstance) (meteringdomain.CycleOutcome, error) {
	hourlyRate, fallback, err := s.resolveRate(ctx, inst)
	if err != nil {
		return meteringdomain.CycleOutcome{}, err
	}

	// The first hour is prepaid at registration. Advancing the anchor one
	// hour past creation means the next debit lands at the end of hour two.
	return s.charge(ctx, chargeWindow{
		inst:         inst,
		periodStart:  inst.AnchorAt,
		periodEnd:    inst.AnchorAt.Add(time.Hour),
		hours:        1,
		rate:         hourlyRate,
		rateFallback: fallback,
		description:  "initial hour charge",
	})
}

// resolveRate prefers the plan-derived rate and keeps the stored per-instance
// rate as the safety net when plan lookup fails.
func (s *Service) resolveRate(ctx context.Context, inst instancedomain.BillableInstance) (int64, bool, error) {
	if inst.PlanID == nil {
		return inst.HourlyRate, false, nil
	}
	hourlyRate, fallback, err := s.rates.HourlyRate(ctx, *inst.PlanID)
	if err != nil {
		if inst.HourlyRate > 0 {
			s.log.Warn("rate lookup failed, using stored instance rate",
				zap.String("instance_id", inst.InstanceID.String()),
				zap.Int64("stored_rate", inst.HourlyRate),
				zap.Error(err),
			)
			return inst.HourlyRate, false, nil
		}
		return 0, false, err
	}
	return hourlyRate, fallback, nil
}

func (s *Service) charge(ctx context.Context, w chargeWindow) (meteringdomain.CycleOutcome, error) {
	amount := w.rate * w.hours
	outcome := meteringdomain.CycleOutcome{
		Status:       meteringdomain.OutcomeBilled,
		Hours:        w.hours,
		Amount:       amount,
		PeriodStart:  w.periodStart,
		PeriodEnd:    w.periodEnd,
		RateFallback: w.rateFallback,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instanceID := w.inst.InstanceID
		entry, debitErr := s.ledger.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
			OrganizationID:    w.inst.OrganizationID,
			Amount:            amount,
			Description:       w.description,
			RelatedInstanceID: &instanceID,
			Metadata: map[string]any{
				"instance_id":  w.inst.InstanceID.String(),
				"period_start": w.periodStart.Format(time.RFC3339),
				"period_end":   w.periodEnd.Format(time.RFC3339),
				"hours":        w.hours,
				"hourly_rate":  w.rate,
			},
		})
		switch {
		case errors.Is(debitErr, ledgerdomain.ErrInsufficientBalance):
			outcome.Status = meteringdomain.OutcomeFailed
			outcome.FailureReason = meteringdomain.ReasonInsufficientBalance
		case errors.Is(debitErr, ledgerdomain.ErrWalletNotFound):
			outcome.Status = meteringdomain.OutcomeFailed
			outcome.FailureReason = meteringdomain.ReasonWalletMissing
		case debitErr != nil:
			return debitErr
		}

		record := meteringdomain.BillingCycleRecord{
			ID:             s.genID.Generate(),
			InstanceID:     w.inst.InstanceID,
			OrganizationID: w.inst.OrganizationID,
			PeriodStart:    w.periodStart,
			PeriodEnd:      w.periodEnd,
			Hours:          w.hours,
			HourlyRate:     w.rate,
			TotalAmount:    amount,
			Status:         meteringdomain.CycleStatusBilled,
			FailureReason:  outcome.FailureReason,
			Metadata:       s.cycleMetadata(w),
			CreatedAt:      s.clock.Now(),
		}
		if outcome.Status == meteringdomain.OutcomeFailed {
			// Commit the failed record for the audit trail; the untouched
			// anchor keeps the window open for the next run.
			record.Status = meteringdomain.CycleStatusFailed
			outcome.RecordID = record.ID
			return tx.WithContext(ctx).Create(&record).Error
		}

		entryID := entry.ID
		record.LedgerEntryID = &entryID
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}

		// Compare-and-swap on the anchor the instance was loaded with. Zero
		// rows means another process already billed this window; roll the
		// whole cycle back, debit included.
		result := tx.WithContext(ctx).Model(&instancedomain.BillableInstance{}).
			Where("instance_id = ? AND anchor_at = ?", w.inst.InstanceID, w.inst.AnchorAt).
			Updates(map[string]any{"anchor_at": w.periodEnd, "hourly_rate": w.rate})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return meteringdomain.ErrAnchorConflict
		}

		outcome.LedgerEntryID = &entryID
		outcome.RecordID = record.ID
		return nil
	})
	if err != nil {
		s.recordFailure(w, err)
		return meteringdomain.CycleOutcome{}, err
	}

	s.recordOutcome(w, outcome)
	return outcome, nil
}

func (s *Service) cycleMetadata(w chargeWindow) datatypes.JSONMap {
	metadata := datatypes.JSONMap{
		"label": w.inst.Label,
	}
	if w.rateFallback {
		metadata["rate_fallback"] = true
	}
	if w.inst.PlanID != nil {
		metadata["plan_id"] = w.inst.PlanID.String()
	}
	return metadata
}

func (s *Service) recordFailure(w chargeWindow, err error) {
	reason := meteringdomain.ReasonDebitError
	if errors.Is(err, meteringdomain.ErrAnchorConflict) {
		reason = "anchor_conflict"
	}
	metrics.Metering().IncCycle(string(meteringdomain.OutcomeFailed))
	metrics.Metering().IncCycleFailure(string(reason))
	s.log.Error("metering.cycle_error",
		zap.String("instance_id", w.inst.InstanceID.String()),
		zap.String("org_id", w.inst.OrganizationID.String()),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
}

func (s *Service) recordOutcome(w chargeWindow, outcome meteringdomain.CycleOutcome) {
	metrics.Metering().IncCycle(string(outcome.Status))
	switch outcome.Status {
	case meteringdomain.OutcomeBilled:
		metrics.Metering().AddCharged(outcome.Amount, outcome.Hours)
		s.log.Info("metering.cycle_billed",
			zap.String("instance_id", w.inst.InstanceID.String()),
			zap.String("org_id", w.inst.OrganizationID.String()),
			zap.Int64("hours", outcome.Hours),
			zap.Int64("amount", outcome.Amount),
			zap.Time("period_end", outcome.PeriodEnd),
		)
	case meteringdomain.OutcomeFailed:
		metrics.Metering().IncCycleFailure(string(outcome.FailureReason))
		s.log.Warn("metering.cycle_failed",
			zap.String("instance_id", w.inst.InstanceID.String()),
			zap.String("org_id", w.inst.OrganizationID.String()),
			zap.String("reason", string(outcome.FailureReason)),
			zap.Int64("amount", outcome.Amount),
		)
	}
}
