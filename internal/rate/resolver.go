package rate

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/hourmeter/internal/config"
	plandomain "github.com/smallbiznis/hourmeter/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HoursPerBillingMonth is the calendar-hour average used to derive hourly
// rates from monthly plan prices.
const HoursPerBillingMonth = 730

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Billing *config.BillingConfigHolder
}

// Resolver computes an instance's effective hourly rate from its plan.
type Resolver struct {
	db      *gorm.DB
	log     *zap.Logger
	billing *config.BillingConfigHolder
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		db:      p.DB,
		log:     p.Log.Named("rate.resolver"),
		billing: p.Billing,
	}
}

// HourlyRate returns the rate in minor units per hour and whether the
// configured fallback was used. A missing plan never blocks metering: it
// degrades to the fallback rate, flagged so the cycle record can carry it
// for later reconciliation. Only storage errors are returned.
func (r *Resolver) HourlyRate(ctx context.Context, planID snowflake.ID) (int64, bool, error) {
	if planID == 0 {
		return r.fallbackRate(), true, nil
	}

	var plan plandomain.Plan
	err := r.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Warn("plan missing, using fallback rate",
			zap.String("plan_id", planID.String()),
			zap.Int64("fallback_rate", r.fallbackRate()),
		)
		return r.fallbackRate(), true, nil
	}
	if err != nil {
		return 0, false, err
	}

	return HourlyFromMonthly(plan.MonthlyPrice()), false, nil
}

// HourlyFromMonthly divides a monthly price by HoursPerBillingMonth,
// rounding half away from zero to whole minor units, clamped to at least 1.
func HourlyFromMonthly(monthly int64) int64 {
	rate := decimal.NewFromInt(monthly).
		DivRound(decimal.NewFromInt(HoursPerBillingMonth), 0).
		IntPart()
	if rate < 1 {
		rate = 1
	}
	return rate
}

func (r *Resolver) fallbackRate() int64 {
	if r.billing == nil {
		return config.DefaultBillingConfig().DefaultHourlyRate
	}
	return r.billing.Get().DefaultHourlyRate
}

var Module = fx.Module("rate",
	fx.Provide(NewResolver),
)
