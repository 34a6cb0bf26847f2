package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hourmeter/internal/clock"
	"github.com/smallbiznis/hourmeter/internal/config"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/hourmeter/internal/ledger/service"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	plandomain "github.com/smallbiznis/hourmeter/internal/plan/domain"
	"github.com/smallbiznis/hourmeter/internal/rate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	ledger   ledgerdomain.Service
	metering meteringdomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&plandomain.Plan{},
		&instancedomain.BillableInstance{},
		&meteringdomain.BillingCycleRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	resolver := rate.NewResolver(rate.Params{
		DB:      db,
		Log:     log,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	meteringSvc := NewService(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Ledger: ledgerSvc,
		Rates:  resolver,
	})

	return &testEnv{db: db, clock: fake, ledger: ledgerSvc, metering: meteringSvc}
}

func (e *testEnv) fundWallet(t *testing.T, orgID snowflake.ID, amount int64) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), ledgerdomain.CreditRequest{
		OrganizationID: orgID,
		Amount:         amount,
		Method:         ledgerdomain.MethodExternalPayment,
	})
	require.NoError(t, err)
}

func (e *testEnv) createInstance(t *testing.T, inst instancedomain.BillableInstance) instancedomain.BillableInstance {
	t.Helper()
	require.NoError(t, e.db.Create(&inst).Error)
	return inst
}

func (e *testEnv) reload(t *testing.T, id snowflake.ID) instancedomain.BillableInstance {
	t.Helper()
	var inst instancedomain.BillableInstance
	require.NoError(t, e.db.Where("instance_id = ?", id).First(&inst).Error)
	return inst
}

func (e *testEnv) balance(t *testing.T, orgID snowflake.ID) int64 {
	t.Helper()
	wallet, err := e.ledger.WalletBalance(context.Background(), orgID)
	require.NoError(t, err)
	return wallet.Balance
}

func TestBill_ChargesWholeElapsedHours(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(1)
	env.fundWallet(t, orgID, 1000)

	anchor := env.clock.Now().Add(-5 * time.Hour)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(10),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(5), outcome.Hours)
	assert.Equal(t, int64(50), outcome.Amount)
	assert.Equal(t, int64(950), env.balance(t, orgID))

	reloaded := env.reload(t, inst.InstanceID)
	assert.True(t, reloaded.AnchorAt.Equal(anchor.Add(5*time.Hour)))

	var record meteringdomain.BillingCycleRecord
	require.NoError(t, env.db.Where("instance_id = ?", inst.InstanceID).First(&record).Error)
	assert.Equal(t, meteringdomain.CycleStatusBilled, record.Status)
	assert.Equal(t, int64(5), record.Hours)
	assert.NotNil(t, record.LedgerEntryID)
}

func TestBill_PartialHourCatchUp(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(2)
	env.fundWallet(t, orgID, 1000)

	// 3.7 hours of downtime bills exactly 3 whole hours. The remaining 0.7h
	// stays on the anchor and is billed once it completes.
	anchor := env.clock.Now().Add(-(3*time.Hour + 42*time.Minute))
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(20),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, int64(3), outcome.Hours)
	assert.Equal(t, int64(30), outcome.Amount)

	reloaded := env.reload(t, inst.InstanceID)
	assert.True(t, reloaded.AnchorAt.Equal(anchor.Add(3*time.Hour)))

	// The leftover partial hour is not billable yet.
	outcome, err = env.metering.Bill(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeSkipped, outcome.Status)
	assert.Equal(t, int64(970), env.balance(t, orgID))

	// Once it completes, exactly one more hour is billed.
	env.clock.Advance(18 * time.Minute)
	outcome, err = env.metering.Bill(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(1), outcome.Hours)
	assert.Equal(t, int64(960), env.balance(t, orgID))
}

func TestBill_LessThanOneHourSkips(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(3)
	env.fundWallet(t, orgID, 1000)

	anchor := env.clock.Now().Add(-30 * time.Minute)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(30),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeSkipped, outcome.Status)
	assert.Equal(t, int64(1000), env.balance(t, orgID))

	var count int64
	require.NoError(t, env.db.Model(&meteringdomain.BillingCycleRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBill_InsufficientBalanceIsNonDestructive(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(4)
	env.fundWallet(t, orgID, 20)

	anchor := env.clock.Now().Add(-3 * time.Hour)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(40),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	// 3 hours at 10 needs 30 but only 20 is available. Nothing is debited,
	// not even the affordable 2 hours; the cycle is all or nothing.
	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeFailed, outcome.Status)
	assert.Equal(t, meteringdomain.ReasonInsufficientBalance, outcome.FailureReason)
	assert.Equal(t, int64(20), env.balance(t, orgID))

	reloaded := env.reload(t, inst.InstanceID)
	assert.True(t, reloaded.AnchorAt.Equal(anchor), "failed cycle must not advance the anchor")

	var record meteringdomain.BillingCycleRecord
	require.NoError(t, env.db.Where("instance_id = ?", inst.InstanceID).First(&record).Error)
	assert.Equal(t, meteringdomain.CycleStatusFailed, record.Status)
	assert.Equal(t, meteringdomain.ReasonInsufficientBalance, record.FailureReason)
	assert.Nil(t, record.LedgerEntryID)

	// After a top-up the retried cycle bills the full backlog.
	env.fundWallet(t, orgID, 100)
	outcome, err = env.metering.Bill(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(3), outcome.Hours)
	assert.Equal(t, int64(90), env.balance(t, orgID))
}

func TestBill_WalletMissingFailsAndRetries(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(5)

	anchor := env.clock.Now().Add(-2 * time.Hour)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(50),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeFailed, outcome.Status)
	assert.Equal(t, meteringdomain.ReasonWalletMissing, outcome.FailureReason)

	// Creating the wallet afterwards lets the next run recover.
	env.fundWallet(t, orgID, 100)
	outcome, err = env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(2), outcome.Hours)
	assert.Equal(t, int64(80), env.balance(t, orgID))
}

func TestBill_StaleAnchorConflicts(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(6)
	env.fundWallet(t, orgID, 1000)

	anchor := env.clock.Now().Add(-2 * time.Hour)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(60),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(980), env.balance(t, orgID))

	// Billing again from the stale snapshot must not double charge: the
	// anchor compare-and-swap fails and the whole transaction rolls back.
	_, err = env.metering.Bill(context.Background(), inst)
	assert.ErrorIs(t, err, meteringdomain.ErrAnchorConflict)
	assert.Equal(t, int64(980), env.balance(t, orgID))

	// A fresh snapshot simply has nothing billable left.
	outcome, err = env.metering.Bill(context.Background(), env.reload(t, inst.InstanceID))
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeSkipped, outcome.Status)
}

func TestInitialCharge_PrepaysFirstHour(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(7)
	env.fundWallet(t, orgID, 100)

	created := env.clock.Now()
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(70),
		OrganizationID: orgID,
		HourlyRate:     10,
		AnchorAt:       created,
		CreatedAt:      created,
	})

	outcome, err := env.metering.InitialCharge(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(1), outcome.Hours)
	assert.Equal(t, int64(10), outcome.Amount)
	assert.Equal(t, int64(90), env.balance(t, orgID))

	// The anchor lands one hour ahead of creation, so at T+1h30m the second
	// hour is still incomplete and nothing more is charged.
	reloaded := env.reload(t, inst.InstanceID)
	assert.True(t, reloaded.AnchorAt.Equal(created.Add(time.Hour)))

	env.clock.Advance(90 * time.Minute)
	billOutcome, err := env.metering.Bill(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeSkipped, billOutcome.Status)
	assert.Equal(t, int64(90), env.balance(t, orgID))

	// At T+2h the second hour has completed.
	env.clock.Advance(30 * time.Minute)
	billOutcome, err = env.metering.Bill(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, billOutcome.Status)
	assert.Equal(t, int64(1), billOutcome.Hours)
	assert.Equal(t, int64(80), env.balance(t, orgID))
}

func TestBill_PlanDerivedRate(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(8)
	env.fundWallet(t, orgID, 1000)

	now := env.clock.Now()
	plan := plandomain.Plan{
		ID:          snowflake.ID(800),
		Name:        "standard",
		BasePrice:   5110,
		MarkupPrice: 2190,
		Currency:    "USD",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, env.db.Create(&plan).Error)

	anchor := now.Add(-2 * time.Hour)
	planID := plan.ID
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(80),
		OrganizationID: orgID,
		PlanID:         &planID,
		HourlyRate:     7, // stale cached rate, plan wins
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	// (5110 + 2190) / 730 = 10 per hour, 2 hours elapsed.
	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.Equal(t, int64(20), outcome.Amount)
	assert.False(t, outcome.RateFallback)

	// The resolved rate is cached back onto the instance.
	assert.Equal(t, int64(10), env.reload(t, inst.InstanceID).HourlyRate)
}

func TestBill_MissingPlanUsesFallbackRate(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(9)
	env.fundWallet(t, orgID, 1000)

	anchor := env.clock.Now().Add(-2 * time.Hour)
	ghostPlan := snowflake.ID(901)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(90),
		OrganizationID: orgID,
		PlanID:         &ghostPlan,
		HourlyRate:     7,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	outcome, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.OutcomeBilled, outcome.Status)
	assert.True(t, outcome.RateFallback)
	fallback := config.DefaultBillingConfig().DefaultHourlyRate
	assert.Equal(t, fallback*2, outcome.Amount)

	var record meteringdomain.BillingCycleRecord
	require.NoError(t, env.db.Where("instance_id = ?", inst.InstanceID).First(&record).Error)
	assert.Equal(t, true, record.Metadata["rate_fallback"])
}

func TestBill_BalanceAlwaysMatchesLedger(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(11)
	env.fundWallet(t, orgID, 500)

	anchor := env.clock.Now().Add(-4 * time.Hour)
	inst := env.createInstance(t, instancedomain.BillableInstance{
		InstanceID:     snowflake.ID(110),
		OrganizationID: orgID,
		HourlyRate:     25,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	})

	_, err := env.metering.Bill(context.Background(), inst)
	require.NoError(t, err)

	var sum int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerEntry{}).
		Where("organization_id = ?", orgID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error)
	assert.Equal(t, env.balance(t, orgID), sum)
	assert.Equal(t, int64(400), sum)
}
