package scheduler

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
	instancerepo "github.com/smallbiznis/hourmeter/internal/instance/repository"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/hourmeter/internal/ledger/service"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	meteringservice "github.com/smallbiznis/hourmeter/internal/metering/service"
	plandomain "github.com/smallbiznis/hourmeter/internal/plan/domain"
	"github.com/smallbiznis/hourmeter/internal/rate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	ledger ledgerdomain.Service
	sched  *Scheduler
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
	// Single-writer sqlite: keep organizations sequential in tests.
	cfg := config.DefaultBillingConfig()
	cfg.OrgConcurrency = 1
	holder := config.NewStaticBillingConfigHolder(cfg)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	resolver := rate.NewResolver(rate.Params{DB: db, Log: log, Billing: holder})
	meteringSvc := meteringservice.NewService(meteringservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Ledger: ledgerSvc,
		Rates:  resolver,
	})
	repo := instancerepo.NewRepository(instancerepo.Params{DB: db})

	sched, err := New(Params{
		Log:       log,
		Clock:     fake,
		Billing:   holder,
		Instances: repo,
		Metering:  meteringSvc,
	})
	require.NoError(t, err)

	return &testEnv{db: db, clock: fake, ledger: ledgerSvc, sched: sched}
}

func (e *testEnv) fundWallet(t *testing.T, orgID snowflake.ID, amount int64) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), ledgerdomain.CreditRequest{
		OrganizationID: orgID,
		Amount:         amount,
	})
	require.NoError(t, err)
}

func (e *testEnv) createInstance(t *testing.T, id, orgID snowflake.ID, rate int64, anchorAge time.Duration) {
	t.Helper()
	anchor := e.clock.Now().Add(-anchorAge)
	inst := instancedomain.BillableInstance{
		InstanceID:     id,
		OrganizationID: orgID,
		HourlyRate:     rate,
		AnchorAt:       anchor,
		CreatedAt:      anchor,
	}
	require.NoError(t, e.db.Create(&inst).Error)
}

func TestRunOnce_AggregatesAcrossOrganizations(t *testing.T) {
	env := newTestEnv(t)

	funded := snowflake.ID(1)
	broke := snowflake.ID(2)
	env.fundWallet(t, funded, 1000)
	env.fundWallet(t, broke, 5)

	env.createInstance(t, 10, funded, 10, 2*time.Hour)
	env.createInstance(t, 11, funded, 10, 3*time.Hour)
	env.createInstance(t, 20, broke, 10, 2*time.Hour)
	// Fresh instance, nothing billable yet.
	env.createInstance(t, 12, funded, 10, 30*time.Minute)

	summary, err := env.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Candidates)
	assert.Equal(t, 2, summary.Billed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, int64(50), summary.ChargedAmount)
	assert.Equal(t, int64(5), summary.BilledHours)

	// One failure does not block the funded organization's charges.
	wallet, err := env.ledger.WalletBalance(context.Background(), funded)
	require.NoError(t, err)
	assert.Equal(t, int64(950), wallet.Balance)

	wallet, err = env.ledger.WalletBalance(context.Background(), broke)
	require.NoError(t, err)
	assert.Equal(t, int64(5), wallet.Balance)
}

func TestRunOnce_SecondSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(3)
	env.fundWallet(t, orgID, 1000)
	env.createInstance(t, 30, orgID, 10, 2*time.Hour)

	first, err := env.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Billed)

	// Without the clock moving there is nothing left to bill.
	second, err := env.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Billed)
	assert.Equal(t, 0, second.Failed)

	wallet, err := env.ledger.WalletBalance(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(980), wallet.Balance)
}

func TestRunOnce_RejectsOverlappingRuns(t *testing.T) {
	env := newTestEnv(t)

	env.sched.runMu.Lock()
	defer env.sched.runMu.Unlock()

	_, err := env.sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunOnce_DowntimeCatchUp(t *testing.T) {
	env := newTestEnv(t)
	orgID := snowflake.ID(4)
	env.fundWallet(t, orgID, 1000)

	// Simulates a process that was down for 6h12m: one sweep settles the
	// whole backlog in a single cycle.
	env.createInstance(t, 40, orgID, 10, 6*time.Hour+12*time.Minute)

	summary, err := env.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Billed)
	assert.Equal(t, int64(6), summary.BilledHours)
	assert.Equal(t, int64(60), summary.ChargedAmount)

	wallet, err := env.ledger.WalletBalance(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(940), wallet.Balance)
}

func TestLastRun_TracksMostRecentSweep(t *testing.T) {
	env := newTestEnv(t)

	assert.Nil(t, env.sched.LastRun())

	_, err := env.sched.RunOnce(context.Background())
	require.NoError(t, err)

	last := env.sched.LastRun()
	require.NotNil(t, last)
	assert.True(t, last.StartedAt.Equal(env.clock.Now()))
	assert.Zero(t, last.Candidates)
}
