package migration

import (
	"github.com/smallbiznis/hourmeter/internal/config"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	plandomain "github.com/smallbiznis/hourmeter/internal/plan/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL migrations target postgres. sqlite deployments
		// (local development, tests) fall back to schema auto-migration.
		if cfg.DBType == "sqlite" {
			return conn.AutoMigrate(
				&ledgerdomain.Wallet{},
				&ledgerdomain.LedgerEntry{},
				&plandomain.Plan{},
				&instancedomain.BillableInstance{},
				&meteringdomain.BillingCycleRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
