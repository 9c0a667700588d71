package db

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tejzpr/agentmart/internal/config"
)

// Open connects to the configured database. Gorm's own logger stays silent
// unless debug is set.
func Open(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logMode := logger.Silent
	if debug {
		logMode = logger.Info
	}
	d, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logMode),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows a single writer; serialising through one connection
		// avoids SQLITE_BUSY under concurrent handlers.
		sqlDB, err := d.DB()
		if err != nil {
			return nil, errors.Wrap(err, "get sql db")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return d, nil
}

// Migrate creates or updates every table and seeds the singleton state rows.
func Migrate(d *gorm.DB) error {
	if err := d.AutoMigrate(
		&Request{},
		&CoffeeOrder{},
		&CoffeeState{},
		&CreditPurchase{},
		&CreditState{},
		&ActivityLog{},
		&AgentState{},
	); err != nil {
		return errors.Wrap(err, "auto migrate")
	}

	coffee := CoffeeState{ID: CoffeeStateID, NextBatchAt: time.Unix(0, 0).UTC()}
	if err := d.Where(CoffeeState{ID: CoffeeStateID}).FirstOrCreate(&coffee).Error; err != nil {
		return errors.Wrap(err, "seed coffee state")
	}
	credit := CreditState{ID: CreditStateID, CreditBalanceUSDC: decimal.Zero}
	if err := d.Where(CreditState{ID: CreditStateID}).FirstOrCreate(&credit).Error; err != nil {
		return errors.Wrap(err, "seed credit state")
	}
	return nil
}
