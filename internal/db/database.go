package db

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes a new GORM database connection and runs auto-migrations.
func NewDatabase(dsn string) (*gorm.DB, error) {
	log := ctxlog.FromContext(context.Background())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("running database migrations")
	err = db.AutoMigrate(
		&Grid{},
		&HostNode{},
		&GridService{},
		&ServiceInstance{},
		&Registry{},
		&DistributedLock{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.WithField("DSN", dsn).Info("database connection established")
	return db, nil
}

// FileDSN returns a DSN for a database file with WAL journaling and a
// busy timeout, so concurrent writers wait instead of failing at once.
func FileDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
