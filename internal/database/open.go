package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database and brings the schema up to date.
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := Migrate(db, log); err != nil {
		return nil, err
	}

	log.Info("database initialized", zap.String("driver", db.Dialector.Name()))
	return db, nil
}

// Migrate creates the tables and applies pending named migrations.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	models := []any{&records.DocumentRecord{}, &migrationRecord{}}
	models = append(models, identity.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, log)
}
