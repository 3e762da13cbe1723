package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/room"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
)

var ErrInvalidDatabaseType = errors.New("invalid database type")

// DBStore keeps persistent rooms in a SQL database
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ room.Catalog = (*DBStore)(nil)

// NewStore returns nil when no catalog is configured.
func NewStore(logger *zap.Logger, cfg config.StorageConfig) (*DBStore, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	logger.Info("Initializing room catalog", zap.String("type", cfg.Type))
	return NewDBStore(logger, DatabaseType(cfg.Type), cfg.DSN)
}

func NewDBStore(logger *zap.Logger, dbType DatabaseType, dsn string) (*DBStore, error) {
	logger = logger.Named("storage.db")

	var dialector gorm.Dialector
	switch dbType {
	case PostgreSQL:
		dialector = postgres.Open(dsn)
	case MySQL:
		dialector = mysql.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidDatabaseType, dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	// Auto migrate the schema
	if err := db.AutoMigrate(&Room{}); err != nil {
		return nil, err
	}

	return &DBStore{
		logger: logger,
		db:     db,
	}, nil
}

// SaveRoom implements room.Catalog.SaveRoom
func (s *DBStore) SaveRoom(ctx context.Context, rec room.Record) error {
	return s.db.WithContext(ctx).Save(fromRecord(rec)).Error
}

// DeleteRoom implements room.Catalog.DeleteRoom
func (s *DBStore) DeleteRoom(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Room{}, "id = ?", id).Error
}

// ListRooms implements room.Catalog.ListRooms, oldest first.
func (s *DBStore) ListRooms(ctx context.Context) ([]room.Record, error) {
	var models []Room
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]room.Record, len(models))
	for i := range models {
		out[i] = models[i].toRecord()
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
