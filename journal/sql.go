package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/driftline/perpsweep/core"

	"github.com/samber/lo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLJournal implements core.Journal on a SQL database via GORM,
// for deployments that want the event log queryable with plain SQL
type SQLJournal struct {
	db *gorm.DB
}

// SQLConfig holds the connection pool settings
type SQLConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultSQLConfig returns a default configuration for SQL connections
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// NewFromSQLite creates a SQLite-backed journal
func NewFromSQLite(dbPath string, cfg SQLConfig, opts ...gorm.Option) (*SQLJournal, error) {
	dialect := sqlite.Open(dbPath)
	return newFromSQL(dialect, cfg, opts...)
}

// newFromSQL opens a SQL journal with the specified configuration
func newFromSQL(dialect gorm.Dialector, cfg SQLConfig, opts ...gorm.Option) (*SQLJournal, error) {
	if len(opts) == 0 {
		opts = []gorm.Option{&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}}
	}

	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql journal: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap sql connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err = db.AutoMigrate(&core.Event{}); err != nil {
		return nil, fmt.Errorf("failed to migrate event schema: %w", err)
	}

	return &SQLJournal{db: db}, nil
}

// Append stores one event
func (s *SQLJournal) Append(event *core.Event) error {
	if result := s.db.Create(event); result.Error != nil {
		return fmt.Errorf("failed to create event: %w", result.Error)
	}
	return nil
}

// Events retrieves events in chronological order, filtered in memory
func (s *SQLJournal) Events(filters ...core.EventFilter) ([]*core.Event, error) {
	var events []*core.Event
	result := s.db.Order("time").Find(&events)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch events: %w", result.Error)
	}

	if len(filters) > 0 {
		events = lo.Filter(events, func(event *core.Event, _ int) bool {
			for _, filter := range filters {
				if !filter(*event) {
					return false
				}
			}
			return true
		})
	}

	return events, nil
}

// Close releases the underlying connection pool
func (s *SQLJournal) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to unwrap sql connection: %w", err)
	}
	return sqlDB.Close()
}
