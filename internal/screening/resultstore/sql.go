package resultstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/screening-backend/internal/platform/logger"
)

type resultRow struct {
	Key       string         `gorm:"column:result_key;primaryKey;size:191"`
	Value     datatypes.JSON `gorm:"column:value;type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
}

func (resultRow) TableName() string { return "screening_results" }

// SQL stores results in a single key/value table through gorm.
type SQL struct {
	log *logger.Logger
	db  *gorm.DB
}

var (
	_ Store  = (*SQL)(nil)
	_ Getter = (*SQL)(nil)
)

func OpenSQL(driver string, dsn string, log *logger.Logger) (*SQL, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return NewSQL(db, log)
}

// NewSQL migrates the results table on db and wraps it.
func NewSQL(db *gorm.DB, log *logger.Logger) (*SQL, error) {
	if db == nil {
		return nil, errors.New("gorm db required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if err := db.AutoMigrate(&resultRow{}); err != nil {
		return nil, fmt.Errorf("migrate screening_results: %w", err)
	}
	return &SQL{log: log.With("service", "SQLResultStore"), db: db}, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	row := resultRow{Key: key, Value: datatypes.JSON(value), CreatedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("insert %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Warn("duplicate result write ignored", "key", key)
		return ErrAlreadyStored
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var row resultRow
	err := s.db.WithContext(ctx).Where("result_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return []byte(row.Value), nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
