package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// entry is one persisted key/value row.
type entry struct {
	Key       string `gorm:"column:entry_key;primaryKey"`
	Value     string `gorm:"column:value"`
	UpdatedAt time.Time
}

func (entry) TableName() string {
	return "kv_entries"
}

// SQLite stores the snapshot as rows in a local SQLite database.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (creating when needed) the database at path and migrates the schema.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %q: %w", path, err)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (map[string]string, error) {
	var rows []entry
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sqlite store: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}

func (s *SQLite) Save(ctx context.Context, values map[string]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keys := make([]string, 0, len(values))
		rows := make([]entry, 0, len(values))
		now := time.Now().UTC()
		for k, v := range values {
			keys = append(keys, k)
			rows = append(rows, entry{Key: k, Value: v, UpdatedAt: now})
		}

		stale := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if len(keys) > 0 {
			stale = stale.Where("entry_key NOT IN ?", keys)
		}
		if err := stale.Delete(&entry{}).Error; err != nil {
			return fmt.Errorf("prune sqlite store: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("upsert sqlite store: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&entry{}).Error
	if err != nil {
		return fmt.Errorf("clear sqlite store: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
