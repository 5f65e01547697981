// Package uuidtable de-identifies participant URNs by mapping each one to a
// random, prefixed uuid.
package uuidtable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const DefaultPrefix = "avf-participant-uuid-"

var ErrNotFound = errors.New("uuid table: no mapping")

type mapping struct {
	Data      string `gorm:"primaryKey;size:512"`
	UUID      string `gorm:"uniqueIndex;size:128;not null"`
	CreatedAt time.Time
}

func (mapping) TableName() string { return "uuid_mappings" }

// Table is a persistent URN <-> uuid lookup.
type Table struct {
	db     *gorm.DB
	prefix string
	log    *zap.Logger
}

func Open(path, prefix string, log *zap.Logger) (*Table, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&mapping{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Table{db: db, prefix: prefix, log: log}, nil
}

func (t *Table) Prefix() string { return t.prefix }

func (t *Table) Close() error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HasData reports whether data already has a uuid.
func (t *Table) HasData(ctx context.Context, data string) (bool, error) {
	var n int64
	if err := t.db.WithContext(ctx).Model(&mapping{}).Where("data = ?", data).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// DataToUUID returns the uuid for data, creating one if needed.
func (t *Table) DataToUUID(ctx context.Context, data string) (string, error) {
	out, err := t.DataToUUIDs(ctx, []string{data})
	if err != nil {
		return "", err
	}
	return out[data], nil
}

// DataToUUIDs is the batch form of DataToUUID.
func (t *Table) DataToUUIDs(ctx context.Context, data []string) (map[string]string, error) {
	out := make(map[string]string, len(data))
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []mapping
		if err := tx.Where("data IN ?", data).Find(&existing).Error; err != nil {
			return err
		}
		for _, m := range existing {
			out[m.Data] = m.UUID
		}
		var created []mapping
		for _, d := range data {
			if _, ok := out[d]; ok {
				continue
			}
			m := mapping{Data: d, UUID: t.prefix + uuid.NewString(), CreatedAt: time.Now().UTC()}
			out[d] = m.UUID
			created = append(created, m)
		}
		if len(created) == 0 {
			return nil
		}
		t.log.Debug("creating uuid mappings", zap.Int("count", len(created)))
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error
	})
	if err != nil {
		return nil, fmt.Errorf("data to uuid: %w", err)
	}
	return out, nil
}

// UUIDToData reverses DataToUUID.
func (t *Table) UUIDToData(ctx context.Context, id string) (string, error) {
	if !strings.HasPrefix(id, t.prefix) {
		return "", fmt.Errorf("uuid %q does not have prefix %q", id, t.prefix)
	}
	var m mapping
	err := t.db.WithContext(ctx).Where("uuid = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return m.Data, nil
}
