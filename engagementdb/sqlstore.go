package engagementdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore keeps messages and their history in a SQLite database.
type SQLStore struct {
	db       *gorm.DB
	log      *zap.Logger
	defaults HistoryDefaults

	mu    sync.Mutex
	clock stampClock
}

func OpenSQLStore(path string, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time. Transactions hold the connection.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&messageRow{}, &historyRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	s := &SQLStore{db: db, log: log}
	var maxStamp sql.NullInt64
	if err := db.Model(&messageRow{}).Select("MAX(last_updated)").Row().Scan(&maxStamp); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if maxStamp.Valid {
		s.clock.observe(maxStamp.Int64)
	}
	return s, nil
}

// SetHistoryDefaults sets the user/project/pipeline/commit recorded on every
// history entry this store writes.
func (s *SQLStore) SetHistoryDefaults(d HistoryDefaults) {
	s.defaults = d
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

func (s *SQLStore) GetMessages(ctx context.Context, q Query) ([]*Message, error) {
	msgs, _, err := s.query(s.db.WithContext(ctx), q)
	return msgs, err
}

func (s *SQLStore) SetMessage(ctx context.Context, m *Message, origin HistoryEntryOrigin) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.write(tx, m, origin, nil)
	})
}

func (s *SQLStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return retryOnConflict(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			return fn(&sqlTx{store: s, db: gtx, reads: map[string]int64{}})
		})
	})
}

func (s *SQLStore) GetHistory(ctx context.Context, messageID string) ([]HistoryEntry, error) {
	var rows []historyRow
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		e := HistoryEntry{HistoryEntryID: r.HistoryEntryID, MessageID: r.MessageID, Timestamp: r.Timestamp.UTC()}
		if err := json.Unmarshal(r.Origin, &e.Origin); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(r.UpdatedDoc, &e.Updated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

type sqlTx struct {
	store *SQLStore
	db    *gorm.DB
	// reads maps message id to the last_updated seen by this transaction.
	reads map[string]int64
}

func (t *sqlTx) GetMessages(ctx context.Context, q Query) ([]*Message, error) {
	msgs, rows, err := t.store.query(t.db.WithContext(ctx), q)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t.reads[r.MessageID] = r.LastUpdated
	}
	return msgs, nil
}

func (t *sqlTx) SetMessage(ctx context.Context, m *Message, origin HistoryEntryOrigin) error {
	var expected *int64
	if v, ok := t.reads[m.MessageID]; ok && m.MessageID != "" {
		expected = &v
	}
	if err := t.store.write(t.db.WithContext(ctx), m, origin, expected); err != nil {
		return err
	}
	t.reads[m.MessageID] = m.LastUpdated.UnixMicro()
	return nil
}

func (s *SQLStore) query(db *gorm.DB, q Query) ([]*Message, []messageRow, error) {
	tx := db.Model(&messageRow{})
	if q.Dataset != "" {
		tx = tx.Where("dataset = ?", q.Dataset)
	}
	if len(q.Datasets) > 0 {
		tx = tx.Where("dataset IN ?", q.Datasets)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if q.CodaID != "" {
		tx = tx.Where("coda_id = ?", q.CodaID)
	}
	if q.OriginID != "" {
		tx = tx.Where("origin_id = ?", q.OriginID)
	}
	if q.ParticipantUUID != "" {
		tx = tx.Where("participant_uuid = ?", q.ParticipantUUID)
	}
	if q.PreviousDatasetsContains != "" {
		tx = tx.Where("EXISTS (SELECT 1 FROM json_each(messages.previous_datasets) WHERE json_each.value = ?)", q.PreviousDatasetsContains)
	}
	if !q.LastUpdatedAfter.IsZero() {
		tx = tx.Where("last_updated > ?", q.LastUpdatedAfter.UnixMicro())
	}
	if !q.LastUpdatedBefore.IsZero() {
		tx = tx.Where("last_updated < ?", q.LastUpdatedBefore.UnixMicro())
	}
	if q.StartAfter != nil {
		lu := q.StartAfter.LastUpdated.UnixMicro()
		tx = tx.Where("(last_updated > ? OR (last_updated = ? AND message_id > ?))", lu, lu, q.StartAfter.MessageID)
	}
	if q.OrderByLastUpdated || q.StartAfter != nil {
		tx = tx.Order("last_updated asc").Order("message_id asc")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []messageRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("query messages (%s): %w", q, err)
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		m, err := fromRow(r)
		if err != nil {
			return nil, nil, fmt.Errorf("decode message %s: %w", r.MessageID, err)
		}
		out = append(out, m)
	}
	return out, rows, nil
}

// write upserts m and appends a history entry. When expected is set, the
// stored last_updated must still equal it.
func (s *SQLStore) write(tx *gorm.DB, m *Message, origin HistoryEntryOrigin, expected *int64) error {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if expected != nil {
		var current messageRow
		err := tx.Select("message_id", "last_updated").Where("message_id = ?", m.MessageID).First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("message %s deleted during transaction: %w", m.MessageID, ErrConflict)
		case err != nil:
			return err
		case current.LastUpdated != *expected:
			return fmt.Errorf("message %s changed during transaction: %w", m.MessageID, ErrConflict)
		}
	}

	s.mu.Lock()
	stamp := s.clock.next()
	s.mu.Unlock()

	prevStamp := m.LastUpdated
	m.LastUpdated = time.UnixMicro(stamp).UTC()
	row, err := toRow(m)
	if err != nil {
		m.LastUpdated = prevStamp
		return err
	}
	if err := tx.Save(&row).Error; err != nil {
		m.LastUpdated = prevStamp
		return err
	}

	origin = origin.withDefaults(s.defaults)
	originJSON, err := json.Marshal(origin)
	if err != nil {
		return err
	}
	docJSON, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h := historyRow{
		HistoryEntryID: uuid.NewString(),
		MessageID:      m.MessageID,
		OriginName:     origin.OriginName,
		Origin:         datatypes.JSON(originJSON),
		UpdatedDoc:     datatypes.JSON(docJSON),
		Timestamp:      m.LastUpdated,
	}
	return tx.Create(&h).Error
}
