package engagementdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrConflict is returned when a message changed between being read and
// being written inside a transaction.
var ErrConflict = errors.New("engagementdb: write conflict")

// MaxTransactionAttempts bounds how many times Transaction reruns its function
// after a write conflict.
const MaxTransactionAttempts = 5

// Query filters messages. Zero values are ignored.
type Query struct {
	Dataset                  string
	Datasets                 []string
	Statuses                 []MessageStatus
	CodaID                   string
	OriginID                 string
	ParticipantUUID          string
	PreviousDatasetsContains string
	LastUpdatedAfter         time.Time
	LastUpdatedBefore        time.Time

	// OrderByLastUpdated sorts by (last_updated, message_id) ascending.
	OrderByLastUpdated bool
	// StartAfter resumes an ordered query after the given message.
	StartAfter *Message
	Limit      int
}

func (q Query) String() string {
	var parts []string
	if q.Dataset != "" {
		parts = append(parts, "dataset="+q.Dataset)
	}
	if len(q.Datasets) > 0 {
		parts = append(parts, "datasets="+strings.Join(q.Datasets, ","))
	}
	if q.CodaID != "" {
		parts = append(parts, "coda_id="+q.CodaID)
	}
	if q.OriginID != "" {
		parts = append(parts, "origin_id="+q.OriginID)
	}
	if q.PreviousDatasetsContains != "" {
		parts = append(parts, "previous_datasets~"+q.PreviousDatasetsContains)
	}
	if !q.LastUpdatedAfter.IsZero() {
		parts = append(parts, "last_updated>"+q.LastUpdatedAfter.Format(time.RFC3339Nano))
	}
	if !q.LastUpdatedBefore.IsZero() {
		parts = append(parts, "last_updated<"+q.LastUpdatedBefore.Format(time.RFC3339Nano))
	}
	if q.StartAfter != nil {
		parts = append(parts, "start_after="+q.StartAfter.MessageID)
	}
	if q.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", q.Limit))
	}
	return strings.Join(parts, " ")
}

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	GetMessages(ctx context.Context, q Query) ([]*Message, error)
}

// Tx is a read-modify-write scope. Messages read through a Tx are version
// checked when written back through the same Tx.
type Tx interface {
	Reader
	SetMessage(ctx context.Context, m *Message, origin HistoryEntryOrigin) error
}

type Store interface {
	Tx
	// Transaction runs fn in a transaction, rerunning it on ErrConflict up to
	// MaxTransactionAttempts times. fn must compute its writes only from what
	// it reads through tx.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	GetHistory(ctx context.Context, messageID string) ([]HistoryEntry, error)
	Close() error
}

// retryOnConflict calls attempt until it succeeds, fails with something other
// than ErrConflict, or runs out of attempts.
func retryOnConflict(ctx context.Context, log *zap.Logger, attempt func() error) error {
	delay := 20 * time.Millisecond
	var err error
	for i := 1; i <= MaxTransactionAttempts; i++ {
		err = attempt()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		log.Warn("transaction conflict, retrying", zap.Int("attempt", i), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", MaxTransactionAttempts, err)
}

// stampClock hands out strictly increasing microsecond timestamps, so
// (last_updated, message_id) never ties for writes from one process.
type stampClock struct {
	last int64
}

func (c *stampClock) next() int64 {
	now := time.Now().UTC().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

func (c *stampClock) observe(micros int64) {
	if micros > c.last {
		c.last = micros
	}
}

// SortMessages orders messages by (last_updated, message_id).
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
