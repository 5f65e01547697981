// Package csvsync imports messages from CSV exports into the engagement
// database.
package csvsync

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/stats"
	"engagement-pipeline/uuidtable"
)

const (
	EventReadRow                  = "read_row_from_csv"
	EventMessageAlreadyInDB       = "message_already_in_engagement_db"
	EventAddMessageToDB           = "add_message_to_engagement_db"
	EventSkippedNoMatchingDataset = "message_skipped_no_matching_timestamp"
)

var events = []string{EventReadRow, EventMessageAlreadyInDB, EventAddMessageToDB, EventSkippedNoMatchingDataset}

// OriginName is recorded in the history of every message this package writes.
const OriginName = "CSV -> Database Sync"

var requiredHeaders = []string{"Sender", "Message", "ReceivedOn"}

// UUIDLookup resolves participant uuids back to URNs.
type UUIDLookup interface {
	Prefix() string
	UUIDToData(ctx context.Context, id string) (string, error)
}

// Syncer writes CSV rows to the store. Rows are keyed by file hash and row
// index, so a file can't be edited after it has been synced.
type Syncer struct {
	Store  engagementdb.Store
	UUIDs  UUIDLookup
	Cache  *cache.Cache
	DryRun bool
	Log    *zap.Logger
}

// Sync syncs every source in turn and logs a per-source and overall summary.
func (s *Syncer) Sync(ctx context.Context, cfg Config) (*stats.Group, error) {
	log := s.log()
	group := stats.NewGroup(events...)
	for i, src := range cfg.Sources {
		log.Info("syncing csv", zap.Int("index", i+1), zap.Int("of", len(cfg.Sources)), zap.String("url", src.URL))
		if err := s.syncSource(ctx, src, cfg.OperatorPrefixes, group.Get(src.URL)); err != nil {
			return group, fmt.Errorf("csv %s: %w", src.URL, err)
		}
	}
	group.PrintSummaries(log, "csv source", s.DryRun)
	return group, nil
}

func (s *Syncer) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Syncer) syncSource(ctx context.Context, src Source, prefixes map[string]string, st *stats.SyncStats) error {
	log := s.log().With(zap.String("url", src.URL))

	raw, err := os.ReadFile(src.Path())
	if errors.Is(err, fs.ErrNotExist) && src.ArchiveDir != "" {
		log.Info("csv not found, assuming it was already archived")
		return nil
	}
	if err != nil {
		return err
	}
	csvHash := engagementdb.HashHex(raw, 0)
	rows, err := readRows(raw)
	if err != nil {
		return err
	}
	log.Info("read csv", zap.Int("rows", len(rows)), zap.String("hash", csvHash))

	loc := time.UTC
	if src.Timezone != "" {
		if loc, err = time.LoadLocation(src.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}

	cacheKey := url.QueryEscape(src.URL)
	prevHash, ok, err := s.Cache.GetString(ctx, cacheKey)
	if err != nil {
		return err
	}
	if ok {
		if prevHash != csvHash {
			return fmt.Errorf("%w: clear the cache entry once it is safe to resync", ErrSourceChanged)
		}
		log.Info("csv matches a version that was already synced, skipping")
		return nil
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Add(EventReadRow)
		event, err := s.syncRow(ctx, src, loc, prefixes, csvHash, i, row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		st.Add(event)
	}

	if s.DryRun {
		return nil
	}
	if err := s.Cache.SetString(ctx, cacheKey, csvHash); err != nil {
		return err
	}
	if src.ArchiveDir != "" {
		dst, err := src.Archive(csvHash)
		if err != nil {
			return err
		}
		log.Info("archived csv", zap.String("to", dst))
	}
	return nil
}

func (s *Syncer) syncRow(ctx context.Context, src Source, loc *time.Location, prefixes map[string]string, csvHash string, i int, row map[string]string) (string, error) {
	log := s.log()

	participantUUID := row["Sender"]
	if !strings.HasPrefix(participantUUID, s.UUIDs.Prefix()) {
		return "", fmt.Errorf("sender %q does not start with uuid prefix %q", participantUUID, s.UUIDs.Prefix())
	}
	urn, err := s.UUIDs.UUIDToData(ctx, participantUUID)
	if err != nil {
		return "", err
	}
	ts, err := ParseTimestamp(row["ReceivedOn"], loc)
	if err != nil {
		return "", err
	}
	dataset, ok, err := src.DatasetForTimestamp(ts)
	if err != nil {
		return "", err
	}
	if !ok {
		log.Info("no dataset matches message time", zap.String("received_on", row["ReceivedOn"]))
		return EventSkippedNoMatchingDataset, nil
	}

	msg := &engagementdb.Message{
		ParticipantUUID: participantUUID,
		Text:            row["Message"],
		Timestamp:       ts,
		Direction:       engagementdb.DirectionIn,
		ChannelOperator: uuidtable.CleanOperator(urn, prefixes),
		Status:          engagementdb.StatusLive,
		Dataset:         dataset,
		Labels:          []engagementdb.Label{},
		Origin: engagementdb.Origin{
			OriginID:   fmt.Sprintf("csv_%s.row_%d", csvHash, i),
			OriginType: "csv",
		},
	}

	existing, err := s.Store.GetMessages(ctx, engagementdb.Query{OriginID: msg.Origin.OriginID})
	if err != nil {
		return "", err
	}
	if len(existing) > 1 {
		return "", fmt.Errorf("%d messages share origin id %s", len(existing), msg.Origin.OriginID)
	}
	if len(existing) == 1 {
		log.Debug("message already in engagement db", zap.String("origin_id", msg.Origin.OriginID))
		return EventMessageAlreadyInDB, nil
	}

	log.Debug("adding message", zap.String("dataset", dataset), zap.String("origin_id", msg.Origin.OriginID))
	if s.DryRun {
		return EventAddMessageToDB, nil
	}
	err = s.Store.SetMessage(ctx, msg, engagementdb.HistoryEntryOrigin{
		OriginName: OriginName,
		Details: map[string]any{
			"csv_row_number":         i,
			"csv_row_data":           row,
			"csv_sync_configuration": src,
			"csv_hash":               csvHash,
		},
	})
	if err != nil {
		return "", err
	}
	return EventAddMessageToDB, nil
}

func readRows(raw []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, h := range requiredHeaders {
		found := false
		for _, got := range header {
			if got == h {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("missing header %q", h)
		}
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
}
