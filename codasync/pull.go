package codasync

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/coda"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/stats"
)

// pullBatchSize bounds how many engagement db messages one transaction
// updates for a Coda message.
const pullBatchSize = 250

var pullEvents = []string{
	EventReadMessageFromCoda, EventReadMessageFromEngagementDB,
	EventLabelsMatch, EventUpdateEngagementDBLabels, EventWSCorrection,
}

// SyncCodaToEngagementDB copies labels from every Coda message updated since
// the dataset's cursor onto all engagement db messages that share its coda id.
func (s *Syncer) SyncCodaToEngagementDB(ctx context.Context, cfg *Config) (*stats.Group, error) {
	log := s.log()
	c := s.Cache.Scoped(cache.ScopeCodaToEngagementDB)
	if c == nil {
		log.Warn("no cache configured, processing coda messages from all of time")
	}

	group := stats.NewGroup(pullEvents...)
	for i := range cfg.Datasets {
		d := &cfg.Datasets[i]
		log.Info("syncing coda dataset to engagement db", zap.String("coda_dataset", d.CodaDatasetID), zap.String("dataset", d.EngagementDBDataset))
		if err := s.pullDataset(ctx, cfg, d, c, group.Get(d.CodaDatasetID)); err != nil {
			return group, fmt.Errorf("coda dataset %s: %w", d.CodaDatasetID, err)
		}
	}
	group.PrintSummaries(log, "coda dataset", s.DryRun)
	return group, nil
}

func (s *Syncer) pullDataset(ctx context.Context, cfg *Config, d *DatasetConfig, c *cache.Cache, st *stats.SyncStats) error {
	log := s.log().With(zap.String("coda_dataset", d.CodaDatasetID))
	after, err := c.GetTimestamp(ctx, d.CodaDatasetID)
	if err != nil {
		return err
	}
	msgs, err := s.Coda.GetDatasetMessages(ctx, d.CodaDatasetID, after)
	if err != nil {
		return err
	}
	log.Info("downloaded coda messages", zap.Int("count", len(msgs)))
	sortByLastUpdated(msgs)

	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		cm := &msgs[i]
		st.Add(EventReadMessageFromCoda)
		if err := s.pullMessage(ctx, cfg, d, cm, st); err != nil {
			return fmt.Errorf("coda message %s: %w", cm.MessageID, err)
		}

		// Messages sharing a timestamp must all be synced before the cursor
		// moves past it.
		if cm.LastUpdated == nil || s.DryRun {
			continue
		}
		last := i == len(msgs)-1
		if last || msgs[i+1].LastUpdated == nil || msgs[i+1].LastUpdated.After(*cm.LastUpdated) {
			if err := c.SetTimestamp(ctx, d.CodaDatasetID, *cm.LastUpdated); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortByLastUpdated orders msgs oldest first. Messages without a last
// updated time go last.
func sortByLastUpdated(msgs []coda.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].LastUpdated, msgs[j].LastUpdated
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
}

// pullMessage updates the matching engagement db messages in batches, one
// transaction per batch.
func (s *Syncer) pullMessage(ctx context.Context, cfg *Config, d *DatasetConfig, cm *coda.Message, st *stats.SyncStats) error {
	log := s.log()
	var startAfter *engagementdb.Message
	for batch := 1; ; batch++ {
		var (
			next   *engagementdb.Message
			events []string
		)
		err := s.Store.Transaction(ctx, func(tx engagementdb.Tx) error {
			next, events = nil, nil
			msgs, err := tx.GetMessages(ctx, engagementdb.Query{
				Dataset:            d.EngagementDBDataset,
				CodaID:             cm.MessageID,
				Statuses:           engagementdb.CodingStatuses,
				OrderByLastUpdated: true,
				StartAfter:         startAfter,
				Limit:              pullBatchSize,
			})
			if err != nil {
				return err
			}
			for range msgs {
				events = append(events, EventReadMessageFromEngagementDB)
			}
			for _, m := range msgs {
				read := m.Copy()
				ev, err := UpdateEngagementDBMessageFromCodaMessage(ctx, tx, m, cm, cfg, s.DryRun, log)
				if err != nil {
					return err
				}
				events = append(events, ev...)
				next = read
			}
			if len(msgs) < pullBatchSize {
				next = nil
			}
			return nil
		})
		if err != nil {
			return err
		}
		st.AddEvents(events)
		log.Debug("synced batch", zap.String("coda_id", cm.MessageID), zap.Int("batch", batch))
		if next == nil {
			return nil
		}
		startAfter = next
	}
}
