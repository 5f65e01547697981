// Package incremental downloads the messages of engagement database datasets,
// using the cache to fetch only what changed since the previous run.
package incremental

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/engagementdb"
)

// DuplicateOriginError reports two downloaded messages sharing an origin id,
// which means the database or the cache is corrupt.
type DuplicateOriginError struct {
	OriginID   string
	MessageIDs [2]string
}

func (e *DuplicateOriginError) Error() string {
	return fmt.Sprintf("multiple messages had the same origin id %q (%s, %s)", e.OriginID, e.MessageIDs[0], e.MessageIDs[1])
}

// DownloadDatasets returns the latest snapshot of every message in each
// dataset. With a nil cache every dataset is downloaded in full.
func DownloadDatasets(ctx context.Context, store engagementdb.Reader, datasets []string, c *cache.Cache, log *zap.Logger) (map[string][]*engagementdb.Message, error) {
	if log == nil {
		log = zap.NewNop()
	}
	out := make(map[string][]*engagementdb.Message, len(datasets))
	for _, d := range datasets {
		msgs, err := downloadDataset(ctx, store, d, c, log)
		if err != nil {
			return nil, fmt.Errorf("download dataset %s: %w", d, err)
		}
		out[d] = msgs
	}

	origins := make(map[string]string)
	for _, d := range datasets {
		for _, m := range out[d] {
			if prev, ok := origins[m.Origin.OriginID]; ok {
				return nil, &DuplicateOriginError{OriginID: m.Origin.OriginID, MessageIDs: [2]string{prev, m.MessageID}}
			}
			origins[m.Origin.OriginID] = m.MessageID
		}
	}
	return out, nil
}

func wsKey(dataset string) string { return dataset + "_ws" }

func downloadDataset(ctx context.Context, store engagementdb.Reader, dataset string, c *cache.Cache, log *zap.Logger) ([]*engagementdb.Message, error) {
	cursor, err := c.GetTimestamp(ctx, dataset)
	if err != nil {
		return nil, err
	}
	full := cursor == nil

	var msgs []*engagementdb.Message
	if !full {
		log.Info("incremental download", zap.String("dataset", dataset), zap.Time("after", *cursor))
		updated, err := store.GetMessages(ctx, engagementdb.Query{Dataset: dataset, LastUpdatedAfter: *cursor})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, updated...)

		wsCursor, err := c.GetTimestamp(ctx, wsKey(dataset))
		if err != nil {
			return nil, err
		}
		wsQuery := engagementdb.Query{PreviousDatasetsContains: dataset}
		if wsCursor != nil {
			wsQuery.LastUpdatedAfter = *wsCursor
		}
		downloadedWS, err := store.GetMessages(ctx, wsQuery)
		if err != nil {
			return nil, err
		}
		// A message can list this dataset in both dataset and
		// previous_datasets; those have not moved away.
		movedAway := make(map[string]struct{})
		for _, m := range downloadedWS {
			if m.Dataset != dataset {
				movedAway[m.MessageID] = struct{}{}
			}
		}
		log.Info("downloaded updates",
			zap.String("dataset", dataset),
			zap.Int("updated", len(updated)),
			zap.Int("moved_away", len(movedAway)),
			zap.Int("not_moved", len(downloadedWS)-len(movedAway)))

		if len(downloadedWS) > 0 {
			latest := time.Time{}
			if wsCursor != nil {
				latest = *wsCursor
			}
			for _, m := range downloadedWS {
				if m.LastUpdated.After(latest) {
					latest = m.LastUpdated
				}
			}
			if err := c.SetTimestamp(ctx, wsKey(dataset), latest); err != nil {
				return nil, err
			}
		}

		cached, err := c.GetMessages(ctx, dataset)
		if err != nil {
			return nil, err
		}
		for _, m := range cached {
			if _, ok := movedAway[m.MessageID]; ok {
				continue
			}
			msgs = append(msgs, m)
		}
	} else {
		log.Warn("full download", zap.String("dataset", dataset))
		all, err := store.GetMessages(ctx, engagementdb.Query{Dataset: dataset})
		if err != nil {
			return nil, err
		}
		msgs = all
		log.Info("downloaded messages", zap.String("dataset", dataset), zap.Int("count", len(msgs)))
	}

	latest := latestSnapshots(msgs)
	log.Info("filtered for latest snapshots", zap.String("dataset", dataset), zap.Int("kept", len(latest)), zap.Int("total", len(msgs)))

	var newCursor time.Time
	if cursor != nil {
		newCursor = *cursor
	}
	for _, m := range latest {
		if m.LastUpdated.After(newCursor) {
			newCursor = m.LastUpdated
		}
	}
	if c != nil && !newCursor.IsZero() {
		if err := c.SetTimestamp(ctx, dataset, newCursor); err != nil {
			return nil, err
		}
		if full {
			// Nothing can have moved away before the first full download.
			if err := c.SetTimestamp(ctx, wsKey(dataset), newCursor); err != nil {
				return nil, err
			}
		}
		// Written even when empty so messages moved away do not reappear
		// from a stale snapshot.
		if err := c.SetMessages(ctx, dataset, latest); err != nil {
			return nil, err
		}
	}
	return latest, nil
}

// latestSnapshots keeps the most recently updated snapshot of each message id
// and returns them in (last_updated, message_id) order.
func latestSnapshots(msgs []*engagementdb.Message) []*engagementdb.Message {
	sorted := append([]*engagementdb.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LastUpdated.After(sorted[j].LastUpdated) })
	seen := make(map[string]struct{}, len(sorted))
	out := make([]*engagementdb.Message, 0, len(sorted))
	for _, m := range sorted {
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		seen[m.MessageID] = struct{}{}
		out = append(out, m)
	}
	engagementdb.SortMessages(out)
	return out
}
