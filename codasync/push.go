// Package codasync keeps engagement db messages and their Coda datasets in
// step: new messages are pushed to Coda and coders' labels are pulled back,
// moving messages between datasets when they are labelled wrong-scheme.
package codasync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/coda"
	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/stats"
)

var pushEvents = []string{
	EventReadMessageFromEngagementDB, EventSetCodaID, EventSkipEmptyMessage, EventAddMessageToCoda,
	EventLabelsMatch, EventUpdateEngagementDBLabels, EventWSCorrection,
}

type Syncer struct {
	Coda  coda.Client
	Store engagementdb.Store
	// Cache is the pipeline-wide cache; each direction uses its own scope.
	Cache  *cache.Cache
	DryRun bool
	Log    *zap.Logger
}

func (s *Syncer) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// SyncEngagementDBToCoda walks each dataset in (last_updated, message_id)
// order and syncs one message per transaction. Messages written during the
// walk get a newer last_updated, so they are visited again later in the same
// run.
func (s *Syncer) SyncEngagementDBToCoda(ctx context.Context, cfg *Config) (*stats.Group, error) {
	log := s.log()
	c := s.Cache.Scoped(cache.ScopeEngagementDBToCoda)
	if c == nil {
		log.Warn("no cache configured, processing messages from all of time")
	}
	if s.DryRun {
		log.Warn("a real run may read more messages than this dry run, since every write is synced again")
	}

	group := stats.NewGroup(pushEvents...)
	for i := range cfg.Datasets {
		d := &cfg.Datasets[i]
		log.Info("syncing engagement db dataset to coda", zap.String("dataset", d.EngagementDBDataset), zap.String("coda_dataset", d.CodaDatasetID))
		if err := s.pushDataset(ctx, cfg, d, c, group.Get(d.EngagementDBDataset)); err != nil {
			return group, fmt.Errorf("dataset %s: %w", d.EngagementDBDataset, err)
		}
	}
	group.PrintSummaries(log, "dataset", s.DryRun)
	return group, nil
}

func (s *Syncer) pushDataset(ctx context.Context, cfg *Config, d *DatasetConfig, c *cache.Cache, st *stats.SyncStats) error {
	log := s.log().With(zap.String("dataset", d.EngagementDBDataset))
	lastSeen, err := c.GetMessage(ctx, d.EngagementDBDataset)
	if err != nil {
		return err
	}

	synced := 0
	unique := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			next   *engagementdb.Message
			events []string
		)
		err := s.Store.Transaction(ctx, func(tx engagementdb.Tx) error {
			var err error
			next, events, err = s.pushNext(ctx, tx, cfg, d, lastSeen)
			return err
		})
		if err != nil {
			return err
		}
		st.AddEvents(events)
		if next == nil {
			log.Info("no more new messages", zap.Int("synced", synced), zap.Int("unique", len(unique)))
			return nil
		}
		lastSeen = next
		synced++
		unique[next.MessageID] = struct{}{}
		if !s.DryRun {
			if err := c.SetMessage(ctx, d.EngagementDBDataset, lastSeen); err != nil {
				return err
			}
		}
		log.Debug("synced message", zap.String("message_id", next.MessageID), zap.Int("synced", synced), zap.Int("unique", len(unique)))
	}
}

// pushNext syncs the message after lastSeen. It returns the message as it was
// read, before any write, so the cursor sits behind any rewritten copy.
func (s *Syncer) pushNext(ctx context.Context, tx engagementdb.Tx, cfg *Config, d *DatasetConfig, lastSeen *engagementdb.Message) (*engagementdb.Message, []string, error) {
	log := s.log()
	msgs, err := tx.GetMessages(ctx, engagementdb.Query{
		Dataset:            d.EngagementDBDataset,
		Statuses:           engagementdb.CodingStatuses,
		OrderByLastUpdated: true,
		StartAfter:         lastSeen,
		Limit:              1,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(msgs) == 0 {
		return nil, nil, nil
	}
	m := msgs[0]
	read := m.Copy()
	events := []string{EventReadMessageFromEngagementDB}

	if m.Text == "" {
		log.Info("message is empty, not adding to coda", zap.String("message_id", m.MessageID))
		return read, append(events, EventSkipEmptyMessage), nil
	}

	if m.CodaID == "" {
		events = append(events, EventSetCodaID)
		m.CodaID = engagementdb.CodaIDForText(m.Text)
		if !s.DryRun {
			if err := tx.SetMessage(ctx, m, engagementdb.HistoryEntryOrigin{OriginName: OriginSetCodaID, Details: map[string]any{}}); err != nil {
				return nil, nil, err
			}
		}
	}
	if m.CodaID != engagementdb.CodaIDForText(m.Text) {
		return nil, nil, fmt.Errorf("message %s has coda id %s, which does not match its text", m.MessageID, m.CodaID)
	}

	codaMsg, err := s.Coda.GetDatasetMessage(ctx, d.CodaDatasetID, m.CodaID)
	if err != nil {
		return nil, nil, err
	}
	if codaMsg != nil {
		updateEvents, err := UpdateEngagementDBMessageFromCodaMessage(ctx, tx, m, codaMsg, cfg, s.DryRun, log)
		if err != nil {
			return nil, nil, err
		}
		return read, append(events, updateEvents...), nil
	}

	if err := s.addMessageToCoda(ctx, cfg, d, m); err != nil {
		return nil, nil, err
	}
	return read, append(events, EventAddMessageToCoda), nil
}

// addMessageToCoda creates m in Coda. Existing labels are copied across after
// checking they are valid for the dataset; otherwise the auto-coders seed it.
func (s *Syncer) addMessageToCoda(ctx context.Context, cfg *Config, d *DatasetConfig, m *engagementdb.Message) error {
	cm := coda.Message{
		MessageID:           m.CodaID,
		Text:                m.Text,
		CreationDateTimeUTC: coding.LabelTime(m.Timestamp),
		Labels:              []engagementdb.Label{},
	}

	if len(m.Labels) > 0 {
		valid := map[string]*coding.CodeScheme{cfg.WSCorrectDatasetScheme.SchemeID: cfg.WSCorrectDatasetScheme}
		for _, sc := range d.CodeSchemes {
			valid[sc.CodeScheme.SchemeID] = sc.CodeScheme
		}
		for _, l := range m.Labels {
			scheme, ok := valid[l.SchemeID]
			if !ok {
				return fmt.Errorf("scheme id %s is not valid for coda dataset %s", l.SchemeID, d.CodaDatasetID)
			}
			if !scheme.HasCodeID(l.CodeID) {
				return fmt.Errorf("code id %s not found in scheme %s (id %s)", l.CodeID, scheme.Name, l.SchemeID)
			}
		}
		cm.Labels = append(cm.Labels, m.Labels...)
	} else {
		for _, sc := range d.CodeSchemes {
			if sc.AutoCoder == nil {
				continue
			}
			l, ok, err := coding.ApplyAutoCoder(sc.AutoCoder, m.Text, sc.CodeScheme)
			if err != nil {
				return fmt.Errorf("auto-code scheme %s: %w", sc.CodeScheme.SchemeID, err)
			}
			if ok {
				cm.Labels = append(cm.Labels, l)
			}
		}
	}

	if s.DryRun {
		return nil
	}
	return s.Coda.AddMessageToDataset(ctx, d.CodaDatasetID, cm)
}
