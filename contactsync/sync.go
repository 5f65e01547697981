// Package contactsync writes a summary of each participant's engagement db
// messages back to their Rapid Pro contact fields.
package contactsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/incremental"
	"engagement-pipeline/rapidpro"
	"engagement-pipeline/stats"
)

const (
	EventReadMessage                  = "read_message"
	EventSkipParticipantAlreadySynced = "skip_participant_already_synced"
	EventUpdateContact                = "update_contact"
	EventCreateField                  = "create_contact_field"
)

const lastSyncedEntry = "last_synced"

// UUIDLookup re-identifies participants.
type UUIDLookup interface {
	UUIDToData(ctx context.Context, id string) (string, error)
}

type Syncer struct {
	RapidPro rapidpro.Client
	Store    engagementdb.Reader
	UUIDs    UUIDLookup
	Cache    *cache.Cache
	// Schemes resolve labels when looking for STOP codes.
	Schemes []*coding.CodeScheme
	DryRun  bool
	Log     *zap.Logger
}

func (s *Syncer) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Sync recomputes the contact fields of every participant with a message
// updated since the last synced message, and pushes them to Rapid Pro.
func (s *Syncer) Sync(ctx context.Context, cfg Config) (*stats.SyncStats, error) {
	log := s.log()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := stats.New(EventReadMessage, EventSkipParticipantAlreadySynced, EventUpdateContact, EventCreateField)

	if err := s.ensureContactFields(ctx, cfg.contactFields(), st); err != nil {
		return st, err
	}

	c := s.Cache.Scoped(cache.ScopeEngagementDBToRapidPro)
	byDataset, err := incremental.DownloadDatasets(ctx, s.Store, cfg.datasets(), c, log)
	if err != nil {
		return st, err
	}

	byParticipant := map[string][]*engagementdb.Message{}
	var all []*engagementdb.Message
	for _, ds := range cfg.datasets() {
		for _, m := range byDataset[ds] {
			if !active(m) {
				continue
			}
			all = append(all, m)
			byParticipant[m.ParticipantUUID] = append(byParticipant[m.ParticipantUUID], m)
		}
	}
	for _, msgs := range byParticipant {
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	}

	lastSynced, err := c.GetMessage(ctx, lastSyncedEntry)
	if err != nil {
		return st, err
	}
	var triggering []*engagementdb.Message
	for _, m := range all {
		if lastSynced == nil || lastSynced.Before(m) {
			triggering = append(triggering, m)
		}
	}
	sort.Slice(triggering, func(i, j int) bool { return triggering[i].Before(triggering[j]) })
	log.Info("messages triggering a contact sync", zap.Int("count", len(triggering)), zap.Int("participants", len(byParticipant)))

	synced := map[string]struct{}{}
	for _, m := range triggering {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Add(EventReadMessage)
		if _, ok := synced[m.ParticipantUUID]; !ok {
			updated, err := s.syncParticipant(ctx, cfg, m.ParticipantUUID, byParticipant[m.ParticipantUUID])
			if err != nil {
				return st, fmt.Errorf("participant %s: %w", m.ParticipantUUID, err)
			}
			synced[m.ParticipantUUID] = struct{}{}
			if updated {
				st.Add(EventUpdateContact)
			}
		} else {
			st.Add(EventSkipParticipantAlreadySynced)
		}
		if !s.DryRun {
			if err := c.SetMessage(ctx, lastSyncedEntry, m); err != nil {
				return st, err
			}
		}
	}

	st.PrintSummary(log, "engagement db to rapid pro")
	return st, nil
}

func active(m *engagementdb.Message) bool {
	for _, s := range engagementdb.ActiveStatuses {
		if m.Status == s {
			return true
		}
	}
	return false
}

// syncParticipant reports whether the contact had any fields to update.
// Dry runs report the update they would have made.
func (s *Syncer) syncParticipant(ctx context.Context, cfg Config, participant string, msgs []*engagementdb.Message) (bool, error) {
	fields := normalFields(cfg, msgs)
	if cfg.ConsentWithdrawnDataset != nil {
		withdrawn, err := consentWithdrawn(cfg.ConsentWithdrawnDataset, msgs, s.Schemes)
		if err != nil {
			return false, err
		}
		key := cfg.ConsentWithdrawnDataset.RapidProContactField.Key
		switch {
		case withdrawn:
			fields[key] = ConsentWithdrawnValue
		case cfg.AllowClearingFields:
			fields[key] = ""
		}
	}
	if len(fields) == 0 {
		return false, nil
	}

	urn, err := s.UUIDs.UUIDToData(ctx, participant)
	if err != nil {
		return false, err
	}
	s.log().Debug("updating contact", zap.String("participant_uuid", participant), zap.Int("fields", len(fields)), zap.Bool("dry_run", s.DryRun))
	if s.DryRun {
		return true, nil
	}
	if err := s.RapidPro.UpdateContact(ctx, urn, fields); err != nil {
		return false, err
	}
	return true, nil
}

// normalFields builds the value of each normal contact field from the
// participant's messages.
func normalFields(cfg Config, msgs []*engagementdb.Message) map[string]string {
	fields := map[string]string{}
	for _, d := range cfg.NormalDatasets {
		var parts []string
		for _, ds := range d.EngagementDBDatasets {
			for _, m := range msgs {
				if m.Dataset != ds {
					continue
				}
				parts = append(parts, fmt.Sprintf("\"%s\" - engagement_db.%s", m.Text, m.Dataset))
			}
		}

		key := d.RapidProContactField.Key
		switch {
		case len(parts) == 0:
			if cfg.AllowClearingFields {
				fields[key] = ""
			}
		case cfg.WriteMode == WriteModeConcatenateTexts:
			fields[key] = strings.Join(parts, "; ")
		default:
			fields[key] = PresenceMarker
		}
	}
	return fields
}

// consentWithdrawn reports whether any latest label on the participant's
// messages in d's datasets is the STOP control code.
func consentWithdrawn(d *DatasetConfig, msgs []*engagementdb.Message, schemes []*coding.CodeScheme) (bool, error) {
	in := map[string]struct{}{}
	for _, ds := range d.EngagementDBDatasets {
		in[ds] = struct{}{}
	}
	for _, m := range msgs {
		if _, ok := in[m.Dataset]; !ok {
			continue
		}
		for _, l := range m.GetLatestLabels() {
			code, err := coding.CodeForLabel(l, schemes)
			if err != nil {
				return false, fmt.Errorf("message %s: %w", m.MessageID, err)
			}
			if code.ControlCode == coding.ControlStop {
				return true, nil
			}
		}
	}
	return false, nil
}

// ensureContactFields creates any contact field Rapid Pro does not have yet.
func (s *Syncer) ensureContactFields(ctx context.Context, fields []ContactField, st *stats.SyncStats) error {
	existing, err := s.RapidPro.GetFields(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		have[f.Key] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := have[f.Key]; ok {
			continue
		}
		s.log().Info("creating contact field", zap.String("key", f.Key), zap.String("label", f.Label), zap.Bool("dry_run", s.DryRun))
		st.Add(EventCreateField)
		have[f.Key] = struct{}{}
		if s.DryRun {
			continue
		}
		if _, err := s.RapidPro.CreateField(ctx, f.Key, f.Label); err != nil {
			return fmt.Errorf("create contact field %s: %w", f.Key, err)
		}
	}
	return nil
}
