// Package rapidprosync imports flow results from a Rapid Pro workspace into
// the engagement database.
package rapidprosync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/rapidpro"
	"engagement-pipeline/stats"
	"engagement-pipeline/uuidtable"
)

const (
	EventReadRun                     = "read_run_from_rapid_pro"
	EventRunEmpty                    = "run_empty"
	EventRunContactNotInContacts     = "run_contact_uuid_not_in_contacts"
	EventFilterContactNotInUUIDTable = "uuid_filter_contact_not_in_uuid_table"
	EventContactNotInUUIDFilter      = "contact_not_in_uuid_filter"

	EventRunValueEmpty      = "run_value_empty"
	EventMessageAlreadyInDB = "message_already_in_engagement_db"
	EventAddMessageToDB     = "add_message_to_engagement_db"
)

var (
	flowEvents  = []string{EventReadRun, EventRunEmpty, EventRunContactNotInContacts, EventFilterContactNotInUUIDTable, EventContactNotInUUIDFilter}
	fieldEvents = []string{EventRunValueEmpty, EventMessageAlreadyInDB, EventAddMessageToDB}
)

const OriginName = "Rapid Pro -> Database Sync"

const contactsCacheEntry = "contacts"

// UUIDTable de-identifies contact URNs.
type UUIDTable interface {
	HasData(ctx context.Context, data string) (bool, error)
	DataToUUID(ctx context.Context, data string) (string, error)
}

// Result holds the counts of one workspace sync: per flow and per
// "{flow}.{field}".
type Result struct {
	Flows  *stats.Group
	Fields *stats.Group
}

type Syncer struct {
	RapidPro rapidpro.Client
	Store    engagementdb.Store
	UUIDs    UUIDTable
	// Cache is the pipeline-wide cache. Sync scopes it by workspace name.
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

// Sync downloads new runs for every configured flow and writes one message
// per non-empty configured result. Runs are processed oldest first and the
// flow's cursor advances past every run, including skipped ones.
func (s *Syncer) Sync(ctx context.Context, cfg Config) (*Result, error) {
	log := s.log()
	workspaceName, err := s.RapidPro.GetWorkspaceName(ctx)
	if err != nil {
		return nil, err
	}
	workspaceUUID, err := s.RapidPro.GetWorkspaceUUID(ctx)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("workspace", workspaceName))

	var validUUIDs map[string]struct{}
	if cfg.UUIDFilter != nil {
		if validUUIDs, err = cfg.UUIDFilter.Load(); err != nil {
			return nil, err
		}
		log.Info("loaded uuid filter", zap.Int("participants", len(validUUIDs)))
	}

	c := s.Cache.Scoped(cache.ScopeRapidProToEngagementDB + "/" + workspaceName)
	if c == nil {
		log.Warn("no cache configured, processing runs from all of time")
	}
	contacts, err := c.GetContacts(ctx, contactsCacheEntry)
	if err != nil {
		return nil, err
	}

	res := &Result{Flows: stats.NewGroup(flowEvents...), Fields: stats.NewGroup(fieldEvents...)}
	for _, g := range groupByFlow(cfg.FlowResults) {
		flowID, err := s.RapidPro.GetFlowID(ctx, g.name)
		if err != nil {
			return res, err
		}
		var after *time.Time
		last, err := c.GetTimestamp(ctx, flowID)
		if err != nil {
			return res, err
		}
		if last != nil {
			t := last.Add(time.Microsecond)
			after = &t
		}
		runs, err := s.RapidPro.GetRawRuns(ctx, flowID, after)
		if err != nil {
			return res, err
		}

		contacts, err = s.RapidPro.UpdateRawContactsWithLatestModified(ctx, contacts)
		if err != nil {
			return res, err
		}
		if !s.DryRun {
			if err := c.SetContacts(ctx, contactsCacheEntry, contacts); err != nil {
				return res, err
			}
		}
		byUUID := make(map[string]rapidpro.Contact, len(contacts))
		for _, ct := range contacts {
			byUUID[ct.UUID] = ct
		}

		log.Info("processing runs", zap.String("flow", g.name), zap.Int("runs", len(runs)))
		w := &flowWorker{
			Syncer:        s,
			cfg:           cfg,
			group:         g,
			flowID:        flowID,
			workspaceName: workspaceName,
			workspaceUUID: workspaceUUID,
			contacts:      byUUID,
			validUUIDs:    validUUIDs,
			flowStats:     res.Flows.Get(g.name),
			fields:        res.Fields,
			log:           log.With(zap.String("flow", g.name)),
		}
		for _, run := range runs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			w.flowStats.Add(EventReadRun)
			if err := w.processRun(ctx, run); err != nil {
				return res, fmt.Errorf("flow %s run %d: %w", g.name, run.ID, err)
			}
			if !s.DryRun {
				if err := c.SetTimestamp(ctx, flowID, run.ModifiedOn); err != nil {
					return res, err
				}
			}
		}
	}

	res.Flows.PrintSummaries(log, "flow", s.DryRun)
	res.Fields.PrintSummaries(log, "flow result field", s.DryRun)
	return res, nil
}

type flowWorker struct {
	*Syncer
	cfg           Config
	group         flowGroup
	flowID        string
	workspaceName string
	workspaceUUID string
	contacts      map[string]rapidpro.Contact
	validUUIDs    map[string]struct{}
	flowStats     *stats.SyncStats
	fields        *stats.Group
	log           *zap.Logger
}

func (w *flowWorker) processRun(ctx context.Context, run rapidpro.Run) error {
	log := w.log.With(zap.Int64("run_id", run.ID))
	if len(run.Values) == 0 {
		log.Debug("run has no results")
		w.flowStats.Add(EventRunEmpty)
		return nil
	}
	contact, ok := w.contacts[run.Contact.UUID]
	if !ok {
		log.Warn("run is from a contact missing from the contacts export, most likely deleted")
		w.flowStats.Add(EventRunContactNotInContacts)
		return nil
	}
	if len(contact.URNs) != 1 {
		return fmt.Errorf("contact %s has %d urns, expected 1", contact.UUID, len(contact.URNs))
	}
	urn, ok := uuidtable.NormaliseURN(contact.URNs[0])
	if !ok {
		return fmt.Errorf("contact %s has an invalid urn", contact.UUID)
	}

	if w.validUUIDs != nil {
		known, err := w.UUIDs.HasData(ctx, urn)
		if err != nil {
			return err
		}
		if !known {
			log.Info("uuid filter set and contact is not in the uuid table, skipping")
			w.flowStats.Add(EventFilterContactNotInUUIDTable)
			return nil
		}
		id, err := w.UUIDs.DataToUUID(ctx, urn)
		if err != nil {
			return err
		}
		if _, ok := w.validUUIDs[id]; !ok {
			log.Info("contact is not in the uuid filter, skipping")
			w.flowStats.Add(EventContactNotInUUIDFilter)
			return nil
		}
	}

	participantUUID, err := w.UUIDs.DataToUUID(ctx, urn)
	if err != nil {
		return err
	}
	operator := uuidtable.CleanOperator(urn, w.cfg.OperatorPrefixes)

	for _, fc := range w.group.configs {
		st := w.fields.Get(w.group.name + "." + fc.FlowResultField)
		value, ok := run.Values[fc.FlowResultField]
		if !ok {
			st.Add(EventRunValueEmpty)
			continue
		}
		msg := &engagementdb.Message{
			ParticipantUUID: participantUUID,
			Text:            value.Input,
			Timestamp:       value.Time,
			Direction:       engagementdb.DirectionIn,
			ChannelOperator: operator,
			Status:          engagementdb.StatusLive,
			Dataset:         fc.EngagementDBDataset,
			Labels:          []engagementdb.Label{},
			Origin: engagementdb.Origin{
				OriginID:   fmt.Sprintf("rapid_pro.workspace_%s.flow_%s.run_%d.result_%s", w.workspaceUUID, w.flowID, run.ID, value.Name),
				OriginType: "rapid_pro",
			},
		}
		event, err := w.ensureMessage(ctx, msg, map[string]any{
			"rapid_pro_workspace": w.workspaceName,
			"run_id":              run.ID,
			"flow_id":             w.flowID,
			"flow_name":           w.group.name,
			"run_value":           value,
		})
		if err != nil {
			return err
		}
		st.Add(event)
	}
	return nil
}

// ensureMessage writes msg unless a message with the same origin id exists.
func (w *flowWorker) ensureMessage(ctx context.Context, msg *engagementdb.Message, details map[string]any) (string, error) {
	existing, err := w.Store.GetMessages(ctx, engagementdb.Query{OriginID: msg.Origin.OriginID})
	if err != nil {
		return "", err
	}
	switch {
	case len(existing) > 1:
		return "", fmt.Errorf("%d messages share origin id %s", len(existing), msg.Origin.OriginID)
	case len(existing) == 1:
		return EventMessageAlreadyInDB, nil
	}
	if w.DryRun {
		return EventAddMessageToDB, nil
	}
	if err := w.Store.SetMessage(ctx, msg, engagementdb.HistoryEntryOrigin{OriginName: OriginName, Details: details}); err != nil {
		return "", err
	}
	return EventAddMessageToDB, nil
}
