package codasync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"engagement-pipeline/coda"
	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

const (
	EventReadMessageFromEngagementDB = "read_message_from_engagement_db"
	EventSetCodaID                   = "set_coda_id"
	EventSkipEmptyMessage            = "skip_empty_message"
	EventReadMessageFromCoda         = "read_message_from_coda"
	EventAddMessageToCoda            = "add_message_to_coda"
	EventLabelsMatch                 = "labels_match"
	EventUpdateEngagementDBLabels    = "update_engagement_db_labels"
	EventWSCorrection                = "ws_correction"
)

// History origin names written by this package.
const (
	OriginSetCodaID    = "Set coda_id"
	OriginCodaSync     = "Coda -> Database Sync"
	OriginWSCorrection = "Coda -> Database Sync (WS Correction)"
)

// GetWSCode returns the WS scheme code a coder assigned to msg, or nil when
// the message should stay where it is. A message is only redirected when a
// normal scheme is checked as WS and the WS scheme has a checked code, and
// that code is not NC.
func GetWSCode(msg *coda.Message, dataset *DatasetConfig, wsScheme *coding.CodeScheme, log *zap.Logger) (*coding.Code, error) {
	if log == nil {
		log = zap.NewNop()
	}
	normal := dataset.normalSchemes()

	wsInNormalScheme := false
	codeInWSScheme := false
	var wsCode *coding.Code
	for _, l := range msg.GetLatestLabels() {
		if !l.Checked {
			continue
		}
		if l.SchemeID == wsScheme.SchemeID {
			code, err := wsScheme.CodeWithCodeID(l.CodeID)
			if err != nil {
				return nil, err
			}
			codeInWSScheme = true
			wsCode = &code
			continue
		}
		code, err := coding.CodeForLabel(l, normal)
		if err != nil {
			return nil, err
		}
		if code.ControlCode == coding.ControlWrongScheme {
			wsInNormalScheme = true
		}
	}

	if wsInNormalScheme != codeInWSScheme {
		log.Warn("not ws-correcting message, ws labels are incomplete",
			zap.String("coda_id", msg.MessageID),
			zap.Bool("ws_code_in_normal_scheme", wsInNormalScheme),
			zap.Bool("code_in_ws_scheme", codeInWSScheme))
		return nil, nil
	}
	if wsCode != nil && wsCode.ControlCode == coding.ControlNotCoded {
		log.Warn("ws scheme code is NC, cannot redirect message", zap.String("coda_id", msg.MessageID))
		return nil, nil
	}
	return wsCode, nil
}

// wsDestination picks the engagement db dataset a ws code routes to.
func wsDestination(cfg *Config, code *coding.Code) (string, error) {
	if d, ok := cfg.DatasetByWSMatchValues(code.MatchValues); ok {
		return d.EngagementDBDataset, nil
	}
	for _, v := range code.MatchValues {
		if v == code.StringValue {
			return code.StringValue, nil
		}
	}
	if cfg.DefaultWSDataset != "" {
		return cfg.DefaultWSDataset, nil
	}
	return "", fmt.Errorf("%w: match values %v", ErrNoWSDestination, code.MatchValues)
}

// UpdateEngagementDBMessageFromCodaMessage brings m in line with the labels a
// coder gave the matching Coda message. Writes go through tx. If the labels
// already match and no WS correction is needed nothing is written. A valid
// WS code clears the labels and moves m to the dataset the code points at;
// otherwise m's labels are replaced with Coda's.
func UpdateEngagementDBMessageFromCodaMessage(ctx context.Context, tx engagementdb.Tx, m *engagementdb.Message, codaMsg *coda.Message, cfg *Config, dryRun bool, log *zap.Logger) ([]string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dataset, err := cfg.DatasetByEngagementDBDataset(m.Dataset)
	if err != nil {
		return nil, err
	}
	wsCode, err := GetWSCode(codaMsg, dataset, cfg.WSCorrectDatasetScheme, log)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.MessageID, err)
	}
	if wsCode == nil && engagementdb.LabelsEqual(m.Labels, codaMsg.Labels) {
		log.Debug("labels match", zap.String("message_id", m.MessageID))
		return []string{EventLabelsMatch}, nil
	}

	details := map[string]any{
		"coda_dataset": dataset.CodaDatasetID,
		"coda_message": codaMsg,
	}

	if wsCode != nil {
		dest, err := wsDestination(cfg, wsCode)
		if err != nil {
			return nil, err
		}
		if m.InPreviousDatasets(dest) {
			return nil, &RoutingCycleError{
				MessageID:        m.MessageID,
				Destination:      dest,
				PreviousDatasets: append([]string(nil), m.PreviousDatasets...),
			}
		}
		log.Debug("ws correcting", zap.String("message_id", m.MessageID), zap.String("from", m.Dataset), zap.String("to", dest))
		m.Labels = []engagementdb.Label{}
		m.PreviousDatasets = append(m.PreviousDatasets, m.Dataset)
		m.Dataset = dest
		if !dryRun {
			if err := tx.SetMessage(ctx, m, engagementdb.HistoryEntryOrigin{OriginName: OriginWSCorrection, Details: details}); err != nil {
				return nil, err
			}
		}
		return []string{EventWSCorrection}, nil
	}

	m.Labels = append([]engagementdb.Label(nil), codaMsg.Labels...)
	if !dryRun {
		if err := tx.SetMessage(ctx, m, engagementdb.HistoryEntryOrigin{OriginName: OriginCodaSync, Details: details}); err != nil {
			return nil, err
		}
	}
	return []string{EventUpdateEngagementDBLabels}, nil
}
