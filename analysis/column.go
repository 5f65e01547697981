package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

// ColumnConfig is one analysis dataset in column view: the raw text field it
// shares with the other schemes of its dataset and its own labels field.
type ColumnConfig struct {
	DatasetName string
	RawField    string
	CodedField  string
	CodeScheme  *coding.CodeScheme
}

func columnConfigsFor(d *DatasetConfig) []ColumnConfig {
	out := make([]ColumnConfig, 0, len(d.CodingConfigs))
	for _, cc := range d.CodingConfigs {
		out = append(out, ColumnConfig{
			DatasetName: cc.AnalysisDataset,
			RawField:    d.RawDataset,
			CodedField:  cc.AnalysisDataset + "_labels",
			CodeScheme:  cc.CodeScheme,
		})
	}
	return out
}

// ColumnConfigs lists the column configs of every dataset.
func (c *Config) ColumnConfigs() []ColumnConfig {
	var out []ColumnConfig
	for i := range c.Datasets {
		out = append(out, columnConfigsFor(&c.Datasets[i])...)
	}
	return out
}

func (c *Config) columnConfigsOfType(t DatasetType) []ColumnConfig {
	var out []ColumnConfig
	for i := range c.Datasets {
		if c.Datasets[i].DatasetType == t {
			out = append(out, columnConfigsFor(&c.Datasets[i])...)
		}
	}
	return out
}

// ColumnRecord is a collated row: one research question message, or one
// participant, with the texts and labels of every dataset folded in.
type ColumnRecord struct {
	ParticipantUUID  string                          `json:"participant_uuid"`
	Timestamp        *time.Time                      `json:"timestamp,omitempty"`
	Raw              map[string]string               `json:"raw"`
	Labels           map[string][]engagementdb.Label `json:"labels"`
	ConsentWithdrawn bool                            `json:"consent_withdrawn"`
	// MessageIDs are the messages folded into the record, in order.
	MessageIDs []string `json:"message_ids"`
}

func newColumnRecord(participant string) *ColumnRecord {
	return &ColumnRecord{
		ParticipantUUID: participant,
		Raw:             map[string]string{},
		Labels:          map[string][]engagementdb.Label{},
	}
}

// addMessage folds m's text and latest labels into r. Texts are joined with
// ";" and labels are merged per scheme.
func (r *ColumnRecord) addMessage(m *engagementdb.Message, cfg *Config) error {
	d, err := cfg.datasetConfigFor(m)
	if err != nil {
		return err
	}
	if existing, ok := r.Raw[d.RawDataset]; ok {
		r.Raw[d.RawDataset] = existing + ";" + m.Text
	} else {
		r.Raw[d.RawDataset] = m.Text
	}
	for _, cc := range columnConfigsFor(d) {
		labels := coding.LatestLabelsWithScheme(m, cc.CodeScheme)
		if len(labels) == 0 {
			continue
		}
		merged, err := mergeLabels(cc.CodeScheme, r.Labels[cc.CodedField], labels)
		if err != nil {
			return fmt.Errorf("message %s: %w", m.MessageID, err)
		}
		r.Labels[cc.CodedField] = merged
	}
	r.MessageIDs = append(r.MessageIDs, m.MessageID)
	return nil
}

// mergeLabels combines two label lists under one scheme, dropping repeated
// codes. NC is dropped once any other code is present.
func mergeLabels(scheme *coding.CodeScheme, a, b []engagementdb.Label) ([]engagementdb.Label, error) {
	seen := map[string]struct{}{}
	var all []engagementdb.Label
	hasOther := false
	for _, l := range append(append([]engagementdb.Label(nil), a...), b...) {
		if _, ok := seen[l.CodeID]; ok {
			continue
		}
		seen[l.CodeID] = struct{}{}
		code, err := scheme.CodeWithCodeID(l.CodeID)
		if err != nil {
			return nil, err
		}
		if code.ControlCode != coding.ControlNotCoded {
			hasOther = true
		}
		all = append(all, l)
	}
	if !hasOther {
		return all, nil
	}
	out := all[:0]
	for _, l := range all {
		code, _ := scheme.CodeWithCodeID(l.CodeID)
		if code.ControlCode == coding.ControlNotCoded {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// addOperators sets the operator dataset of r from the given operators.
func (r *ColumnRecord) addOperators(operators []string, d *DatasetConfig) error {
	unique := setOf(operators)
	sorted := make([]string, 0, len(unique))
	for op := range unique {
		sorted = append(sorted, op)
	}
	sort.Strings(sorted)

	now := time.Now().UTC()
	for _, cc := range columnConfigsFor(d) {
		labels := make([]engagementdb.Label, 0, len(sorted))
		for _, op := range sorted {
			code, err := cc.CodeScheme.CodeWithMatchValue(op)
			if err != nil {
				return fmt.Errorf("operator %q: %w", op, err)
			}
			labels = append(labels, columnLabel(cc.CodeScheme, code, "operator", now))
		}
		r.Raw[d.RawDataset] = strings.Join(operators, ";")
		r.Labels[cc.CodedField] = labels
	}
	return nil
}

func columnLabel(scheme *coding.CodeScheme, code coding.Code, pass string, now time.Time) engagementdb.Label {
	return engagementdb.Label{
		SchemeID:    scheme.SchemeID,
		CodeID:      code.CodeID,
		DateTimeUTC: coding.LabelTime(now),
		Origin: engagementdb.LabelOrigin{
			OriginID:   "analysis." + pass,
			Name:       OriginName,
			OriginType: "External",
		},
	}
}

func (c *Config) operatorDatasets() []*DatasetConfig {
	var out []*DatasetConfig
	for i := range c.Datasets {
		if c.Datasets[i].Kind == KindOperator {
			out = append(out, &c.Datasets[i])
		}
	}
	return out
}

// ColumnViewByMessage returns one record per research question message,
// each carrying every demographic message of the same participant.
// Participants who only sent demographics are left out.
func ColumnViewByMessage(s *Snapshot, cfg *Config, log *zap.Logger) ([]*ColumnRecord, error) {
	if log == nil {
		log = zap.NewNop()
	}
	msgs := FilterDemogsOnlyParticipants(s, cfg, log).messages

	var order []string
	byParticipant := map[string][]*ColumnRecord{}
	for _, m := range msgs {
		d, err := cfg.datasetConfigFor(m)
		if err != nil {
			return nil, err
		}
		if d.DatasetType != DatasetTypeResearchQuestionAnswer {
			continue
		}
		r := newColumnRecord(m.ParticipantUUID)
		ts := m.Timestamp
		r.Timestamp = &ts
		if err := r.addMessage(m, cfg); err != nil {
			return nil, err
		}
		for _, od := range cfg.operatorDatasets() {
			if err := r.addOperators([]string{m.ChannelOperator}, od); err != nil {
				return nil, err
			}
		}
		if _, ok := byParticipant[m.ParticipantUUID]; !ok {
			order = append(order, m.ParticipantUUID)
		}
		byParticipant[m.ParticipantUUID] = append(byParticipant[m.ParticipantUUID], r)
	}

	for _, m := range msgs {
		d, err := cfg.datasetConfigFor(m)
		if err != nil {
			return nil, err
		}
		if d.DatasetType != DatasetTypeDemographic {
			continue
		}
		for _, r := range byParticipant[m.ParticipantUUID] {
			if err := r.addMessage(m, cfg); err != nil {
				return nil, err
			}
		}
	}

	var out []*ColumnRecord
	for _, p := range order {
		out = append(out, byParticipant[p]...)
	}
	log.Info("converted messages to column view by message", zap.Int("messages", len(msgs)), zap.Int("records", len(out)))
	return out, nil
}

// ColumnViewByParticipant returns one record per participant who answered a
// research question, with all their messages folded in. The operator
// dataset holds the operators of their research question messages.
func ColumnViewByParticipant(s *Snapshot, cfg *Config, log *zap.Logger) ([]*ColumnRecord, error) {
	if log == nil {
		log = zap.NewNop()
	}
	msgs := FilterDemogsOnlyParticipants(s, cfg, log).messages

	var order []string
	records := map[string]*ColumnRecord{}
	operators := map[string][]string{}
	for _, m := range msgs {
		r, ok := records[m.ParticipantUUID]
		if !ok {
			r = newColumnRecord(m.ParticipantUUID)
			records[m.ParticipantUUID] = r
			order = append(order, m.ParticipantUUID)
		}
		d, err := cfg.datasetConfigFor(m)
		if err != nil {
			return nil, err
		}
		if d.DatasetType == DatasetTypeResearchQuestionAnswer {
			operators[m.ParticipantUUID] = appendUnique(operators[m.ParticipantUUID], m.ChannelOperator)
		}
		if err := r.addMessage(m, cfg); err != nil {
			return nil, err
		}
	}

	out := make([]*ColumnRecord, 0, len(order))
	for _, p := range order {
		r := records[p]
		for _, od := range cfg.operatorDatasets() {
			if err := r.addOperators(operators[p], od); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	log.Info("converted messages to column view by participant", zap.Int("messages", len(msgs)), zap.Int("records", len(out)))
	return out, nil
}

func appendUnique(values []string, v string) []string {
	for _, x := range values {
		if x == v {
			return values
		}
	}
	return append(values, v)
}
