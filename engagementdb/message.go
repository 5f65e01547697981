package engagementdb

import (
	"time"
)

type MessageStatus string

const (
	StatusLive  MessageStatus = "live"
	StatusStale MessageStatus = "stale"
)

// ActiveStatuses are the statuses that count as a participant's current
// messages. STALE messages stay in the store but are left out.
var ActiveStatuses = []MessageStatus{StatusLive}

// CodingStatuses are the statuses kept in step with Coda. STALE messages keep
// their labels up to date so they are correct if they become LIVE again.
var CodingStatuses = []MessageStatus{StatusLive, StatusStale}

type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// SpecialManuallyUncoded is the code id of the tombstone label written when a
// coder removes a label from a scheme.
const SpecialManuallyUncoded = "SPECIAL-MANUALLY_UNCODED"

type Origin struct {
	OriginID   string `json:"origin_id" bson:"origin_id"`
	OriginType string `json:"origin_type" bson:"origin_type"`
}

type LabelOrigin struct {
	OriginID   string `json:"OriginID" bson:"origin_id"`
	Name       string `json:"Name" bson:"name"`
	OriginType string `json:"OriginType" bson:"origin_type"`
}

type Label struct {
	SchemeID    string      `json:"SchemeID" bson:"scheme_id"`
	CodeID      string      `json:"CodeID" bson:"code_id"`
	DateTimeUTC string      `json:"DateTimeUTC" bson:"date_time_utc"`
	Checked     bool        `json:"Checked" bson:"checked"`
	Origin      LabelOrigin `json:"Origin" bson:"origin"`
}

type Message struct {
	MessageID        string           `json:"message_id"`
	Origin           Origin           `json:"origin"`
	ParticipantUUID  string           `json:"participant_uuid"`
	Text             string           `json:"text"`
	Timestamp        time.Time        `json:"timestamp"`
	Direction        MessageDirection `json:"direction"`
	ChannelOperator  string           `json:"channel_operator"`
	Dataset          string           `json:"dataset"`
	PreviousDatasets []string         `json:"previous_datasets"`
	Status           MessageStatus    `json:"status"`
	Labels           []Label          `json:"labels"`
	CodaID           string           `json:"coda_id,omitempty"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// GetLatestLabels returns the most recent label for each scheme. Labels are
// stored newest first. A scheme whose most recent label is the
// SPECIAL-MANUALLY_UNCODED tombstone has no latest label.
func (m *Message) GetLatestLabels() []Label {
	seen := make(map[string]struct{}, len(m.Labels))
	out := make([]Label, 0, len(m.Labels))
	for _, l := range m.Labels {
		if _, ok := seen[l.SchemeID]; ok {
			continue
		}
		seen[l.SchemeID] = struct{}{}
		if l.CodeID == SpecialManuallyUncoded {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Copy returns a deep copy, so snapshots held by callers are not mutated by
// later writes.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.PreviousDatasets != nil {
		out.PreviousDatasets = append([]string(nil), m.PreviousDatasets...)
	}
	if m.Labels != nil {
		out.Labels = append([]Label(nil), m.Labels...)
	}
	return &out
}

// InPreviousDatasets reports whether the message has already been moved out
// of dataset.
func (m *Message) InPreviousDatasets(dataset string) bool {
	for _, d := range m.PreviousDatasets {
		if d == dataset {
			return true
		}
	}
	return false
}

// Before reports whether m sorts before other in (last_updated, message_id)
// order.
func (m *Message) Before(other *Message) bool {
	if !m.LastUpdated.Equal(other.LastUpdated) {
		return m.LastUpdated.Before(other.LastUpdated)
	}
	return m.MessageID < other.MessageID
}

// LabelsEqual compares two label lists element by element.
func LabelsEqual(a, b []Label) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HistoryEntryOrigin describes who wrote a message update and why.
type HistoryEntryOrigin struct {
	OriginName string         `json:"origin_name" bson:"origin_name"`
	Details    map[string]any `json:"details" bson:"details"`

	User     string `json:"user,omitempty" bson:"user,omitempty"`
	Project  string `json:"project,omitempty" bson:"project,omitempty"`
	Pipeline string `json:"pipeline,omitempty" bson:"pipeline,omitempty"`
	Commit   string `json:"commit,omitempty" bson:"commit,omitempty"`
}

// HistoryDefaults fills the audit fields of every HistoryEntryOrigin written
// by a process. Set once at startup by the command.
type HistoryDefaults struct {
	User     string
	Project  string
	Pipeline string
	Commit   string
}

func (o HistoryEntryOrigin) withDefaults(d HistoryDefaults) HistoryEntryOrigin {
	if o.User == "" {
		o.User = d.User
	}
	if o.Project == "" {
		o.Project = d.Project
	}
	if o.Pipeline == "" {
		o.Pipeline = d.Pipeline
	}
	if o.Commit == "" {
		o.Commit = d.Commit
	}
	return o
}

type HistoryEntry struct {
	HistoryEntryID string             `json:"history_entry_id"`
	MessageID      string             `json:"message_id"`
	Origin         HistoryEntryOrigin `json:"origin"`
	Updated        Message            `json:"updated_doc"`
	Timestamp      time.Time          `json:"timestamp"`
}
