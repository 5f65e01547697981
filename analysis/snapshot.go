// Package analysis turns engagement db messages into analysis datasets. Message
// passes impute review status, age categories and locations; the messages are
// then collated into column views, one record per research question message
// or per participant, where consent and missing-data passes run.
package analysis

import (
	"fmt"
	"time"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

// OriginName is the label origin name of every imputed label.
const OriginName = "Engagement DB -> Analysis"

// AuditEntry records one change a pass made to a message.
type AuditEntry struct {
	MessageID string    `json:"message_id"`
	Pass      string    `json:"pass"`
	Note      string    `json:"note"`
	SchemeID  string    `json:"scheme_id,omitempty"`
	CodeID    string    `json:"code_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Snapshot is an immutable set of messages plus the audit log of every pass
// that produced it. Passes never modify a snapshot; they return a new one.
type Snapshot struct {
	messages []*engagementdb.Message
	audit    []AuditEntry
}

// NewSnapshot copies msgs into a snapshot.
func NewSnapshot(msgs []*engagementdb.Message) *Snapshot {
	out := make([]*engagementdb.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Copy()
	}
	return &Snapshot{messages: out}
}

func (s *Snapshot) Len() int { return len(s.messages) }

// Messages returns copies of the snapshot's messages.
func (s *Snapshot) Messages() []*engagementdb.Message {
	out := make([]*engagementdb.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Copy()
	}
	return out
}

// Audit returns the audit entries for one message, oldest first.
func (s *Snapshot) Audit(messageID string) []AuditEntry {
	var out []AuditEntry
	for _, e := range s.audit {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out
}

// AuditLen is the number of entries in the audit log.
func (s *Snapshot) AuditLen() int { return len(s.audit) }

// editor builds the snapshot a pass returns. Messages are copied the first
// time the pass changes them.
type editor struct {
	pass     string
	now      time.Time
	messages []*engagementdb.Message
	copied   map[int]bool
	audit    []AuditEntry
}

func (s *Snapshot) edit(pass string) *editor {
	return &editor{
		pass:     pass,
		now:      time.Now().UTC(),
		messages: append([]*engagementdb.Message(nil), s.messages...),
		copied:   map[int]bool{},
		// The full slice expression makes appends copy, so s keeps its log.
		audit: s.audit[:len(s.audit):len(s.audit)],
	}
}

func (e *editor) message(i int) *engagementdb.Message {
	if !e.copied[i] {
		e.messages[i] = e.messages[i].Copy()
		e.copied[i] = true
	}
	return e.messages[i]
}

func (e *editor) label(scheme *coding.CodeScheme, code coding.Code, checked bool) engagementdb.Label {
	return engagementdb.Label{
		SchemeID:    scheme.SchemeID,
		CodeID:      code.CodeID,
		DateTimeUTC: coding.LabelTime(e.now),
		Checked:     checked,
		Origin: engagementdb.LabelOrigin{
			OriginID:   "analysis." + e.pass,
			Name:       OriginName,
			OriginType: "External",
		},
	}
}

// insertLabel makes l the newest label of message i.
func (e *editor) insertLabel(i int, l engagementdb.Label, note string) {
	m := e.message(i)
	m.Labels = append([]engagementdb.Label{l}, m.Labels...)
	e.audit = append(e.audit, AuditEntry{
		MessageID: m.MessageID,
		Pass:      e.pass,
		Note:      note,
		SchemeID:  l.SchemeID,
		CodeID:    l.CodeID,
		Time:      e.now,
	})
}

// clearLatestLabels tombstones every latest label of message i. Each label
// must belong to one of schemes, including duplicates of them.
func (e *editor) clearLatestLabels(i int, schemes []*coding.CodeScheme) error {
	m := e.messages[i]
	for _, l := range m.GetLatestLabels() {
		if _, ok := coding.SchemeForLabel(l.SchemeID, schemes); !ok {
			return fmt.Errorf("message %s has a label with scheme id %s, which is not in the analysis configuration", m.MessageID, l.SchemeID)
		}
		tombstone := coding.UncodedLabel(l.SchemeID, "analysis."+e.pass, OriginName)
		tombstone.DateTimeUTC = coding.LabelTime(e.now)
		e.insertLabel(i, tombstone, "cleared")
	}
	return nil
}

func (e *editor) done() *Snapshot {
	return &Snapshot{messages: e.messages, audit: e.audit}
}

func (e *editor) filtered(keep func(m *engagementdb.Message) bool, note string) *Snapshot {
	var out []*engagementdb.Message
	for _, m := range e.messages {
		if keep(m) {
			out = append(out, m)
			continue
		}
		e.audit = append(e.audit, AuditEntry{MessageID: m.MessageID, Pass: e.pass, Note: note, Time: e.now})
	}
	return &Snapshot{messages: out, audit: e.audit}
}
