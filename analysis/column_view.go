package analysis

import (
	"time"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

// ColumnAuditEntry records one change a column pass made to a record.
type ColumnAuditEntry struct {
	Record          int       `json:"record"`
	ParticipantUUID string    `json:"participant_uuid"`
	Field           string    `json:"field"`
	Pass            string    `json:"pass"`
	Note            string    `json:"note"`
	SchemeID        string    `json:"scheme_id,omitempty"`
	CodeID          string    `json:"code_id,omitempty"`
	Time            time.Time `json:"time"`
}

// ColumnView is an immutable set of column records plus the audit log of the
// column passes that produced it. Like Snapshot, passes return a new view.
type ColumnView struct {
	records []*ColumnRecord
	audit   []ColumnAuditEntry
}

// NewColumnView copies records into a view.
func NewColumnView(records []*ColumnRecord) *ColumnView {
	out := make([]*ColumnRecord, len(records))
	for i, r := range records {
		out[i] = r.Copy()
	}
	return &ColumnView{records: out}
}

func (v *ColumnView) Len() int { return len(v.records) }

// Records returns copies of the view's records.
func (v *ColumnView) Records() []*ColumnRecord {
	out := make([]*ColumnRecord, len(v.records))
	for i, r := range v.records {
		out[i] = r.Copy()
	}
	return out
}

// Audit returns the audit entries for record i, oldest first.
func (v *ColumnView) Audit(i int) []ColumnAuditEntry {
	var out []ColumnAuditEntry
	for _, e := range v.audit {
		if e.Record == i {
			out = append(out, e)
		}
	}
	return out
}

func (v *ColumnView) AuditLen() int { return len(v.audit) }

// Copy returns a deep copy of r.
func (r *ColumnRecord) Copy() *ColumnRecord {
	c := *r
	if r.Timestamp != nil {
		ts := *r.Timestamp
		c.Timestamp = &ts
	}
	c.Raw = make(map[string]string, len(r.Raw))
	for k, v := range r.Raw {
		c.Raw[k] = v
	}
	c.Labels = make(map[string][]engagementdb.Label, len(r.Labels))
	for k, ls := range r.Labels {
		c.Labels[k] = append([]engagementdb.Label(nil), ls...)
	}
	c.MessageIDs = append([]string(nil), r.MessageIDs...)
	return &c
}

// columnEditor builds the view a column pass returns. Records are copied the
// first time the pass changes them.
type columnEditor struct {
	pass    string
	now     time.Time
	records []*ColumnRecord
	copied  map[int]bool
	audit   []ColumnAuditEntry
}

func (v *ColumnView) edit(pass string) *columnEditor {
	return &columnEditor{
		pass:    pass,
		now:     time.Now().UTC(),
		records: append([]*ColumnRecord(nil), v.records...),
		copied:  map[int]bool{},
		audit:   v.audit[:len(v.audit):len(v.audit)],
	}
}

func (e *columnEditor) record(i int) *ColumnRecord {
	if !e.copied[i] {
		e.records[i] = e.records[i].Copy()
		e.copied[i] = true
	}
	return e.records[i]
}

func (e *columnEditor) log(i int, field, note string, l *engagementdb.Label) {
	entry := ColumnAuditEntry{
		Record:          i,
		ParticipantUUID: e.records[i].ParticipantUUID,
		Field:           field,
		Pass:            e.pass,
		Note:            note,
		Time:            e.now,
	}
	if l != nil {
		entry.SchemeID = l.SchemeID
		entry.CodeID = l.CodeID
	}
	e.audit = append(e.audit, entry)
}

// setLabels replaces the labels of field with kept followed by imputed. Each
// imputed label gets an audit entry.
func (e *columnEditor) setLabels(i int, field string, kept []engagementdb.Label, imputed engagementdb.Label, note string) {
	r := e.record(i)
	r.Labels[field] = append(append([]engagementdb.Label(nil), kept...), imputed)
	e.log(i, field, note, &imputed)
}

// setRaw replaces the text of field.
func (e *columnEditor) setRaw(i int, field, text, note string) {
	r := e.record(i)
	r.Raw[field] = text
	e.log(i, field, note, nil)
}

func (e *columnEditor) setConsentWithdrawn(i int, withdrawn bool) {
	if e.records[i].ConsentWithdrawn == withdrawn {
		return
	}
	e.record(i).ConsentWithdrawn = withdrawn
	note := "consent withdrawn"
	if !withdrawn {
		note = "consent not withdrawn"
	}
	e.log(i, "consent_withdrawn", note, nil)
}

func (e *columnEditor) label(scheme *coding.CodeScheme, code coding.Code) engagementdb.Label {
	return columnLabel(scheme, code, e.pass, e.now)
}

func (e *columnEditor) done() *ColumnView {
	return &ColumnView{records: e.records, audit: e.audit}
}
