package analysis

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
)

// columnFixture has one participant with conflicting ages, one who withdrew
// consent and one who only sent demographics.
func columnFixture() []*engagementdb.Message {
	return []*engagementdb.Message{
		msg("m1", "p1", "s01e01", "water", label(rqaScheme, "rqa-water", true)),
		msg("m2", "p1", "age", "14", label(ageScheme, "age-14", true)),
		msg("m3", "p1", "age", "15", label(ageScheme, "age-15", true)),
		msg("m4", "p2", "s01e01", "stop", label(rqaScheme, "Scheme-rqa-STOP", true)),
		msg("m5", "p2", "s01e01", "more"),
		msg("m6", "p3", "age", "old", label(ageScheme, "Scheme-age-NC", true)),
	}
}

func imputedColumnViews(t *testing.T, cfg *Config) (byMessage, byParticipant []*ColumnRecord) {
	t.Helper()
	s, err := ImputeMessageCodes(NewSnapshot(columnFixture()), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if byMessage, err = ColumnViewByMessage(s, cfg, nil); err != nil {
		t.Fatal(err)
	}
	if byParticipant, err = ColumnViewByParticipant(s, cfg, nil); err != nil {
		t.Fatal(err)
	}
	vm, err := ImputeColumnCodes(NewColumnView(byMessage), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	vp, err := ImputeColumnCodes(NewColumnView(byParticipant), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return vm.Records(), vp.Records()
}

func onlyCode(t *testing.T, r *ColumnRecord, field string) string {
	t.Helper()
	labels := r.Labels[field]
	if len(labels) != 1 {
		t.Fatalf("%s of %s: expected one label, got %+v", field, r.ParticipantUUID, labels)
	}
	return labels[0].CodeID
}

func TestColumnViewByMessage(t *testing.T) {
	records, _ := imputedColumnViews(t, testConfig())
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	r := records[0]
	if r.ParticipantUUID != "p1" || r.ConsentWithdrawn {
		t.Fatalf("unexpected first record %+v", r)
	}
	if r.Timestamp == nil || !r.Timestamp.Equal(baseTime) {
		t.Fatalf("unexpected timestamp %v", r.Timestamp)
	}
	if r.Raw["rqa_s01e01_raw"] != "water" || r.Raw["age_raw"] != "14;15" {
		t.Fatalf("unexpected raw texts %+v", r.Raw)
	}
	if c := onlyCode(t, r, "rqa_s01e01_labels"); c != "rqa-water" {
		t.Fatalf("rqa = %s", c)
	}
	if c := onlyCode(t, r, "age_labels"); c != "Scheme-age-NIC" {
		t.Fatalf("age = %s", c)
	}
	if c := onlyCode(t, r, "age_category_labels"); c != "Scheme-category-NIC" {
		t.Fatalf("age category = %s", c)
	}
	if c := onlyCode(t, r, "gender_labels"); c != "Scheme-gender-NA" {
		t.Fatalf("gender = %s", c)
	}
	if v, ok := r.Raw["gender_raw"]; !ok || v != "" {
		t.Fatalf("expected an empty gender text, got %q (present %v)", v, ok)
	}
	if len(r.MessageIDs) != 3 {
		t.Fatalf("expected 3 message ids, got %v", r.MessageIDs)
	}

	for _, r := range records[1:] {
		if r.ParticipantUUID != "p2" || !r.ConsentWithdrawn {
			t.Fatalf("expected a consent withdrawn p2 record, got %+v", r)
		}
		for _, cc := range testConfig().ColumnConfigs() {
			if r.Raw[cc.RawField] != ConsentWithdrawnText {
				t.Fatalf("%s = %q, want %q", cc.RawField, r.Raw[cc.RawField], ConsentWithdrawnText)
			}
			if c := onlyCode(t, r, cc.CodedField); c != cc.CodeScheme.SchemeID+"-STOP" {
				t.Fatalf("%s = %s", cc.CodedField, c)
			}
		}
	}
}

func TestColumnViewByParticipant(t *testing.T) {
	_, records := imputedColumnViews(t, testConfig())
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ParticipantUUID != "p1" || records[1].ParticipantUUID != "p2" {
		t.Fatalf("unexpected participant order %s, %s", records[0].ParticipantUUID, records[1].ParticipantUUID)
	}
	if records[0].Timestamp != nil {
		t.Fatal("participant records should not carry a timestamp")
	}
	if records[0].Raw["age_raw"] != "14;15" {
		t.Fatalf("unexpected age text %q", records[0].Raw["age_raw"])
	}
	if !records[1].ConsentWithdrawn || records[1].Raw["rqa_s01e01_raw"] != ConsentWithdrawnText {
		t.Fatalf("expected p2 to have withdrawn consent, got %+v", records[1])
	}
	if len(records[1].MessageIDs) != 2 {
		t.Fatalf("expected both p2 messages in the record, got %v", records[1].MessageIDs)
	}
}

func TestMergeLabels_DropsNotCoded(t *testing.T) {
	nc := label(rqaScheme, "Scheme-rqa-NC", true)
	water := label(rqaScheme, "rqa-water", true)

	got, err := mergeLabels(rqaScheme, []engagementdb.Label{nc}, []engagementdb.Label{water, water})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CodeID != "rqa-water" {
		t.Fatalf("unexpected merged labels %+v", got)
	}

	got, err = mergeLabels(rqaScheme, []engagementdb.Label{nc}, []engagementdb.Label{nc})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CodeID != "Scheme-rqa-NC" {
		t.Fatalf("NC alone should be kept, got %+v", got)
	}
}

var (
	zoneScheme     = scheme("Scheme-zone", normal("zone-scz", "scz", 0), normal("zone-nez", "nez", 0))
	operatorScheme = scheme("Scheme-operator", normal("operator-hormud", "hormud", 0), normal("operator-golis", "golis", 0))
)

func zoneConfig() *Config {
	return &Config{
		WSCorrectDatasetScheme: wsScheme,
		Datasets: []DatasetConfig{
			{
				EngagementDBDatasets: []string{"s01e01"},
				DatasetType:          DatasetTypeResearchQuestionAnswer,
				RawDataset:           "rqa_s01e01_raw",
				CodingConfigs:        []CodingConfig{{CodeScheme: rqaScheme, AnalysisDataset: "rqa_s01e01"}},
			},
			{
				EngagementDBDatasets: []string{"zone"},
				DatasetType:          DatasetTypeDemographic,
				RawDataset:           "zone_raw",
				CodingConfigs:        []CodingConfig{{CodeScheme: zoneScheme, AnalysisDataset: "zone", AnalysisLocation: SomaliaZone}},
			},
			OperatorDataset("operator_raw", []CodingConfig{{CodeScheme: operatorScheme, AnalysisDataset: "operator", AnalysisLocation: SomaliaOperator}}),
		},
		Locations: map[string]*coding.LocationHierarchy{
			"somalia": {Levels: []string{"somalia_zone"}, OperatorZones: map[string]string{"hormud": "scz"}},
		},
	}
}

func TestImputeSomaliaZoneFromOperator(t *testing.T) {
	cfg := zoneConfig()
	records := []*ColumnRecord{newColumnRecord("p1"), newColumnRecord("p2"), newColumnRecord("p3")}
	records[0].Raw["operator_raw"] = "hormud"
	records[0].Labels["zone_labels"] = []engagementdb.Label{label(zoneScheme, "Scheme-zone-NC", true)}
	records[1].Raw["operator_raw"] = "hormud"
	records[1].Labels["zone_labels"] = []engagementdb.Label{label(zoneScheme, "zone-nez", true)}
	records[2].Raw["operator_raw"] = "telesom"
	records[2].Labels["zone_labels"] = []engagementdb.Label{label(zoneScheme, "Scheme-zone-NC", true)}

	v, err := ImputeSomaliaZoneFromOperator(NewColumnView(records), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	records = v.Records()
	if c := onlyCode(t, records[0], "zone_labels"); c != "zone-scz" {
		t.Fatalf("p1 zone = %s", c)
	}
	if c := onlyCode(t, records[1], "zone_labels"); c != "zone-nez" {
		t.Fatalf("p2 zone should be untouched, got %s", c)
	}
	if c := onlyCode(t, records[2], "zone_labels"); c != "Scheme-zone-NC" {
		t.Fatalf("p3 zone = %s", c)
	}
	if a := v.Audit(0); len(a) != 1 || a[0].CodeID != "zone-scz" || a[0].Pass != "zone_from_operator" {
		t.Fatalf("unexpected p1 audit %+v", a)
	}
	if v.AuditLen() != 2 {
		t.Fatalf("expected p1 and p3 to be audited, got %d entries", v.AuditLen())
	}
}

func TestColumnViewByParticipant_Operators(t *testing.T) {
	cfg := zoneConfig()
	first := msg("m1", "p1", "s01e01", "water", label(rqaScheme, "rqa-water", true))
	second := msg("m2", "p1", "s01e01", "water again", label(rqaScheme, "rqa-water", true))
	second.ChannelOperator = "golis"
	zone := msg("m3", "p1", "zone", "?", label(zoneScheme, "Scheme-zone-NC", true))
	zone.ChannelOperator = "telesom"

	records, err := ColumnViewByParticipant(NewSnapshot([]*engagementdb.Message{first, second, zone}), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	r := records[0]
	if r.Raw["operator_raw"] != "hormud;golis" {
		t.Fatalf("unexpected operator text %q", r.Raw["operator_raw"])
	}
	labels := r.Labels["operator_labels"]
	if len(labels) != 2 || labels[0].CodeID != "operator-golis" || labels[1].CodeID != "operator-hormud" {
		t.Fatalf("unexpected operator labels %+v", labels)
	}
}

func TestExports(t *testing.T) {
	cfg := testConfig()
	byMessage, byParticipant := imputedColumnViews(t, cfg)
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "nested", "messages.csv")
	if err := ExportAnalysisCSV(csvPath, byMessage, cfg, true); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected a header and 3 rows, got %d", len(rows))
	}
	col := map[string]int{}
	for i, h := range rows[0] {
		col[h] = i
	}
	for _, h := range []string{"participant_uuid", "timestamp", "rqa_s01e01:water", "rqa_s01e01_raw", "age:NIC", "age_category:NIC"} {
		if _, ok := col[h]; !ok {
			t.Fatalf("missing column %s in %v", h, rows[0])
		}
	}
	if col["rqa_s01e01_raw"] < col["rqa_s01e01:water"] {
		t.Fatal("raw text column should follow its code columns")
	}
	if v := rows[1][col["rqa_s01e01:water"]]; v != "1" {
		t.Fatalf("rqa_s01e01:water = %q", v)
	}
	if v := rows[2][col["rqa_s01e01:water"]]; v != "0" {
		t.Fatalf("withdrawn participant has rqa_s01e01:water = %q", v)
	}
	if v := rows[2][col["consent_withdrawn"]]; v != "true" {
		t.Fatalf("consent_withdrawn = %q", v)
	}

	jsonlPath := filepath.Join(dir, "participants.jsonl")
	if err := ExportJSONL(jsonlPath, byParticipant); err != nil {
		t.Fatal(err)
	}
	jf, err := os.Open(jsonlPath)
	if err != nil {
		t.Fatal(err)
	}
	defer jf.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(jf)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["participant_uuid"] != "p1" || lines[0]["raw.rqa_s01e01_raw"] != "water" {
		t.Fatalf("unexpected first line %v", lines[0])
	}
	if lines[0]["labels.age_labels[0].CodeID"] != "Scheme-age-NIC" {
		t.Fatalf("unexpected age label in %v", lines[0])
	}
}

func TestFlattenJSON(t *testing.T) {
	flat := FlattenJSON(map[string]any{
		"a": map[string]any{"b": 1.0},
		"c": []any{"x", map[string]any{"d": true}},
	}, FlattenOptions{})
	want := map[string]any{"a.b": 1.0, "c[0]": "x", "c[1].d": true}
	if len(flat) != len(want) {
		t.Fatalf("unexpected keys %v", flat)
	}
	for k, v := range want {
		if flat[k] != v {
			t.Fatalf("%s = %v, want %v", k, flat[k], v)
		}
	}

	deep := FlattenJSON(map[string]any{"a": map[string]any{"b": map[string]any{"c": 1.0}}}, FlattenOptions{MaxDepth: 1})
	if deep["a.b"] != "<max_depth:1>" {
		t.Fatalf("expected depth marker, got %v", deep)
	}
}

func TestGenerator_Generate(t *testing.T) {
	dir := t.TempDir()
	store, err := engagementdb.OpenSQLStore(filepath.Join(dir, "engagement.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, m := range columnFixture() {
		if err := store.SetMessage(ctx, m, engagementdb.HistoryEntryOrigin{OriginName: "test", Details: map[string]any{}}); err != nil {
			t.Fatal(err)
		}
	}

	g := &Generator{Store: store}
	res, err := g.Generate(ctx, testConfig(), filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages.Len() != 3 || res.Participants.Len() != 2 {
		t.Fatalf("unexpected record counts %d, %d", res.Messages.Len(), res.Participants.Len())
	}
	if res.Messages.AuditLen() == 0 || res.Participants.AuditLen() == 0 {
		t.Fatal("expected the column passes to be audited")
	}
	for _, name := range []string{"production.csv", "messages.csv", "participants.csv", "messages.jsonl", "participants.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, "out", name)); err != nil {
			t.Fatalf("expected %s to be written: %v", name, err)
		}
	}
}

func TestGenerator_SkipsStaleMessages(t *testing.T) {
	dir := t.TempDir()
	store, err := engagementdb.OpenSQLStore(filepath.Join(dir, "engagement.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	retracted := msg("m-stale", "p1", "s01e01", "retracted", label(rqaScheme, "rqa-water", true))
	retracted.Status = engagementdb.StatusStale
	staleOnly := msg("m-stale-2", "p9", "s01e01", "gone", label(rqaScheme, "rqa-water", true))
	staleOnly.Status = engagementdb.StatusStale
	for _, m := range []*engagementdb.Message{
		msg("m1", "p1", "s01e01", "water", label(rqaScheme, "rqa-water", true)),
		retracted,
		staleOnly,
	} {
		if err := store.SetMessage(ctx, m, engagementdb.HistoryEntryOrigin{OriginName: "test", Details: map[string]any{}}); err != nil {
			t.Fatal(err)
		}
	}

	g := &Generator{Store: store}
	res, err := g.Generate(ctx, testConfig(), filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Snapshot.Len() != 1 {
		t.Fatalf("expected only the live message, got %d", res.Snapshot.Len())
	}
	records := res.Participants.Records()
	if len(records) != 1 || records[0].ParticipantUUID != "p1" {
		t.Fatalf("unexpected participant records %+v", records)
	}
	if got := records[0].Raw["rqa_s01e01_raw"]; got != "water" {
		t.Fatalf("rqa text = %q, stale text leaked in", got)
	}
}
