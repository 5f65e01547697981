package coding

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"engagement-pipeline/engagementdb"
)

func testScheme() *CodeScheme {
	return &CodeScheme{
		SchemeID: "Scheme-gender",
		Name:     "gender",
		Codes: []Code{
			{CodeID: "code-male", CodeType: CodeTypeNormal, StringValue: "male", MatchValues: []string{"male"}},
			{CodeID: "code-female", CodeType: CodeTypeNormal, StringValue: "female", MatchValues: []string{"female"}},
			{CodeID: "code-NC", CodeType: CodeTypeControl, ControlCode: ControlNotCoded},
			{CodeID: "code-STOP", CodeType: CodeTypeControl, ControlCode: ControlStop},
			{CodeID: "code-showtime", CodeType: CodeTypeMeta, MetaCode: "showtime_question"},
		},
	}
}

func TestCodeScheme_Lookups(t *testing.T) {
	s := testScheme()
	if c, err := s.CodeWithMatchValue("female"); err != nil || c.CodeID != "code-female" {
		t.Fatalf("match value: %+v %v", c, err)
	}
	if c, err := s.CodeWithControlCode(ControlStop); err != nil || c.CodeID != "code-STOP" {
		t.Fatalf("control code: %+v %v", c, err)
	}
	if c, err := s.CodeWithMetaCode("showtime_question"); err != nil || c.CodeID != "code-showtime" {
		t.Fatalf("meta code: %+v %v", c, err)
	}
	if _, err := s.CodeWithCodeID("missing"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	if !s.HasCodeID(engagementdb.SpecialManuallyUncoded) {
		t.Fatal("tombstone id should be accepted")
	}
}

func TestDuplicateSchemeAndPrefixLookup(t *testing.T) {
	s := testScheme()
	if s.DuplicateScheme(1) != s {
		t.Fatal("first duplicate should be the scheme itself")
	}
	dup := s.DuplicateScheme(2)
	if dup.SchemeID != "Scheme-gender-2" || s.SchemeID != "Scheme-gender" {
		t.Fatalf("unexpected ids %q %q", dup.SchemeID, s.SchemeID)
	}
	got, ok := SchemeForLabel("Scheme-gender-2", []*CodeScheme{s})
	if !ok || got != s {
		t.Fatal("duplicate scheme id should resolve to the primary scheme")
	}

	m := &engagementdb.Message{Labels: []engagementdb.Label{
		{SchemeID: "Scheme-gender-2", CodeID: "code-male"},
		{SchemeID: "Scheme-other", CodeID: "x"},
	}}
	labels := LatestLabelsWithScheme(m, s)
	if len(labels) != 1 || labels[0].SchemeID != "Scheme-gender" {
		t.Fatalf("unexpected normalised labels %+v", labels)
	}
	if m.Labels[0].SchemeID != "Scheme-gender-2" {
		t.Fatal("normalising must not modify the message")
	}
}

func TestAutoCoders(t *testing.T) {
	cases := []struct {
		coder string
		text  string
		want  CleanResult
	}{
		{"gender", "I am a woman", CodedAs("female")},
		{"gender", "boy or girl", NotCodedResult},
		{"gender", "hello", NotCodedResult},
		{"age", "I am 23 years", CodedAs("23")},
		{"age", "5", NotCodedResult},
		{"age", "23 or 24", NotCodedResult},
		{"yes_no", "Yes please", CodedAs("yes")},
		{"yes_no", "yes no", NotCodedResult},
	}
	for _, tc := range cases {
		coder, err := LookupAutoCoder(tc.coder)
		if err != nil {
			t.Fatal(err)
		}
		if got := coder(tc.text); got != tc.want {
			t.Errorf("%s(%q) = %+v, want %+v", tc.coder, tc.text, got, tc.want)
		}
	}
	if _, err := LookupAutoCoder("nope"); err == nil {
		t.Fatal("expected unknown auto-coder error")
	}
}

func TestApplyAutoCoder(t *testing.T) {
	s := testScheme()
	l, ok, err := ApplyAutoCoder(CleanGender, "male", s)
	if err != nil || !ok || l.CodeID != "code-male" || l.Checked {
		t.Fatalf("unexpected label %+v %v %v", l, ok, err)
	}
	l, ok, err = ApplyAutoCoder(CleanGender, "???", s)
	if err != nil || ok {
		t.Fatalf("expected no label for uncodable text, got %+v %v %v", l, ok, err)
	}
}

func TestLocationHierarchy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "somalia.yaml")
	doc := `levels: [somalia_zone, somalia_state, somalia_region, somalia_district, mogadishu_sub_district]
rows:
  - {somalia_zone: scz, somalia_state: banadir, somalia_region: banadir, somalia_district: mogadishu, mogadishu_sub_district: hodan}
  - {somalia_zone: scz, somalia_state: banadir, somalia_region: banadir, somalia_district: mogadishu, mogadishu_sub_district: wadajir}
  - {somalia_zone: nez, somalia_state: puntland, somalia_region: bari, somalia_district: bosaso}
operator_zones:
  golis: nez
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := LoadLocationHierarchy(path)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		value, target string
		want          CleanResult
	}{
		{"hodan", "somalia_zone", CodedAs("scz")},
		{"mogadishu", "somalia_state", CodedAs("banadir")},
		{"mogadishu", "mogadishu_sub_district", NotCodedResult},
		{"bosaso", "mogadishu_sub_district", NotCodedResult},
		{"bari", "somalia_region", CodedAs("bari")},
		{"nowhere", "somalia_zone", NotCodedResult},
	}
	for _, tc := range cases {
		if got := h.Derive(tc.value, tc.target); got != tc.want {
			t.Errorf("Derive(%q, %q) = %+v, want %+v", tc.value, tc.target, got, tc.want)
		}
	}
	if got := h.ZoneForOperator("Golis"); got != CodedAs("nez") {
		t.Fatalf("operator zone: %+v", got)
	}
	if got := h.ZoneForOperator("telesom"); got.Kind != NotCoded {
		t.Fatalf("unknown operator should be NotCoded: %+v", got)
	}
}
