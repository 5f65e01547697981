package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"engagement-pipeline/analysis"
	"engagement-pipeline/coding"
)

var controlCodes = []string{
	coding.ControlStop, coding.ControlWrongScheme, coding.ControlNotCoded, coding.ControlNotReviewed,
	coding.ControlCodingError, coding.ControlTrueMissing, coding.ControlNotInternallyConsistent,
}

func writeScheme(t *testing.T, dir, id string, values ...string) string {
	t.Helper()
	s := coding.CodeScheme{SchemeID: id, Name: id, Version: "1"}
	for _, v := range values {
		s.Codes = append(s.Codes, coding.Code{CodeID: id + "-" + v, CodeType: coding.CodeTypeNormal, StringValue: v, MatchValues: []string{v}})
	}
	for _, cc := range controlCodes {
		s.Codes = append(s.Codes, coding.Code{CodeID: id + "-" + cc, CodeType: coding.CodeTypeControl, ControlCode: cc, StringValue: cc})
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "code_schemes", id+".json")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const analysisYAML = `pipeline_name: test-pipeline
project: test-project
engagement_database:
  dsn: engagement.db
uuid_table:
  path: uuids.db
  uuid_prefix: avf-participant-uuid-
project_start_date: "2022-01-01T00:00:00Z"
csv_inbox:
  dir: inbox
  archive_dir: archive
  timezone: Africa/Mogadishu
  engagement_db_datasets:
    - engagement_db_dataset: s01e01
analysis:
  output_dir: analysis
  ws_correct_dataset_code_scheme: code_schemes/ws.json
  dataset_configurations:
    - engagement_db_datasets: [s01e01]
      dataset_type: research_question_answer
      raw_dataset: rqa_s01e01_raw
      coding_configs:
        - code_scheme: code_schemes/rqa.json
          analysis_dataset: rqa_s01e01
`

func writeAnalysisConfig(t *testing.T, dir string) string {
	t.Helper()
	writeScheme(t, dir, "ws", "s01e01")
	writeScheme(t, dir, "rqa", "water")
	p := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, p, analysisYAML)
	return p
}

func TestLoadConfig_ResolvesPathsAndSchemes(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeAnalysisConfig(t, dir))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.File.PipelineName != "test-pipeline" || cfg.Dir != dir {
		t.Fatalf("unexpected config %+v", cfg.File)
	}
	if got := cfg.Path(cfg.File.EngagementDatabase.DSN); got != filepath.Join(dir, "engagement.db") {
		t.Fatalf("dsn path = %q", got)
	}
	if cfg.File.CSVInbox.Dir != filepath.Join(dir, "inbox") || cfg.File.CSVInbox.ArchiveDir != filepath.Join(dir, "archive") {
		t.Fatalf("inbox paths not resolved: %+v", cfg.File.CSVInbox)
	}
	if cfg.Coda != nil {
		t.Fatalf("expected no coda config")
	}
	a := cfg.Analysis
	if a == nil || len(a.Datasets) != 1 {
		t.Fatalf("unexpected analysis config %+v", a)
	}
	if a.Datasets[0].Kind != analysis.KindStandard || a.Datasets[0].CodingConfigs[0].CodeScheme.SchemeID != "rqa" {
		t.Fatalf("unexpected dataset %+v", a.Datasets[0])
	}
	if a.ProjectStart == nil || a.ProjectStart.Year() != 2022 || a.ProjectEnd != nil {
		t.Fatalf("unexpected project dates %v %v", a.ProjectStart, a.ProjectEnd)
	}
	schemes := cfg.Schemes()
	if len(schemes) != 2 || schemes[0].SchemeID != "rqa" || schemes[1].SchemeID != "ws" {
		t.Fatalf("unexpected schemes %+v", schemes)
	}
}

func TestLoadConfig_Coda(t *testing.T) {
	dir := t.TempDir()
	writeScheme(t, dir, "ws", "gender")
	writeScheme(t, dir, "gender", "male", "female")
	p := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, p, `pipeline_name: coda-pipeline
engagement_database: {dsn: "sqlite:///tmp/engagement.db"}
uuid_table: {path: uuids.db, uuid_prefix: p-}
coda_sync:
  ws_correct_dataset_code_scheme: code_schemes/ws.json
  dataset_configurations:
    - coda_dataset_id: TEST_gender
      engagement_db_dataset: gender
      code_scheme_configurations:
        - code_scheme: code_schemes/gender.json
          auto_coder: gender
    - coda_dataset_id: TEST_gender_2
      engagement_db_dataset: gender_2
      update_users_and_code_schemes: false
      code_scheme_configurations:
        - code_scheme: code_schemes/gender.json
rapid_pro_target:
  rapid_pro: {domain: textit.com, token_key: workspace}
  sync_config:
    normal_datasets:
      - engagement_db_datasets: [gender]
        rapid_pro_contact_field: {key: gender_raw}
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Path(cfg.File.EngagementDatabase.DSN); got != "sqlite:///tmp/engagement.db" {
		t.Fatalf("url dsn should not be resolved, got %q", got)
	}
	c := cfg.Coda
	if c == nil || len(c.Datasets) != 2 {
		t.Fatalf("unexpected coda config %+v", c)
	}
	if !c.Datasets[0].UpdateUsersAndCodeSchemes || c.Datasets[1].UpdateUsersAndCodeSchemes {
		t.Fatalf("update users defaults not applied: %+v", c.Datasets)
	}
	if c.Datasets[0].CodeSchemes[0].AutoCoder == nil || c.Datasets[1].CodeSchemes[0].AutoCoder != nil {
		t.Fatalf("unexpected auto-coders")
	}
	if c.Datasets[0].CodeSchemes[0].CodeScheme != c.Datasets[1].CodeSchemes[0].CodeScheme {
		t.Fatalf("expected a scheme file to be loaded once")
	}
	if cfg.File.RapidProTarget.SyncConfig.WriteMode != "show_presence" {
		t.Fatalf("write mode default not applied: %q", cfg.File.RapidProTarget.SyncConfig.WriteMode)
	}
	if n := len(cfg.Schemes()); n != 3 {
		t.Fatalf("expected 3 schemes, got %d", n)
	}
}

func TestLoadConfig_UnknownAutoCoder(t *testing.T) {
	dir := t.TempDir()
	writeScheme(t, dir, "ws")
	writeScheme(t, dir, "gender", "male")
	p := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, p, `pipeline_name: x
engagement_database: {dsn: e.db}
uuid_table: {path: u.db, uuid_prefix: p-}
coda_sync:
  ws_correct_dataset_code_scheme: code_schemes/ws.json
  dataset_configurations:
    - coda_dataset_id: TEST_gender
      engagement_db_dataset: gender
      code_scheme_configurations:
        - {code_scheme: code_schemes/gender.json, auto_coder: horoscope}
`)
	if _, err := LoadConfig(p); err == nil || !strings.Contains(err.Error(), "horoscope") {
		t.Fatalf("expected unknown auto-coder error, got %v", err)
	}
}

func TestValidateConfigDocument(t *testing.T) {
	base := "pipeline_name: x\nengagement_database: {dsn: e.db}\nuuid_table: {path: u.db, uuid_prefix: p-}\n"
	cases := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"minimal", base, true},
		{"stages", base + "stages: [csv_to_engagement_db, engagement_db_to_analysis]\n", true},
		{"unknown stage", base + "stages: [engagement_db_to_fax]\n", false},
		{"unknown key", base + "pipline_nmae: typo\n", false},
		{"missing uuid table", "pipeline_name: x\nengagement_database: {dsn: e.db}\n", false},
		{"bad write mode", base + "rapid_pro_target:\n  rapid_pro: {domain: d}\n  sync_config: {write_mode: shout}\n", false},
		{"bad location", base + `analysis:
  output_dir: out
  ws_correct_dataset_code_scheme: ws.json
  dataset_configurations:
    - dataset_type: demographic
      raw_dataset: location_raw
      coding_configs: [{code_scheme: l.json, analysis_dataset: l, analysis_location: atlantis}]
`, false},
		{"not yaml", "pipeline_name: [", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfigDocument([]byte(tc.doc))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv("CODA_TOKEN", "coda-secret")
	t.Setenv("RAPID_PRO_TOKENS", "somalia:tok1,kenya:tok2")
	t.Setenv("CODA_URL", "")
	os.Unsetenv("CODA_URL")

	envFile := filepath.Join(t.TempDir(), "test.env")
	writeFile(t, envFile, "PIPELINE_COMMIT=abc123\nCODA_TOKEN=from-file\n")
	t.Cleanup(func() { os.Unsetenv("PIPELINE_COMMIT") })

	c, err := LoadCredentials(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if c.CodaToken != "coda-secret" {
		t.Fatalf("env file must not override the environment, got %q", c.CodaToken)
	}
	if c.Commit != "abc123" {
		t.Fatalf("commit = %q", c.Commit)
	}
	if c.CodaURL != "https://web.coda.ac" {
		t.Fatalf("coda url default = %q", c.CodaURL)
	}
	tok, err := c.RapidProToken(RapidProClientConfig{Domain: "textit.com", TokenKey: "kenya"})
	if err != nil || tok != "tok2" {
		t.Fatalf("token = %q, %v", tok, err)
	}
	if _, err := c.RapidProToken(RapidProClientConfig{Domain: "textit.com", TokenKey: "uganda"}); err == nil {
		t.Fatalf("expected missing token error")
	}
	if _, err := c.RapidProToken(RapidProClientConfig{Domain: "textit.com"}); err == nil {
		t.Fatalf("expected missing token key error")
	}

	if _, err := LoadCredentials(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected an error for a missing env file")
	}
}

func TestParseStages(t *testing.T) {
	all, err := ParseStages(nil)
	if err != nil || len(all) != len(StageOrder) {
		t.Fatalf("expected every stage, got %v %v", all, err)
	}
	got, err := ParseStages([]string{" engagement_db_to_analysis", "", "csv_to_engagement_db"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != StageEngagementDBToAnalysis || got[1] != StageCSVToEngagementDB {
		t.Fatalf("unexpected stages %v", got)
	}
	if _, err := ParseStages([]string{"engagement_db_to_fax"}); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}
