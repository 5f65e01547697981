// Package pipeline loads a pipeline configuration and runs its sync and
// analysis stages against one engagement database.
package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"engagement-pipeline/analysis"
	"engagement-pipeline/codasync"
	"engagement-pipeline/coding"
	"engagement-pipeline/contactsync"
	"engagement-pipeline/csvsync"
	"engagement-pipeline/rapidprosync"
)

//go:embed config.schema.json
var configSchema []byte

const configSchemaURL = "https://engagement-pipeline.invalid/config.schema.json"

type StoreConfig struct {
	// DSN is a sqlite path or sqlite:// / mongodb:// URL. ENGAGEMENT_DB_DSN
	// overrides it.
	DSN string `yaml:"dsn"`
}

type UUIDTableConfig struct {
	Path       string `yaml:"path"`
	UUIDPrefix string `yaml:"uuid_prefix"`
}

type DashboardConfig struct {
	SyslogAddr string `yaml:"syslog_addr"`
	AppName    string `yaml:"app_name"`
}

// RapidProClientConfig selects a Rapid Pro workspace. With ArchiveDir set the
// workspace is read from an archive instead of the API.
type RapidProClientConfig struct {
	Domain string `yaml:"domain"`
	// TokenKey names the token in RAPID_PRO_TOKENS.
	TokenKey   string `yaml:"token_key"`
	ArchiveDir string `yaml:"archive_dir"`
}

type RapidProSource struct {
	RapidPro   RapidProClientConfig `yaml:"rapid_pro"`
	SyncConfig rapidprosync.Config  `yaml:"sync_config"`
}

type RapidProTarget struct {
	RapidPro   RapidProClientConfig `yaml:"rapid_pro"`
	SyncConfig contactsync.Config   `yaml:"sync_config"`
}

// CSVInboxConfig turns every CSV file dropped into Dir into a csv source.
// Synced files are moved to ArchiveDir.
type CSVInboxConfig struct {
	Dir                  string                 `yaml:"dir"`
	ArchiveDir           string                 `yaml:"archive_dir"`
	Timezone             string                 `yaml:"timezone"`
	EngagementDBDatasets []csvsync.DatasetRange `yaml:"engagement_db_datasets"`
}

type CodeSchemeFileConfig struct {
	CodeScheme           string `yaml:"code_scheme"`
	AutoCoder            string `yaml:"auto_coder"`
	CodaCodeSchemesCount int    `yaml:"coda_code_schemes_count"`
}

type CodaDatasetFileConfig struct {
	CodaDatasetID             string                 `yaml:"coda_dataset_id"`
	EngagementDBDataset       string                 `yaml:"engagement_db_dataset"`
	CodeSchemes               []CodeSchemeFileConfig `yaml:"code_scheme_configurations"`
	WSCodeMatchValue          string                 `yaml:"ws_code_match_value"`
	DatasetUsersFileURL       string                 `yaml:"dataset_users_file_url"`
	UpdateUsersAndCodeSchemes *bool                  `yaml:"update_users_and_code_schemes"`
}

type CodaSyncFileConfig struct {
	Datasets                   []CodaDatasetFileConfig `yaml:"dataset_configurations"`
	WSCorrectDatasetCodeScheme string                  `yaml:"ws_correct_dataset_code_scheme"`
	ProjectUsersFileURL        string                  `yaml:"project_users_file_url"`
	DefaultWSDataset           string                  `yaml:"default_ws_dataset"`
}

type CodingFileConfig struct {
	CodeScheme        string                      `yaml:"code_scheme"`
	AnalysisDataset   string                      `yaml:"analysis_dataset"`
	AgeCategoryConfig *analysis.AgeCategoryConfig `yaml:"age_category_config"`
	AnalysisLocation  string                      `yaml:"analysis_location"`
}

type AnalysisDatasetFileConfig struct {
	Kind                 string             `yaml:"kind"`
	EngagementDBDatasets []string           `yaml:"engagement_db_datasets"`
	DatasetType          string             `yaml:"dataset_type"`
	RawDataset           string             `yaml:"raw_dataset"`
	CodingConfigs        []CodingFileConfig `yaml:"coding_configs"`
}

type AnalysisFileConfig struct {
	OutputDir                  string                      `yaml:"output_dir"`
	WSCorrectDatasetCodeScheme string                      `yaml:"ws_correct_dataset_code_scheme"`
	Datasets                   []AnalysisDatasetFileConfig `yaml:"dataset_configurations"`
	// Locations maps a hierarchy name (kenya, somalia) to its YAML file.
	Locations map[string]string `yaml:"locations"`
}

// FileConfig is the YAML document. Paths are relative to the file.
type FileConfig struct {
	PipelineName         string   `yaml:"pipeline_name"`
	Project              string   `yaml:"project"`
	Description          string   `yaml:"description"`
	Debug                bool     `yaml:"debug"`
	Stages               []string `yaml:"stages"`
	IncrementalCachePath string   `yaml:"incremental_cache_path"`

	EngagementDatabase  StoreConfig      `yaml:"engagement_database"`
	UUIDTable           UUIDTableConfig  `yaml:"uuid_table"`
	OperationsDashboard *DashboardConfig `yaml:"operations_dashboard"`

	ProjectStartDate     string   `yaml:"project_start_date"`
	ProjectEndDate       string   `yaml:"project_end_date"`
	TestParticipantUUIDs []string `yaml:"test_participant_uuids"`

	RapidProSources []RapidProSource    `yaml:"rapid_pro_sources"`
	CSVSources      *csvsync.Config     `yaml:"csv_sources"`
	CSVInbox        *CSVInboxConfig     `yaml:"csv_inbox"`
	CodaSync        *CodaSyncFileConfig `yaml:"coda_sync"`
	RapidProTarget  *RapidProTarget     `yaml:"rapid_pro_target"`
	Analysis        *AnalysisFileConfig `yaml:"analysis"`
}

// Config is a loaded FileConfig with its code schemes, auto-coders and
// location hierarchies resolved.
type Config struct {
	File FileConfig
	// Dir is the directory of the config file.
	Dir string

	Coda     *codasync.Config
	Analysis *analysis.Config
}

// Path resolves p against the config file's directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Schemes lists every code scheme the pipeline codes messages with: the coda
// dataset schemes and the WS scheme, or the analysis ones when coda sync is
// not configured.
func (c *Config) Schemes() []*coding.CodeScheme {
	var out []*coding.CodeScheme
	switch {
	case c.Coda != nil:
		for _, d := range c.Coda.Datasets {
			for _, sc := range d.CodeSchemes {
				out = append(out, sc.CodeScheme)
			}
		}
		out = append(out, c.Coda.WSCorrectDatasetScheme)
	case c.Analysis != nil:
		for _, d := range c.Analysis.Datasets {
			for _, cc := range d.CodingConfigs {
				out = append(out, cc.CodeScheme)
			}
		}
		out = append(out, c.Analysis.WSCorrectDatasetScheme)
	}
	return out
}

// LoadConfig reads the YAML file at path, validates it against the embedded
// schema and resolves everything it refers to.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfigDocument(b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var file FileConfig
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg := &Config{File: file, Dir: filepath.Dir(path)}
	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ValidateConfigDocument checks a YAML config document against the schema.
func ValidateConfigDocument(doc []byte) error {
	var raw any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config is not representable as json: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return err
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(configSchemaURL, schemaDoc); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	sch, err := c.Compile(configSchemaURL)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) resolve() error {
	schemes := map[string]*coding.CodeScheme{}
	loadScheme := func(p string) (*coding.CodeScheme, error) {
		full := c.Path(p)
		if sc, ok := schemes[full]; ok {
			return sc, nil
		}
		sc, err := coding.LoadCodeScheme(full)
		if err != nil {
			return nil, fmt.Errorf("load code scheme %s: %w", p, err)
		}
		schemes[full] = sc
		return sc, nil
	}

	if f := c.File.CodaSync; f != nil {
		coda, err := c.resolveCoda(f, loadScheme)
		if err != nil {
			return err
		}
		c.Coda = coda
	}
	if f := c.File.Analysis; f != nil {
		a, err := c.resolveAnalysis(f, loadScheme)
		if err != nil {
			return err
		}
		c.Analysis = a
	}
	if t := c.File.RapidProTarget; t != nil {
		t.SyncConfig.SetDefaults()
		if err := t.SyncConfig.Validate(); err != nil {
			return fmt.Errorf("rapid_pro_target: %w", err)
		}
	}
	if src := c.File.CSVSources; src != nil {
		for i := range src.Sources {
			src.Sources[i].URL = c.Path(src.Sources[i].URL)
			src.Sources[i].ArchiveDir = c.Path(src.Sources[i].ArchiveDir)
		}
	}
	if in := c.File.CSVInbox; in != nil {
		in.Dir = c.Path(in.Dir)
		in.ArchiveDir = c.Path(in.ArchiveDir)
	}
	return nil
}

func (c *Config) resolveCoda(f *CodaSyncFileConfig, loadScheme func(string) (*coding.CodeScheme, error)) (*codasync.Config, error) {
	ws, err := loadScheme(f.WSCorrectDatasetCodeScheme)
	if err != nil {
		return nil, err
	}
	out := &codasync.Config{
		WSCorrectDatasetScheme: ws,
		ProjectUsersFileURL:    c.Path(f.ProjectUsersFileURL),
		DefaultWSDataset:       f.DefaultWSDataset,
	}
	for _, d := range f.Datasets {
		update := true
		if d.UpdateUsersAndCodeSchemes != nil {
			update = *d.UpdateUsersAndCodeSchemes
		}
		dc := codasync.DatasetConfig{
			CodaDatasetID:             d.CodaDatasetID,
			EngagementDBDataset:       d.EngagementDBDataset,
			WSCodeMatchValue:          d.WSCodeMatchValue,
			DatasetUsersFileURL:       c.Path(d.DatasetUsersFileURL),
			UpdateUsersAndCodeSchemes: update,
		}
		for _, s := range d.CodeSchemes {
			sc, err := loadScheme(s.CodeScheme)
			if err != nil {
				return nil, err
			}
			var coder coding.AutoCoder
			if s.AutoCoder != "" {
				if coder, err = coding.LookupAutoCoder(s.AutoCoder); err != nil {
					return nil, fmt.Errorf("coda dataset %s: %w", d.CodaDatasetID, err)
				}
			}
			dc.CodeSchemes = append(dc.CodeSchemes, codasync.CodeSchemeConfig{
				CodeScheme:           sc,
				AutoCoder:            coder,
				CodaCodeSchemesCount: s.CodaCodeSchemesCount,
			})
		}
		out.Datasets = append(out.Datasets, dc)
	}
	return out, nil
}

func (c *Config) resolveAnalysis(f *AnalysisFileConfig, loadScheme func(string) (*coding.CodeScheme, error)) (*analysis.Config, error) {
	ws, err := loadScheme(f.WSCorrectDatasetCodeScheme)
	if err != nil {
		return nil, err
	}
	out := &analysis.Config{
		WSCorrectDatasetScheme: ws,
		TestParticipantUUIDs:   c.File.TestParticipantUUIDs,
		Locations:              map[string]*coding.LocationHierarchy{},
	}
	if out.ProjectStart, err = parseDate("project_start_date", c.File.ProjectStartDate); err != nil {
		return nil, err
	}
	if out.ProjectEnd, err = parseDate("project_end_date", c.File.ProjectEndDate); err != nil {
		return nil, err
	}
	for name, p := range f.Locations {
		h, err := coding.LoadLocationHierarchy(c.Path(p))
		if err != nil {
			return nil, err
		}
		out.Locations[name] = h
	}

	for _, d := range f.Datasets {
		var ccs []analysis.CodingConfig
		for _, cf := range d.CodingConfigs {
			sc, err := loadScheme(cf.CodeScheme)
			if err != nil {
				return nil, err
			}
			ccs = append(ccs, analysis.CodingConfig{
				CodeScheme:       sc,
				AnalysisDataset:  cf.AnalysisDataset,
				AgeCategory:      cf.AgeCategoryConfig,
				AnalysisLocation: analysis.AnalysisLocation(cf.AnalysisLocation),
			})
		}
		switch d.Kind {
		case "", "standard":
			out.Datasets = append(out.Datasets, analysis.DatasetConfig{
				Kind:                 analysis.KindStandard,
				EngagementDBDatasets: d.EngagementDBDatasets,
				DatasetType:          analysis.DatasetType(d.DatasetType),
				RawDataset:           d.RawDataset,
				CodingConfigs:        ccs,
			})
		case "operator":
			out.Datasets = append(out.Datasets, analysis.OperatorDataset(d.RawDataset, ccs))
		default:
			return nil, fmt.Errorf("analysis dataset %s has unknown kind %q", d.RawDataset, d.Kind)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	return out, nil
}

func parseDate(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &t, nil
}

// Credentials are the secrets and environment-specific endpoints of a run.
type Credentials struct {
	EngagementDBDSN string `env:"ENGAGEMENT_DB_DSN"`
	CacheDSN        string `env:"CACHE_DSN"`

	CodaURL   string `env:"CODA_URL" envDefault:"https://web.coda.ac"`
	CodaToken string `env:"CODA_TOKEN"`
	// RapidProTokens maps token keys to tokens, as key1:token1,key2:token2.
	RapidProTokens map[string]string `env:"RAPID_PRO_TOKENS"`

	DashboardSyslogAddr string `env:"OPERATIONS_DASHBOARD_SYSLOG_ADDR"`
	Commit              string `env:"PIPELINE_COMMIT"`
}

// LoadCredentials loads envFile into the environment, when it exists, and
// parses the credentials from it. An explicitly named file must exist.
func LoadCredentials(envFile string) (*Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var c Credentials
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

// RapidProToken returns the token for a workspace config.
func (c *Credentials) RapidProToken(rc RapidProClientConfig) (string, error) {
	if rc.TokenKey == "" {
		return "", fmt.Errorf("rapid pro workspace %s has no token_key", rc.Domain)
	}
	token, ok := c.RapidProTokens[rc.TokenKey]
	if !ok || token == "" {
		return "", fmt.Errorf("no rapid pro token %q in RAPID_PRO_TOKENS", rc.TokenKey)
	}
	return token, nil
}
