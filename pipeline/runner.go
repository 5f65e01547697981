package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engagement-pipeline/analysis"
	"engagement-pipeline/cache"
	"engagement-pipeline/coda"
	"engagement-pipeline/codasync"
	"engagement-pipeline/contactsync"
	"engagement-pipeline/csvsync"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/rapidpro"
	"engagement-pipeline/rapidprosync"
	"engagement-pipeline/stats"
	"engagement-pipeline/uuidtable"
)

type Stage string

const (
	StageRapidProToEngagementDB Stage = "rapid_pro_to_engagement_db"
	StageCSVToEngagementDB      Stage = "csv_to_engagement_db"
	StageEngagementDBToCoda     Stage = "engagement_db_to_coda"
	StageCodaToEngagementDB     Stage = "coda_to_engagement_db"
	StageEngagementDBToRapidPro Stage = "engagement_db_to_rapid_pro"
	StageEngagementDBToAnalysis Stage = "engagement_db_to_analysis"
)

// StageOrder is the order stages run in, whatever order they were selected.
var StageOrder = []Stage{
	StageRapidProToEngagementDB,
	StageCSVToEngagementDB,
	StageEngagementDBToCoda,
	StageCodaToEngagementDB,
	StageEngagementDBToRapidPro,
	StageEngagementDBToAnalysis,
}

// ErrDeadlineExceeded is returned when the run timeout passes before a stage
// starts.
var ErrDeadlineExceeded = errors.New("pipeline: run deadline exceeded")

// ParseStages parses stage names. No names selects every stage.
func ParseStages(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return append([]Stage(nil), StageOrder...), nil
	}
	var out []Stage
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		found := false
		for _, s := range StageOrder {
			if string(s) == n {
				out = append(out, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown stage %q", n)
		}
	}
	return out, nil
}

type RunnerConfig struct {
	Config      *Config
	Credentials *Credentials
	Stages      []Stage
	// User is recorded in the history of every message the run writes.
	User   string
	DryRun bool
	Debug  bool
	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
	// IncrementalCachePath, when set, keeps the cache in this directory
	// instead of at CACHE_DSN.
	IncrementalCachePath string
}

// StageSummary is the outcome of one stage of a run.
type StageSummary struct {
	Stage      Stage          `json:"stage"`
	Skipped    bool           `json:"skipped,omitempty"`
	Events     map[string]int `json:"events,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

type RunSummary struct {
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	DryRun    bool           `json:"dry_run"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Stages    []StageSummary `json:"stages"`
	Error     string         `json:"error,omitempty"`
}

func (s *RunSummary) status() string {
	switch {
	case s == nil:
		return "started"
	case s.Error != "":
		return "error"
	case s.EndedAt.IsZero():
		return "running"
	default:
		return "ok"
	}
}

// Runner runs the selected stages of one pipeline.
type Runner struct {
	cfg RunnerConfig
	log *zap.Logger

	store     engagementdb.Store
	uuids     *uuidtable.Table
	cache     *cache.Cache
	coda      coda.Client
	sources   []rapidpro.Client
	target    rapidpro.Client
	dashboard *Dashboard
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	r.log.Sugar().Debugf(format, args...)
}

// NewRunner opens the store, uuid table, cache and clients the selected
// stages need.
func NewRunner(ctx context.Context, cfg RunnerConfig, log *zap.Logger) (*Runner, error) {
	if cfg.Config == nil {
		return nil, errors.New("pipeline config is required")
	}
	if cfg.Credentials == nil {
		cfg.Credentials = &Credentials{}
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = append([]Stage(nil), StageOrder...)
	}
	if log == nil {
		log = zap.NewNop()
	}
	pc, creds := cfg.Config, cfg.Credentials
	r := &Runner{cfg: cfg, log: log}

	dsn := creds.EngagementDBDSN
	if dsn == "" {
		dsn = pc.Path(pc.File.EngagementDatabase.DSN)
	}
	store, err := engagementdb.Open(ctx, dsn, log)
	if err != nil {
		return nil, fmt.Errorf("open engagement database: %w", err)
	}
	r.store = store
	engagementdb.ApplyHistoryDefaults(store, engagementdb.HistoryDefaults{
		User:     cfg.User,
		Project:  pc.File.Project,
		Pipeline: pc.File.PipelineName,
		Commit:   creds.Commit,
	})

	if r.uuids, err = uuidtable.Open(pc.Path(pc.File.UUIDTable.Path), pc.File.UUIDTable.UUIDPrefix, log); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("open uuid table: %w", err)
	}

	switch {
	case cfg.IncrementalCachePath != "":
		r.cache = cache.New(cache.NewDirBackend(cfg.IncrementalCachePath))
	case creds.CacheDSN != "":
		if r.cache, err = cache.Open(creds.CacheDSN); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		}
	default:
		log.Warn("no incremental cache configured, every stage will run in full mode")
	}

	if pc.Coda != nil && (r.selected(StageEngagementDBToCoda) || r.selected(StageCodaToEngagementDB)) {
		if creds.CodaToken == "" {
			_ = r.Close()
			return nil, errors.New("coda sync is configured but CODA_TOKEN is not set")
		}
		r.coda = coda.NewHTTPClient(creds.CodaURL, creds.CodaToken, nil, log)
	}
	if r.selected(StageRapidProToEngagementDB) {
		for _, src := range pc.File.RapidProSources {
			c, err := newRapidProClient(src.RapidPro, creds, pc, log)
			if err != nil {
				_ = r.Close()
				return nil, err
			}
			r.sources = append(r.sources, c)
		}
	}
	if t := pc.File.RapidProTarget; t != nil && r.selected(StageEngagementDBToRapidPro) {
		if r.target, err = newRapidProClient(t.RapidPro, creds, pc, log); err != nil {
			_ = r.Close()
			return nil, err
		}
	}

	r.dashboard = NewDashboard(pc, creds, log)
	return r, nil
}

func newRapidProClient(rc RapidProClientConfig, creds *Credentials, pc *Config, log *zap.Logger) (rapidpro.Client, error) {
	if rc.ArchiveDir != "" {
		return rapidpro.NewArchiveClient(pc.Path(rc.ArchiveDir), log), nil
	}
	token, err := creds.RapidProToken(rc)
	if err != nil {
		return nil, err
	}
	serverURL := rc.Domain
	if !strings.Contains(serverURL, "://") {
		serverURL = "https://" + serverURL
	}
	return rapidpro.NewHTTPClient(serverURL, token, nil, log), nil
}

func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
		r.store = nil
	}
	if r.uuids != nil {
		errs = append(errs, r.uuids.Close())
		r.uuids = nil
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
		r.cache = nil
	}
	return errors.Join(errs...)
}

// Dashboard returns the operations dashboard the runner reports to, or nil.
func (r *Runner) Dashboard() *Dashboard { return r.dashboard }

func (r *Runner) selected(s Stage) bool {
	for _, x := range r.cfg.Stages {
		if x == s {
			return true
		}
	}
	return false
}

// RunOnce runs every selected stage in StageOrder, stopping at the first
// failure. Start and end events go to the operations dashboard either way.
func (r *Runner) RunOnce(ctx context.Context) (summary *RunSummary, runErr error) {
	start := time.Now()
	deadline := time.Time{}
	if r.cfg.Timeout > 0 {
		deadline = start.Add(r.cfg.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	summary = &RunSummary{
		RunID:     uuid.NewString(),
		Pipeline:  r.cfg.Config.File.PipelineName,
		DryRun:    r.cfg.DryRun,
		StartedAt: start.UTC(),
	}
	log := r.log.With(zap.String("run_id", summary.RunID))
	_ = r.dashboard.LogEvent(summary.RunID, PipelineRunStart, nil)
	defer func() {
		summary.EndedAt = time.Now().UTC()
		if runErr != nil {
			summary.Error = runErr.Error()
		}
		_ = r.dashboard.LogEvent(summary.RunID, PipelineRunEnd, summary)
	}()

	r.debugf("run_once start: pipeline=%q stages=%v dryRun=%v timeout=%s", summary.Pipeline, r.cfg.Stages, r.cfg.DryRun, r.cfg.Timeout)
	for _, st := range StageOrder {
		if !r.selected(st) {
			continue
		}
		if isDeadlineExceeded(deadline) {
			return summary, fmt.Errorf("before stage %s: %w", st, ErrDeadlineExceeded)
		}
		log.Info("running stage", zap.String("stage", string(st)))
		ss, err := r.runStage(ctx, st, log)
		summary.Stages = append(summary.Stages, ss)
		if err != nil {
			return summary, fmt.Errorf("stage %s: %w", st, err)
		}
	}
	r.debugf("run_once done: stages=%d elapsed=%s", len(summary.Stages), time.Since(start))
	return summary, nil
}

func isDeadlineExceeded(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func (r *Runner) runStage(ctx context.Context, st Stage, log *zap.Logger) (StageSummary, error) {
	start := time.Now()
	var (
		s       *stats.SyncStats
		skipped bool
		err     error
	)
	log = log.With(zap.String("stage", string(st)))
	switch st {
	case StageRapidProToEngagementDB:
		s, skipped, err = r.syncRapidProToEngagementDB(ctx, log)
	case StageCSVToEngagementDB:
		s, skipped, err = r.syncCSVToEngagementDB(ctx, log)
	case StageEngagementDBToCoda:
		s, skipped, err = r.syncEngagementDBToCoda(ctx, log)
	case StageCodaToEngagementDB:
		s, skipped, err = r.syncCodaToEngagementDB(ctx, log)
	case StageEngagementDBToRapidPro:
		s, skipped, err = r.syncEngagementDBToRapidPro(ctx, log)
	case StageEngagementDBToAnalysis:
		s, skipped, err = r.runAnalysis(ctx, log)
	default:
		err = fmt.Errorf("unknown stage %q", st)
	}

	ss := StageSummary{Stage: st, Skipped: skipped, DurationMs: time.Since(start).Milliseconds()}
	if s != nil {
		ss.Events = make(map[string]int, len(s.Counts))
		for k, v := range s.Counts {
			ss.Events[k] = v
		}
	}
	if err != nil {
		ss.Error = err.Error()
	}
	if skipped {
		log.Info("stage not configured, skipping")
	}
	return ss, err
}

func (r *Runner) syncRapidProToEngagementDB(ctx context.Context, log *zap.Logger) (*stats.SyncStats, bool, error) {
	srcs := r.cfg.Config.File.RapidProSources
	if len(srcs) == 0 {
		return nil, true, nil
	}
	total := stats.New()
	for i, src := range srcs {
		syncer := &rapidprosync.Syncer{
			RapidPro: r.sources[i],
			Store:    r.store,
			UUIDs:    r.uuids,
			Cache:    r.cache,
			DryRun:   r.cfg.DryRun,
			Log:      log,
		}
		res, err := syncer.Sync(ctx, src.SyncConfig)
		if err != nil {
			return total, false, fmt.Errorf("rapid pro source %d (%s): %w", i+1, src.RapidPro.Domain, err)
		}
		total.AddStats(res.Flows.Total())
	}
	return total, false, nil
}

func (r *Runner) syncCSVToEngagementDB(ctx context.Context, log *zap.Logger) (*stats.SyncStats, bool, error) {
	f := r.cfg.Config.File
	var cfg csvsync.Config
	if f.CSVSources != nil {
		cfg = *f.CSVSources
		cfg.Sources = append([]csvsync.Source(nil), f.CSVSources.Sources...)
	}
	if f.CSVInbox != nil {
		inbox, err := inboxSources(f.CSVInbox)
		if err != nil {
			return nil, false, err
		}
		log.Info("found csv inbox files", zap.String("dir", f.CSVInbox.Dir), zap.Int("files", len(inbox)))
		cfg.Sources = append(cfg.Sources, inbox...)
	}
	if f.CSVSources == nil && f.CSVInbox == nil {
		return nil, true, nil
	}

	syncer := &csvsync.Syncer{
		Store:  r.store,
		UUIDs:  r.uuids,
		Cache:  r.cache.Scoped(cache.ScopeCSVToEngagementDB),
		DryRun: r.cfg.DryRun,
		Log:    log,
	}
	group, err := syncer.Sync(ctx, cfg)
	if group == nil {
		return nil, false, err
	}
	return group.Total(), false, err
}

// inboxSources lists the CSV files waiting in the inbox, oldest name first.
func inboxSources(in *CSVInboxConfig) ([]csvsync.Source, error) {
	entries, err := os.ReadDir(in.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isCSV(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	out := make([]csvsync.Source, 0, len(names))
	for _, n := range names {
		out = append(out, csvsync.Source{
			URL:                  "file://" + filepath.Join(in.Dir, n),
			Timezone:             in.Timezone,
			EngagementDBDatasets: in.EngagementDBDatasets,
			ArchiveDir:           in.ArchiveDir,
		})
	}
	return out, nil
}

func isCSV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".csv") && !strings.HasPrefix(name, ".")
}

func (r *Runner) codaSyncer(log *zap.Logger) *codasync.Syncer {
	return &codasync.Syncer{
		Coda:   r.coda,
		Store:  r.store,
		Cache:  r.cache,
		DryRun: r.cfg.DryRun,
		Log:    log,
	}
}

func (r *Runner) syncEngagementDBToCoda(ctx context.Context, log *zap.Logger) (*stats.SyncStats, bool, error) {
	cfg := r.cfg.Config.Coda
	if cfg == nil {
		return nil, true, nil
	}
	syncer := r.codaSyncer(log)
	if err := syncer.EnsureCodaDatasetsUpToDate(ctx, cfg); err != nil {
		return nil, false, err
	}
	group, err := syncer.SyncEngagementDBToCoda(ctx, cfg)
	if group == nil {
		return nil, false, err
	}
	return group.Total(), false, err
}

func (r *Runner) syncCodaToEngagementDB(ctx context.Context, log *zap.Logger) (*stats.SyncStats, bool, error) {
	cfg := r.cfg.Config.Coda
	if cfg == nil {
		return nil, true, nil
	}
	group, err := r.codaSyncer(log).SyncCodaToEngagementDB(ctx, cfg)
	if group == nil {
		return nil, false, err
	}
	return group.Total(), false, err
}

func (r *Runner) syncEngagementDBToRapidPro(ctx context.Context, log *zap.Logger) (*stats.SyncStats, bool, error) {
	t := r.cfg.Config.File.RapidProTarget
	if t == nil {
		return nil, true, nil
	}
	syncer := &contactsync.Syncer{
		RapidPro: r.target,
		Store:    r.store,
		UUIDs:    r.uuids,
		Cache:    r.cache,
		Schemes:  r.cfg.Config.Schemes(),
		DryRun:   r.cfg.DryRun,
		Log:      log,
	}
	s, err := syncer.Sync(ctx, t.SyncConfig)
	return s, false, err
}

func (r *Runner) runAnalysis(ctx context.Context, log *zap.Logger) (*stats.SyncStats, bool, error) {
	cfg := r.cfg.Config.Analysis
	if cfg == nil {
		return nil, true, nil
	}
	outputDir := r.cfg.Config.Path(r.cfg.Config.File.Analysis.OutputDir)
	if r.cfg.DryRun {
		log.Info("dry run, not exporting analysis files")
		outputDir = filepath.Join(os.TempDir(), "engagement-pipeline-dry-run", r.cfg.Config.File.PipelineName)
	}
	g := &analysis.Generator{Store: r.store, Cache: r.cache, Log: log}
	res, err := g.Generate(ctx, cfg, outputDir)
	if err != nil {
		return nil, false, err
	}
	s := stats.New()
	s.Counts["messages"] = res.Snapshot.Len()
	s.Counts["column_view_messages"] = res.Messages.Len()
	s.Counts["column_view_participants"] = res.Participants.Len()
	s.Counts["audit_entries"] = res.Snapshot.AuditLen()
	s.Counts["column_audit_entries"] = res.Messages.AuditLen() + res.Participants.AuditLen()
	s.PrintSummary(log, "analysis")
	return s, false, nil
}
