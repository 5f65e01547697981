package analysis

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"engagement-pipeline/cache"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/incremental"
)

// ImputeMessageCodes runs the message passes in order.
func ImputeMessageCodes(s *Snapshot, cfg *Config, log *zap.Logger) (*Snapshot, error) {
	var err error
	for _, pass := range []func(*Snapshot, *Config, *zap.Logger) (*Snapshot, error){
		ImputeNotReviewedAndCodingError,
		ImputeWSCodingError,
		ImputeAgeCategory,
		ImputeLocation,
	} {
		if s, err = pass(s, cfg, log); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Result is what one analysis run produced.
type Result struct {
	Snapshot     *Snapshot
	Messages     *ColumnView
	Participants *ColumnView
}

type Generator struct {
	Store engagementdb.Reader
	Cache *cache.Cache
	Log   *zap.Logger
}

// Generate downloads the configured datasets, imputes codes, builds both
// column views and writes the analysis files to outputDir.
func (g *Generator) Generate(ctx context.Context, cfg *Config, outputDir string) (*Result, error) {
	log := g.Log
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := g.Cache.Scoped(cache.ScopeEngagementDBToAnalysis)
	if c == nil {
		log.Warn("no cache configured, downloading every analysis dataset in full")
	}
	datasets := cfg.EngagementDBDatasets()
	byDataset, err := incremental.DownloadDatasets(ctx, g.Store, datasets, c, log)
	if err != nil {
		return nil, err
	}
	var msgs []*engagementdb.Message
	for _, d := range datasets {
		for _, m := range byDataset[d] {
			if isActive(m) {
				msgs = append(msgs, m)
			}
		}
	}
	log.Info("downloaded analysis messages", zap.Int("messages", len(msgs)), zap.Int("datasets", len(datasets)))

	s := NewSnapshot(msgs)
	s = FilterRQATimeRange(s, cfg, log)
	s = FilterTestParticipants(s, cfg.TestParticipantUUIDs, log)
	if s, err = ImputeMessageCodes(s, cfg, log); err != nil {
		return nil, err
	}

	res := &Result{Snapshot: s}
	byMessage, err := ColumnViewByMessage(s, cfg, log)
	if err != nil {
		return nil, err
	}
	byParticipant, err := ColumnViewByParticipant(s, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("imputing column view by message")
	if res.Messages, err = ImputeColumnCodes(NewColumnView(byMessage), cfg, log); err != nil {
		return nil, fmt.Errorf("column view by message: %w", err)
	}
	log.Info("imputing column view by participant")
	if res.Participants, err = ImputeColumnCodes(NewColumnView(byParticipant), cfg, log); err != nil {
		return nil, fmt.Errorf("column view by participant: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages, participants := res.Messages.Records(), res.Participants.Records()
	exports := []struct {
		name  string
		write func(path string) error
	}{
		{"production.csv", func(p string) error { return ExportProductionCSV(p, messages, cfg) }},
		{"messages.csv", func(p string) error { return ExportAnalysisCSV(p, messages, cfg, true) }},
		{"participants.csv", func(p string) error { return ExportAnalysisCSV(p, participants, cfg, false) }},
		{"messages.jsonl", func(p string) error { return ExportJSONL(p, messages) }},
		{"participants.jsonl", func(p string) error { return ExportJSONL(p, participants) }},
	}
	for _, e := range exports {
		path := filepath.Join(outputDir, e.name)
		if err := e.write(path); err != nil {
			return nil, err
		}
		log.Info("exported analysis file", zap.String("path", path))
	}
	return res, nil
}

func isActive(m *engagementdb.Message) bool {
	for _, st := range engagementdb.ActiveStatuses {
		if m.Status == st {
			return true
		}
	}
	return false
}
