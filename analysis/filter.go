package analysis

import (
	"go.uber.org/zap"

	"engagement-pipeline/engagementdb"
)

// FilterRQATimeRange drops research question messages sent outside the
// project's start and end dates. Other messages are kept.
func FilterRQATimeRange(s *Snapshot, cfg *Config, log *zap.Logger) *Snapshot {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ProjectStart == nil && cfg.ProjectEnd == nil {
		log.Info("no project time range, not filtering")
		return s
	}
	rqa := setOf(cfg.datasetsOfType(DatasetTypeResearchQuestionAnswer))
	out := s.edit("rqa_time_range").filtered(func(m *engagementdb.Message) bool {
		if _, ok := rqa[m.Dataset]; !ok {
			return true
		}
		if cfg.ProjectStart != nil && m.Timestamp.Before(*cfg.ProjectStart) {
			return false
		}
		if cfg.ProjectEnd != nil && m.Timestamp.After(*cfg.ProjectEnd) {
			return false
		}
		return true
	}, "outside project time range")
	log.Info("filtered research question messages by time range", zap.Int("kept", out.Len()), zap.Int("total", s.Len()))
	return out
}

// FilterTestParticipants drops messages sent by the given participants.
func FilterTestParticipants(s *Snapshot, testUUIDs []string, log *zap.Logger) *Snapshot {
	if log == nil {
		log = zap.NewNop()
	}
	if len(testUUIDs) == 0 {
		log.Debug("no test participants configured, not filtering")
		return s
	}
	test := setOf(testUUIDs)
	out := s.edit("test_participants").filtered(func(m *engagementdb.Message) bool {
		_, isTest := test[m.ParticipantUUID]
		return !isTest
	}, "test participant")
	log.Info("filtered test participant messages", zap.Int("kept", out.Len()), zap.Int("total", s.Len()))
	return out
}

// FilterDemogsOnlyParticipants drops the messages of participants who never
// answered a research question.
func FilterDemogsOnlyParticipants(s *Snapshot, cfg *Config, log *zap.Logger) *Snapshot {
	if log == nil {
		log = zap.NewNop()
	}
	rqa := setOf(cfg.datasetsOfType(DatasetTypeResearchQuestionAnswer))
	answered := map[string]struct{}{}
	for _, m := range s.messages {
		if _, ok := rqa[m.Dataset]; ok {
			answered[m.ParticipantUUID] = struct{}{}
		}
	}
	excluded := map[string]struct{}{}
	out := s.edit("demogs_only").filtered(func(m *engagementdb.Message) bool {
		if _, ok := answered[m.ParticipantUUID]; ok {
			return true
		}
		excluded[m.ParticipantUUID] = struct{}{}
		return false
	}, "participant only sent demographics")
	log.Info("filtered participants who only sent demographics", zap.Int("kept", out.Len()), zap.Int("total", s.Len()), zap.Int("excluded_participants", len(excluded)))
	return out
}

func setOf(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
