// Package stats counts the events a sync stage takes so each stage can end
// with a summary.
package stats

import (
	"sort"

	"go.uber.org/zap"
)

// SyncStats counts events by name. The zero value is ready to use.
type SyncStats struct {
	Counts map[string]int `json:"counts"`
}

// New returns stats with the given events pre-registered at zero, so they
// appear in summaries even when they never happen.
func New(events ...string) *SyncStats {
	s := &SyncStats{Counts: make(map[string]int, len(events))}
	for _, e := range events {
		s.Counts[e] = 0
	}
	return s
}

func (s *SyncStats) Add(event string) {
	if s.Counts == nil {
		s.Counts = map[string]int{}
	}
	s.Counts[event]++
}

func (s *SyncStats) AddEvents(events []string) {
	for _, e := range events {
		s.Add(e)
	}
}

func (s *SyncStats) AddStats(other *SyncStats) {
	if other == nil {
		return
	}
	if s.Counts == nil {
		s.Counts = map[string]int{}
	}
	for k, v := range other.Counts {
		s.Counts[k] += v
	}
}

func (s *SyncStats) Get(event string) int {
	return s.Counts[event]
}

// Total is the sum of every count.
func (s *SyncStats) Total() int {
	n := 0
	for _, v := range s.Counts {
		n += v
	}
	return n
}

func (s *SyncStats) fields() []zap.Field {
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Int(k, s.Counts[k]))
	}
	return fields
}

// PrintSummary logs every count on one line.
func (s *SyncStats) PrintSummary(log *zap.Logger, title string) {
	log.Info(title, s.fields()...)
}

// Group keeps one SyncStats per dataset, flow or field, in first-use order.
type Group struct {
	events []string
	order  []string
	byKey  map[string]*SyncStats
}

func NewGroup(events ...string) *Group {
	return &Group{events: events, byKey: map[string]*SyncStats{}}
}

// Get returns the stats for key, creating them on first use.
func (g *Group) Get(key string) *SyncStats {
	if s, ok := g.byKey[key]; ok {
		return s
	}
	s := New(g.events...)
	g.byKey[key] = s
	g.order = append(g.order, key)
	return s
}

func (g *Group) Keys() []string {
	return append([]string(nil), g.order...)
}

// Total sums every key's stats.
func (g *Group) Total() *SyncStats {
	all := New(g.events...)
	for _, k := range g.order {
		all.AddStats(g.byKey[k])
	}
	return all
}

// PrintSummaries logs each key's counts and then the aggregate.
func (g *Group) PrintSummaries(log *zap.Logger, kind string, dryRun bool) {
	for _, k := range g.order {
		log.Info("summary", append([]zap.Field{zap.String(kind, k)}, g.byKey[k].fields()...)...)
	}
	log.Info("summary for all "+kind+"s", append([]zap.Field{zap.Bool("dry_run", dryRun)}, g.Total().fields()...)...)
}
