package stats

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSyncStats_Counting(t *testing.T) {
	s := New("read", "skip")
	s.Add("read")
	s.AddEvents([]string{"read", "write"})
	if s.Get("read") != 2 || s.Get("skip") != 0 || s.Get("write") != 1 {
		t.Fatalf("unexpected counts %v", s.Counts)
	}

	var zero SyncStats
	zero.AddStats(s)
	zero.AddStats(nil)
	if zero.Total() != 3 {
		t.Fatalf("unexpected total %d", zero.Total())
	}
}

func TestGroup_SummariesKeepFirstUseOrder(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)

	g := NewGroup("read")
	g.Get("d2").Add("read")
	g.Get("d1").Add("read")
	g.Get("d2").Add("read")

	if keys := g.Keys(); len(keys) != 2 || keys[0] != "d2" || keys[1] != "d1" {
		t.Fatalf("unexpected key order %v", keys)
	}
	if g.Total().Get("read") != 3 {
		t.Fatalf("unexpected aggregate %v", g.Total().Counts)
	}

	g.PrintSummaries(log, "dataset", true)
	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 summary lines, got %d", len(entries))
	}
	last := entries[2].ContextMap()
	if last["read"] != int64(3) || last["dry_run"] != true {
		t.Fatalf("unexpected aggregate line %v", last)
	}
}
