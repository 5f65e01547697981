package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"engagement-pipeline/engagementdb"
	"engagement-pipeline/rapidpro"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	gb, err := OpenGormBackend(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = gb.Close() })
	return map[string]Backend{
		"dir":    NewDirBackend(t.TempDir()),
		"sqlite": gb,
	}
}

func TestCache_RoundTrips(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := New(b).Scoped(ScopeRapidProToEngagementDB).Scoped("Workspace")

			if ts, err := c.GetTimestamp(ctx, "flow-1"); err != nil || ts != nil {
				t.Fatalf("expected miss, got %v %v", ts, err)
			}
			want := time.Date(2022, 1, 1, 10, 0, 0, 123456000, time.UTC)
			if err := c.SetTimestamp(ctx, "flow-1", want); err != nil {
				t.Fatal(err)
			}
			got, err := c.GetTimestamp(ctx, "flow-1")
			if err != nil || got == nil || !got.Equal(want) {
				t.Fatalf("timestamp round trip: %v %v", got, err)
			}

			if err := c.SetString(ctx, "hash", "abc"); err != nil {
				t.Fatal(err)
			}
			if s, ok, err := c.GetString(ctx, "hash"); err != nil || !ok || s != "abc" {
				t.Fatalf("string round trip: %q %v %v", s, ok, err)
			}

			msgs := []*engagementdb.Message{
				{MessageID: "m1", Text: "one", Dataset: "d1", LastUpdated: want},
				{MessageID: "m2", Text: "two\nlines", Dataset: "d1", PreviousDatasets: []string{"d0"}},
			}
			if err := c.SetMessages(ctx, "d1", msgs); err != nil {
				t.Fatal(err)
			}
			gotMsgs, err := c.GetMessages(ctx, "d1")
			if err != nil {
				t.Fatal(err)
			}
			if len(gotMsgs) != 2 || gotMsgs[1].Text != "two\nlines" || gotMsgs[1].PreviousDatasets[0] != "d0" {
				t.Fatalf("messages round trip: %+v", gotMsgs)
			}

			if err := c.SetMessage(ctx, "last_synced", msgs[0]); err != nil {
				t.Fatal(err)
			}
			m, err := c.GetMessage(ctx, "last_synced")
			if err != nil || m == nil || m.MessageID != "m1" {
				t.Fatalf("message round trip: %+v %v", m, err)
			}

			contacts := []rapidpro.Contact{{UUID: "c1", URNs: []string{"tel:+254700000001"}}}
			if err := c.SetContacts(ctx, "contacts", contacts); err != nil {
				t.Fatal(err)
			}
			gotContacts, err := c.GetContacts(ctx, "contacts")
			if err != nil || len(gotContacts) != 1 || gotContacts[0].UUID != "c1" {
				t.Fatalf("contacts round trip: %+v %v", gotContacts, err)
			}
		})
	}
}

func TestCache_NilIsFullMode(t *testing.T) {
	ctx := context.Background()
	var c *Cache
	if err := c.SetTimestamp(ctx, "x", time.Now()); err != nil {
		t.Fatal(err)
	}
	if ts, err := c.GetTimestamp(ctx, "x"); err != nil || ts != nil {
		t.Fatalf("nil cache should miss: %v %v", ts, err)
	}
	if msgs, err := c.Scoped("a").GetMessages(ctx, "d"); err != nil || msgs != nil {
		t.Fatalf("nil cache should miss: %v %v", msgs, err)
	}
	empty, err := Open("")
	if err != nil || empty != nil {
		t.Fatalf("empty dsn should give nil cache: %v %v", empty, err)
	}
}

func TestDirBackend_LayoutUsesScopesAsDirectories(t *testing.T) {
	dir := t.TempDir()
	c := New(NewDirBackend(dir)).Scoped(ScopeEngagementDBToCoda)
	if err := c.SetTimestamp(context.Background(), "d1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, ScopeEngagementDBToCoda, "d1.txt")); err != nil {
		t.Fatalf("expected entry file: %v", err)
	}
}

func TestOpenBackend_RejectsUnknownScheme(t *testing.T) {
	if _, err := OpenBackend("redis://localhost"); err == nil {
		t.Fatal("expected error")
	}
}
