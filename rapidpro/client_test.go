package rapidpro

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestHTTPClient_GetRawRunsFollowsPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/runs.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("flow") != "flow-1" {
			t.Errorf("missing flow filter: %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("cursor") == "" {
			next := srv.URL + "/api/v2/runs.json?flow=flow-1&cursor=2"
			_ = json.NewEncoder(w).Encode(map[string]any{
				"next":    next,
				"results": []map[string]any{{"id": 2, "modified_on": "2022-01-02T00:00:00Z", "flow": map[string]string{"uuid": "flow-1"}}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"next":    nil,
			"results": []map[string]any{{"id": 1, "modified_on": "2022-01-01T00:00:00Z", "flow": map[string]string{"uuid": "flow-1"}}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", nil, nil)
	runs, err := c.GetRawRuns(context.Background(), "flow-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != 1 || runs[1].ID != 2 {
		t.Fatalf("expected runs sorted oldest first, got %+v", runs)
	}
}

func TestHTTPClient_UpdateContactSendsFields(t *testing.T) {
	var gotURN string
	var gotBody map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURN = r.URL.Query().Get("urn")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", nil, nil)
	if err := c.UpdateContact(context.Background(), "tel:+254700000000", map[string]string{"consent_withdrawn": "yes"}); err != nil {
		t.Fatal(err)
	}
	if gotURN != "tel:+254700000000" {
		t.Fatalf("unexpected urn %q", gotURN)
	}
	if gotBody["fields"]["consent_withdrawn"] != "yes" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestMergeContacts(t *testing.T) {
	prev := []Contact{{UUID: "a", Name: "old"}, {UUID: "b"}}
	updated := []Contact{{UUID: "a", Name: "new"}, {UUID: "c"}}
	got := MergeContacts(prev, updated)
	if len(got) != 3 || got[0].Name != "new" || got[2].UUID != "c" {
		t.Fatalf("unexpected merge %+v", got)
	}
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveClient(t *testing.T) {
	dir := t.TempDir()
	writeLines(t, filepath.Join(dir, "org.json"), `{"uuid":"ws-1","name":"Workspace"}`)
	writeLines(t, filepath.Join(dir, "flows.jsonl"),
		`{"uuid":"flow-1","name":"s01e01_activation"}`,
		`{"uuid":"flow-2","name":"demogs"}`,
	)
	writeLines(t, filepath.Join(dir, "runs.jsonl"),
		`{"id":3,"flow":{"uuid":"flow-1"},"modified_on":"2022-01-03T00:00:00Z"}`,
		`{"id":1,"flow":{"uuid":"flow-1"},"modified_on":"2022-01-01T00:00:00Z"}`,
		`{"id":2,"flow":{"uuid":"flow-2"},"modified_on":"2022-01-02T00:00:00Z"}`,
	)
	writeLines(t, filepath.Join(dir, "contacts.jsonl"), `{"uuid":"c1","urns":["tel:+254700000001"]}`)

	ctx := context.Background()
	a := NewArchiveClient(dir, nil)
	if uuid, err := a.GetWorkspaceUUID(ctx); err != nil || uuid != "ws-1" {
		t.Fatalf("workspace uuid: %q %v", uuid, err)
	}
	id, err := a.GetFlowID(ctx, "s01e01_activation")
	if err != nil || id != "flow-1" {
		t.Fatalf("flow id: %q %v", id, err)
	}
	if _, err := a.GetFlowID(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing flow")
	}

	after := time.Date(2022, 1, 1, 0, 0, 0, 1000, time.UTC)
	runs, err := a.GetRawRuns(ctx, "flow-1", &after)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != 3 {
		t.Fatalf("unexpected runs %+v", runs)
	}

	contacts, err := a.UpdateRawContactsWithLatestModified(ctx, nil)
	if err != nil || len(contacts) != 1 {
		t.Fatalf("contacts: %+v %v", contacts, err)
	}
	if err := a.UpdateContact(ctx, "tel:+1", nil); !errors.Is(err, ErrReadOnlyArchive) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}
