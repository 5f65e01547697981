package uuidtable

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(filepath.Join(t.TempDir(), "uuids.db"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestTable_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tbl := openTestTable(t)

	has, err := tbl.HasData(ctx, "tel:+252611111111")
	if err != nil || has {
		t.Fatalf("expected no mapping yet: %v %v", has, err)
	}
	id, err := tbl.DataToUUID(ctx, "tel:+252611111111")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, DefaultPrefix) {
		t.Fatalf("expected prefixed uuid, got %q", id)
	}
	again, err := tbl.DataToUUID(ctx, "tel:+252611111111")
	if err != nil || again != id {
		t.Fatalf("expected stable uuid, got %q %v", again, err)
	}
	data, err := tbl.UUIDToData(ctx, id)
	if err != nil || data != "tel:+252611111111" {
		t.Fatalf("reverse lookup: %q %v", data, err)
	}
	if has, _ := tbl.HasData(ctx, "tel:+252611111111"); !has {
		t.Fatal("expected mapping to exist")
	}

	batch, err := tbl.DataToUUIDs(ctx, []string{"tel:+252611111111", "telegram:42"})
	if err != nil {
		t.Fatal(err)
	}
	if batch["tel:+252611111111"] != id || batch["telegram:42"] == "" || batch["telegram:42"] == id {
		t.Fatalf("unexpected batch result %v", batch)
	}

	if _, err := tbl.UUIDToData(ctx, DefaultPrefix+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := tbl.UUIDToData(ctx, "no-prefix"); err == nil {
		t.Fatal("expected prefix error")
	}
}

func TestCleanOperator(t *testing.T) {
	prefixes := map[string]string{"25261": "hormud", "252615": "somtel", "+25290": "golis"}
	cases := map[string]string{
		"tel:+252611234567": "hormud",
		"tel:+252615234567": "somtel",
		"tel:+252901234567": "golis",
		"tel:+254700000000": NotCodedOperator,
		"telegram:1234":     "telegram",
		"garbage":           NotCodedOperator,
	}
	for urn, want := range cases {
		if got := CleanOperator(urn, prefixes); got != want {
			t.Errorf("CleanOperator(%q) = %q, want %q", urn, got, want)
		}
	}
}

func TestNormaliseURN(t *testing.T) {
	if got, ok := NormaliseURN("telegram:123#someone"); !ok || got != "telegram:123" {
		t.Fatalf("telegram: %q %v", got, ok)
	}
	if _, ok := NormaliseURN("tel:0612345678"); ok {
		t.Fatal("tel urn without + should be rejected")
	}
	if got, ok := NormaliseURN("tel:+252612345678"); !ok || got != "tel:+252612345678" {
		t.Fatalf("tel: %q %v", got, ok)
	}
}
