package contactsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"engagement-pipeline/cache"
	"engagement-pipeline/coding"
	"engagement-pipeline/engagementdb"
	"engagement-pipeline/rapidpro"
	"engagement-pipeline/uuidtable"
)

type contactUpdate struct {
	urn    string
	fields map[string]string
}

type mockRapidPro struct {
	mu      sync.Mutex
	fields  []rapidpro.Field
	created []string
	updates []contactUpdate
}

func (m *mockRapidPro) GetWorkspaceName(context.Context) (string, error) { return "test-ws", nil }
func (m *mockRapidPro) GetWorkspaceUUID(context.Context) (string, error) { return "ws-uuid", nil }
func (m *mockRapidPro) GetFlowID(context.Context, string) (string, error) {
	return "", nil
}
func (m *mockRapidPro) GetRawRuns(context.Context, string, *time.Time) ([]rapidpro.Run, error) {
	return nil, nil
}
func (m *mockRapidPro) UpdateRawContactsWithLatestModified(_ context.Context, prev []rapidpro.Contact) ([]rapidpro.Contact, error) {
	return prev, nil
}

func (m *mockRapidPro) GetFields(context.Context) ([]rapidpro.Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rapidpro.Field(nil), m.fields...), nil
}

func (m *mockRapidPro) CreateField(_ context.Context, key, label string) (rapidpro.Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := rapidpro.Field{Key: key, Label: label, ValueType: "text"}
	m.fields = append(m.fields, f)
	m.created = append(m.created, key)
	return f, nil
}

func (m *mockRapidPro) UpdateContact(_ context.Context, urn string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, contactUpdate{urn: urn, fields: fields})
	return nil
}

func (m *mockRapidPro) takeUpdates() []contactUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.updates
	m.updates = nil
	return out
}

var rqaScheme = &coding.CodeScheme{SchemeID: "Scheme-rqa", Name: "rqa", Codes: []coding.Code{
	{CodeID: "code-water", CodeType: coding.CodeTypeNormal, StringValue: "water"},
	{CodeID: "code-stop", CodeType: coding.CodeTypeControl, ControlCode: coding.ControlStop},
}}

func testConfig() Config {
	return Config{
		NormalDatasets: []DatasetConfig{
			{EngagementDBDatasets: []string{"s01e01", "s01e02"}, RapidProContactField: ContactField{Key: "engagement_db_rqa", Label: "Engagement DB RQA"}},
		},
		ConsentWithdrawnDataset: &DatasetConfig{
			EngagementDBDatasets: []string{"s01e01", "s01e02"},
			RapidProContactField: ContactField{Key: "engagement_db_consent_withdrawn", Label: "Engagement DB Consent Withdrawn"},
		},
		WriteMode: WriteModeConcatenateTexts,
	}
}

type fixture struct {
	store *engagementdb.SQLStore
	uuids *uuidtable.Table
	cache *cache.Cache
	rp    *mockRapidPro
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := engagementdb.OpenSQLStore(filepath.Join(dir, "engagement.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	uuids, err := uuidtable.Open(filepath.Join(dir, "uuids.db"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = uuids.Close() })
	return &fixture{
		store: store,
		uuids: uuids,
		cache: cache.New(cache.NewDirBackend(filepath.Join(dir, "cache"))),
		rp:    &mockRapidPro{},
	}
}

func (f *fixture) syncer() *Syncer {
	return &Syncer{RapidPro: f.rp, Store: f.store, UUIDs: f.uuids, Cache: f.cache, Schemes: []*coding.CodeScheme{rqaScheme}}
}

func (f *fixture) participant(t *testing.T, urn string) string {
	t.Helper()
	id, err := f.uuids.DataToUUID(context.Background(), urn)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

var msgTime = time.Date(2022, 2, 1, 8, 0, 0, 0, time.UTC)

func (f *fixture) addMessage(t *testing.T, participant, dataset, text string, labels ...engagementdb.Label) {
	t.Helper()
	f.addMessageWithStatus(t, engagementdb.StatusLive, participant, dataset, text, labels...)
}

func (f *fixture) addMessageWithStatus(t *testing.T, status engagementdb.MessageStatus, participant, dataset, text string, labels ...engagementdb.Label) {
	t.Helper()
	msgTime = msgTime.Add(time.Minute)
	m := &engagementdb.Message{
		ParticipantUUID: participant,
		Text:            text,
		Timestamp:       msgTime,
		Direction:       engagementdb.DirectionIn,
		Status:          status,
		Dataset:         dataset,
		Labels:          labels,
		Origin:          engagementdb.Origin{OriginID: dataset + "/" + text + "/" + msgTime.String(), OriginType: "test"},
	}
	if err := f.store.SetMessage(context.Background(), m, engagementdb.HistoryEntryOrigin{OriginName: "test"}); err != nil {
		t.Fatal(err)
	}
}

func stopLabel() engagementdb.Label {
	return engagementdb.Label{
		SchemeID:    rqaScheme.SchemeID,
		CodeID:      "code-stop",
		DateTimeUTC: "2022-02-02T00:00:00.000000Z",
		Checked:     true,
		Origin:      engagementdb.LabelOrigin{OriginID: "coder@example.com", Name: "coder", OriginType: "Manual"},
	}
}

func byURN(updates []contactUpdate) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, u := range updates {
		out[u.urn] = u.fields
	}
	return out
}

func TestSync_UpdatesEachParticipantOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.participant(t, "tel:+252611111111")
	p2 := f.participant(t, "tel:+252622222222")
	f.addMessage(t, p1, "s01e02", "roads")
	f.addMessage(t, p1, "s01e01", "water")
	f.addMessage(t, p2, "s01e01", "stop", stopLabel())
	f.addMessage(t, p1, "s01e01", "")

	st, err := f.syncer().Sync(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if st.Get(EventReadMessage) != 4 || st.Get(EventUpdateContact) != 2 || st.Get(EventSkipParticipantAlreadySynced) != 2 {
		t.Fatalf("unexpected stats %v", st.Counts)
	}
	if st.Get(EventCreateField) != 2 {
		t.Fatalf("expected both contact fields to be created, got %v", st.Counts)
	}

	updates := byURN(f.rp.takeUpdates())
	if len(updates) != 2 {
		t.Fatalf("expected 2 contact updates, got %v", updates)
	}
	want := `"water" - engagement_db.s01e01; "" - engagement_db.s01e01; "roads" - engagement_db.s01e02`
	if got := updates["tel:+252611111111"]; got["engagement_db_rqa"] != want {
		t.Fatalf("rqa field = %q, want %q", got["engagement_db_rqa"], want)
	}
	if _, ok := updates["tel:+252611111111"]["engagement_db_consent_withdrawn"]; ok {
		t.Fatal("consent field should not be cleared when clearing is not allowed")
	}
	if got := updates["tel:+252622222222"]["engagement_db_consent_withdrawn"]; got != ConsentWithdrawnValue {
		t.Fatalf("consent field = %q, want %q", got, ConsentWithdrawnValue)
	}
}

func TestSync_ResumesFromLastSyncedMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.participant(t, "tel:+252611111111")
	p2 := f.participant(t, "tel:+252622222222")
	f.addMessage(t, p1, "s01e01", "water")
	f.addMessage(t, p2, "s01e01", "roads")
	if _, err := f.syncer().Sync(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	f.rp.takeUpdates()

	st, err := f.syncer().Sync(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if st.Get(EventReadMessage) != 0 || len(f.rp.takeUpdates()) != 0 {
		t.Fatalf("expected nothing to sync, got %v", st.Counts)
	}
	if st.Get(EventCreateField) != 0 {
		t.Fatalf("fields already exist, got %v", st.Counts)
	}

	f.addMessage(t, p1, "s01e02", "schools")
	if _, err := f.syncer().Sync(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	updates := f.rp.takeUpdates()
	if len(updates) != 1 || updates[0].urn != "tel:+252611111111" {
		t.Fatalf("expected only p1 to be updated, got %v", updates)
	}
	want := `"water" - engagement_db.s01e01; "schools" - engagement_db.s01e02`
	if updates[0].fields["engagement_db_rqa"] != want {
		t.Fatalf("rqa field = %q, want %q", updates[0].fields["engagement_db_rqa"], want)
	}
}

func TestSync_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.participant(t, "tel:+252611111111")
	f.addMessage(t, p1, "s01e01", "water")

	s := f.syncer()
	s.DryRun = true
	st, err := s.Sync(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if st.Get(EventUpdateContact) != 1 {
		t.Fatalf("unexpected stats %v", st.Counts)
	}
	if len(f.rp.takeUpdates()) != 0 || len(f.rp.created) != 0 {
		t.Fatal("dry run should not write to rapid pro")
	}

	if _, err := f.syncer().Sync(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	if got := f.rp.takeUpdates(); len(got) != 1 {
		t.Fatalf("expected the real run to sync the message the dry run saw, got %v", got)
	}
}

func TestSync_IgnoresStaleMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.participant(t, "tel:+252611111111")
	f.addMessage(t, p1, "s01e01", "water")
	f.addMessageWithStatus(t, engagementdb.StatusStale, p1, "s01e01", "retracted")
	f.addMessageWithStatus(t, engagementdb.StatusStale, p1, "s01e02", "stop", stopLabel())

	st, err := f.syncer().Sync(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if st.Get(EventReadMessage) != 1 {
		t.Fatalf("stale messages should not be read, got %v", st.Counts)
	}
	updates := f.rp.takeUpdates()
	if len(updates) != 1 {
		t.Fatalf("expected 1 contact update, got %v", updates)
	}
	if got := updates[0].fields["engagement_db_rqa"]; got != `"water" - engagement_db.s01e01` {
		t.Fatalf("rqa field = %q", got)
	}
	if _, ok := updates[0].fields["engagement_db_consent_withdrawn"]; ok {
		t.Fatal("a stale STOP label must not withdraw consent")
	}
}

func TestSync_CountsOnlyContactsWithFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.participant(t, "tel:+252611111111")
	f.addMessage(t, p1, "s01e01", "water")

	// No s01e02 messages and no STOP label, so there is nothing to write.
	cfg := testConfig()
	cfg.NormalDatasets[0].EngagementDBDatasets = []string{"s01e02"}
	cfg.ConsentWithdrawnDataset.EngagementDBDatasets = []string{"s01e01"}

	st, err := f.syncer().Sync(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if st.Get(EventReadMessage) != 1 || st.Get(EventUpdateContact) != 0 {
		t.Fatalf("a contact with no fields to write should not count as updated, got %v", st.Counts)
	}
	if got := f.rp.takeUpdates(); len(got) != 0 {
		t.Fatalf("expected no contact updates, got %v", got)
	}
}

func TestSync_CreatesOnlyMissingFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rp.fields = []rapidpro.Field{{Key: "engagement_db_rqa", Label: "Engagement DB RQA"}}
	if _, err := f.syncer().Sync(ctx, testConfig()); err != nil {
		t.Fatal(err)
	}
	if len(f.rp.created) != 1 || f.rp.created[0] != "engagement_db_consent_withdrawn" {
		t.Fatalf("unexpected created fields %v", f.rp.created)
	}
}

func TestNormalFields(t *testing.T) {
	msgs := []*engagementdb.Message{
		{Dataset: "s01e01", Text: "water"},
		{Dataset: "s01e02", Text: ""},
		{Dataset: "other", Text: "ignored"},
	}

	cfg := testConfig()
	cfg.WriteMode = WriteModeShowPresence
	if got := normalFields(cfg, msgs)["engagement_db_rqa"]; got != PresenceMarker {
		t.Fatalf("presence field = %q", got)
	}

	if got := normalFields(testConfig(), []*engagementdb.Message{{Dataset: "s01e02", Text: ""}})["engagement_db_rqa"]; got != `"" - engagement_db.s01e02` {
		t.Fatalf("empty texts should still be written, got %q", got)
	}

	empty := []*engagementdb.Message{{Dataset: "other", Text: "ignored"}}
	if _, ok := normalFields(cfg, empty)["engagement_db_rqa"]; ok {
		t.Fatal("field should be left alone when clearing is not allowed")
	}
	cfg.AllowClearingFields = true
	if got, ok := normalFields(cfg, empty)["engagement_db_rqa"]; !ok || got != "" {
		t.Fatalf("expected the field to be cleared, got %q %v", got, ok)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{WriteMode: "shout"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown write mode to be rejected")
	}
	cfg = Config{}
	cfg.SetDefaults()
	if cfg.WriteMode != WriteModeShowPresence {
		t.Fatalf("default write mode = %q", cfg.WriteMode)
	}
}
