package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentworkforce/campaignsync/internal/campaign"
)

func sampleSnapshot(id string) Snapshot {
	day := 2
	return Snapshot{
		CampaignID: id,
		Campaign:   &campaign.Campaign{ID: id, Title: "Spring launch", Status: campaign.StatusDraftReady},
		Messages:   []campaign.Message{{ID: "m1", CampaignID: id, Role: "user", Content: "hi"}},
		Assets: []campaign.Asset{{
			ID: "a1", CampaignID: id, AssetType: campaign.AssetCopy, DayNumber: &day,
			Status: campaign.AssetCompleted, Content: json.RawMessage(`{"text":"hello"}`),
		}},
		SavedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildStoreFromDSNMemory(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	ctx := context.Background()
	want := sampleSnapshot("camp-1")
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("memory save failed: %v", err)
	}
	got, err := store.Load(ctx, "camp-1")
	if err != nil {
		t.Fatalf("memory load failed: %v", err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	missing, err := store.Load(ctx, "camp-404")
	if err != nil || missing != nil {
		t.Fatalf("expected nil snapshot for unknown campaign, got %+v err=%v", missing, err)
	}
}

func TestMemoryStoreIsolatesSavedSnapshot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	snap := sampleSnapshot("camp-1")
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	snap.Messages[0].Content = "mutated"

	got, err := store.Load(ctx, "camp-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Messages[0].Content != "hi" {
		t.Fatalf("stored snapshot changed through caller slice: %q", got.Messages[0].Content)
	}
}

func TestBuildStoreFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshots.json")
	store, err := BuildStoreFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, sampleSnapshot("camp-1")); err != nil {
		t.Fatalf("file save failed: %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot("camp-2")); err != nil {
		t.Fatalf("file save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}

	reopened := NewFileStore(path)
	for _, id := range []string{"camp-1", "camp-2"} {
		got, err := reopened.Load(ctx, id)
		if err != nil {
			t.Fatalf("file load %s failed: %v", id, err)
		}
		if diff := cmp.Diff(sampleSnapshot(id), *got); diff != "" {
			t.Fatalf("snapshot %s mismatch (-want +got):\n%s", id, diff)
		}
	}
}

func TestFileStoreMissingFileLoadsNothing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	got, err := store.Load(context.Background(), "camp-1")
	if err != nil || got != nil {
		t.Fatalf("expected nil snapshot, got %+v err=%v", got, err)
	}
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := NewFileStore(path).Load(context.Background(), "camp-1"); err == nil {
		t.Fatalf("expected decode error for corrupt snapshot file")
	}
}

func TestSaveRequiresCampaignID(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "s.json")),
	}
	for name, store := range stores {
		if err := store.Save(ctx, Snapshot{}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestBuildStoreFromDSNSchemes(t *testing.T) {
	store, err := BuildStoreFromDSN("")
	if err != nil || store != nil {
		t.Fatalf("expected snapshots disabled for empty dsn, got %v err=%v", store, err)
	}

	store, err = BuildStoreFromDSN("postgres://localhost/campaignsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to be available, got %v", err)
	}
	if sqlStore, ok := store.(*SQLStore); !ok || sqlStore.dialect.driver != "postgres" {
		t.Fatalf("expected postgres *SQLStore, got %#v", store)
	}

	store, err = BuildStoreFromDSN("/var/lib/campaignsync/snapshots.json")
	if err != nil {
		t.Fatalf("plain path failed: %v", err)
	}
	if fs, ok := store.(*FileStore); !ok || fs.Path != "/var/lib/campaignsync/snapshots.json" {
		t.Fatalf("expected file store for plain path, got %#v", store)
	}

	store, err = BuildStoreFromDSN("sqlite:///var/lib/campaignsync/snapshots.db")
	if err != nil {
		t.Fatalf("sqlite store failed: %v", err)
	}
	if sqlStore, ok := store.(*SQLStore); !ok || sqlStore.dialect.driver != "sqlite" || sqlStore.dsn != "/var/lib/campaignsync/snapshots.db" {
		t.Fatalf("expected sqlite *SQLStore, got %#v", store)
	}
	if _, err := BuildStoreFromDSN("mysql://localhost/campaignsync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildStoreFromDSN("s3://bucket/key"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRegisteredStoreFactoryTakesPrecedence(t *testing.T) {
	custom := NewMemoryStore()
	RegisterStoreFactory("Memory", func(string) (Store, error) { return custom, nil })
	t.Cleanup(func() {
		storeRegistry.mu.Lock()
		delete(storeRegistry.factories, "memory")
		storeRegistry.mu.Unlock()
	})

	store, err := BuildStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if store != Store(custom) {
		t.Fatalf("expected registered factory result")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	got, err := store.Load(ctx, "camp-1")
	if err != nil || got != nil {
		t.Fatalf("expected no snapshot before save, got %+v err=%v", got, err)
	}

	first := sampleSnapshot("camp-1")
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second := sampleSnapshot("camp-1")
	second.Campaign.Title = "Renamed"
	second.SavedAt = first.SavedAt.Add(time.Minute)
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err = store.Load(ctx, "camp-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if diff := cmp.Diff(second, *got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLStoreRetriesOpenAfterFailure(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	boom := errors.New("dial refused")
	opens := 0
	store.openDB = func(driver, dsn string) (*sql.DB, error) {
		opens++
		if opens <= 2 {
			return nil, boom
		}
		return sql.Open(driver, dsn)
	}
	if _, err := store.Load(ctx, "camp-1"); !errors.Is(err, boom) {
		t.Fatalf("expected open failure, got %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot("camp-1")); !errors.Is(err, boom) {
		t.Fatalf("expected second open failure, got %v", err)
	}

	// The outage is over: the next call opens the database for good.
	if err := store.Save(ctx, sampleSnapshot("camp-1")); err != nil {
		t.Fatalf("expected save to recover, got %v", err)
	}
	got, err := store.Load(ctx, "camp-1")
	if err != nil || got == nil {
		t.Fatalf("expected saved snapshot, got %+v err=%v", got, err)
	}
	if opens != 3 {
		t.Fatalf("expected 3 open attempts, got %d", opens)
	}

	if _, err := NewSQLiteStore("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank path, got %v", err)
	}
}
