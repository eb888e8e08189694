package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPostgresIntegrationStoreRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CAMPAIGNSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CAMPAIGNSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = fmt.Sprintf("campaignsync_snapshots_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = store.Close()
		dropTable(t, dsn, store.tableName)
	})

	ctx := context.Background()
	got, err := store.Load(ctx, "camp-1")
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", got)
	}

	first := sampleSnapshot("camp-1")
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second := sampleSnapshot("camp-1")
	second.Campaign.Title = "Renamed"
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err = store.Load(ctx, "camp-1")
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if diff := cmp.Diff(second, *got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func dropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
