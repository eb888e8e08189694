package campaign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileTokenSourceReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	source, err := NewFileTokenSource(path, nil)
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	defer source.Close()
	if got := source.Token(); got != "first-token" {
		t.Fatalf("expected first-token, got %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := source.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Replace by rename, the way editors and token refreshers do.
	tmp := path + ".new"
	if err := os.WriteFile(tmp, []byte("second-token"), 0o600); err != nil {
		t.Fatalf("write replacement: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename replacement: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for source.Token() != "second-token" {
		if time.Now().After(deadline) {
			t.Fatalf("token was not reloaded, still %q", source.Token())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileTokenSourceRequiresReadableToken(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFileTokenSource(filepath.Join(dir, "absent"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write empty token: %v", err)
	}
	if _, err := NewFileTokenSource(empty, nil); err == nil {
		t.Fatalf("expected error for empty token file")
	}
	if _, err := NewFileTokenSource(" ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank path, got %v", err)
	}
}

func TestStaticTokenTrims(t *testing.T) {
	if got := StaticToken("  abc ").Token(); got != "abc" {
		t.Fatalf("expected trimmed token, got %q", got)
	}
}
