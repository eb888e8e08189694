// Package snapshot keeps the last projection that loaded successfully for
// each campaign, so a restarted view has something to show before its first
// fetch returns.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/campaignsync/internal/campaign"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Snapshot struct {
	CampaignID string             `json:"campaign_id"`
	Campaign   *campaign.Campaign `json:"campaign"`
	Messages   []campaign.Message `json:"messages"`
	Assets     []campaign.Asset   `json:"assets"`
	SavedAt    time.Time          `json:"saved_at"`
}

// Store persists snapshots by campaign id. Load returns nil, nil when nothing
// was saved for the campaign.
type Store interface {
	Load(ctx context.Context, campaignID string) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[string][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, campaignID string) (*Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	data, ok := s.snapshots[campaignID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save stores an encoded copy so later mutation of the caller's slices
// cannot reach the stored snapshot.
func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(snap.CampaignID) == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.CampaignID] = data
	return nil
}

// FileStore keeps every campaign's snapshot in one JSON document, rewritten
// through a temp file and rename.
type FileStore struct {
	Path string
	mu   sync.Mutex
}

type fileDocument struct {
	Snapshots map[string]Snapshot `json:"snapshots"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path)}
}

func (s *FileStore) Load(_ context.Context, campaignID string) (*Snapshot, error) {
	if s == nil || s.Path == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	snap, ok := doc.Snapshots[campaignID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	if s == nil || s.Path == "" {
		return nil
	}
	if strings.TrimSpace(snap.CampaignID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.Snapshots[snap.CampaignID] = snap
	return writeFileAtomic(s.Path, doc)
}

func (s *FileStore) readLocked() (fileDocument, error) {
	doc := fileDocument{Snapshots: map[string]Snapshot{}}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	if doc.Snapshots == nil {
		doc.Snapshots = map[string]Snapshot{}
	}
	return doc, nil
}

func writeFileAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
