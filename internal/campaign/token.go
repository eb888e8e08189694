package campaign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TokenSource yields the current session bearer token. An empty token is
// allowed; the backend rejects the request and the caller sees an HTTPError.
type TokenSource interface {
	Token() string
}

type StaticToken string

func (t StaticToken) Token() string {
	return strings.TrimSpace(string(t))
}

// FileTokenSource serves a token read from disk and reloads it whenever the
// file is rewritten. A failed reload keeps the last good token.
type FileTokenSource struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func NewFileTokenSource(path string, logger *zap.Logger) (*FileTokenSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileTokenSource{
		path:   filepath.Clean(path),
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Watch starts reloading on file changes until ctx ends or Close is called.
// The parent directory is watched so editors that replace the file by rename
// are still picked up.
func (s *FileTokenSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.run(ctx)
	return nil
}

func (s *FileTokenSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *FileTokenSource) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("token reload failed; keeping previous token", zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Debug("token reloaded", zap.String("path", s.path))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (s *FileTokenSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return errors.New("token file is empty")
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}
