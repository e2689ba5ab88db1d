// Package storage provides the durable conversation stores: a file-record
// backend (one JSON record per agent/participant scope) and a SQLite backend.
// Both implement domain.Store with order-preserving appends and
// read-after-write visibility.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

// record is the on-disk layout of one (agent, scope) conversation: an ordered
// session list, each session carrying its messages.
type record struct {
	Agent    string          `json:"agent"`
	Scope    string          `json:"scope"`
	Sessions []recordSession `json:"sessions"`
}

type recordSession struct {
	domain.Session
	Messages []domain.StoredMessage `json:"messages"`
}

type recordKey struct {
	agent string
	scope string
}

// FileStore keeps one addressable JSON record per (agent, scope). Writes are
// whole-record rewrites via temp file and atomic rename, under an exclusive
// per-record lock.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[recordKey]*sync.Mutex
	index map[string]recordKey // session id -> owning record
}

// NewFileStore opens (or creates) a file store rooted at dir and rebuilds the
// session index from the existing records.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create storage directory %s: %w", dir, err)
	}

	s := &FileStore{
		root:   dir,
		logger: logger,
		locks:  make(map[recordKey]*sync.Mutex),
		index:  make(map[string]recordKey),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) rebuildIndex() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("cannot scan storage directory: %w", err)
	}
	for _, agentDir := range entries {
		if !agentDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, agentDir.Name()))
		if err != nil {
			return fmt.Errorf("cannot scan agent directory %s: %w", agentDir.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			rec, err := s.loadPath(filepath.Join(s.root, agentDir.Name(), f.Name()))
			if err != nil {
				s.logger.Warn("skipping unreadable conversation record",
					"file", f.Name(), "error", err)
				continue
			}
			key := recordKey{agent: rec.Agent, scope: rec.Scope}
			for _, sess := range rec.Sessions {
				s.index[sess.ID] = key
			}
		}
	}
	return nil
}

func (s *FileStore) recordPath(key recordKey) string {
	return filepath.Join(s.root, sanitize(key.agent), sanitize(key.scope)+".json")
}

// sanitize maps a scope or agent name to a safe file name component.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// lockFor returns the exclusive lock for one record, creating it on first use.
func (s *FileStore) lockFor(key recordKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FileStore) loadPath(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", path, err)
	}
	return &rec, nil
}

// load reads a record, returning an empty one when the file does not exist.
func (s *FileStore) load(key recordKey) (*record, error) {
	rec, err := s.loadPath(s.recordPath(key))
	if os.IsNotExist(err) {
		return &record{Agent: key.agent, Scope: key.scope}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// save rewrites the whole record: temp file first, then atomic rename.
func (s *FileStore) save(key recordKey, rec *record) error {
	path := s.recordPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create record directory: %v", domain.ErrStorageWrite, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", domain.ErrStorageWrite, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write record %s: %v", domain.ErrStorageWrite, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename record %s: %v", domain.ErrStorageWrite, path, err)
	}
	return nil
}

func (s *FileStore) ActiveSession(ctx context.Context, agent, scope string) (*domain.Session, error) {
	key := recordKey{agent: agent, scope: scope}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	for i := len(rec.Sessions) - 1; i >= 0; i-- {
		if rec.Sessions[i].Active {
			sess := rec.Sessions[i].Session
			return &sess, nil
		}
	}
	return nil, nil
}

func (s *FileStore) CreateSession(ctx context.Context, sess domain.Session) error {
	key := recordKey{agent: sess.Agent, scope: sess.Scope}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	rec.Sessions = append(rec.Sessions, recordSession{Session: sess})
	if err := s.save(key, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.index[sess.ID] = key
	s.mu.Unlock()
	return nil
}

func (s *FileStore) keyForSession(sessionID string) (recordKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.index[sessionID]
	if !ok {
		return recordKey{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return key, nil
}

func (s *FileStore) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	key, err := s.keyForSession(sessionID)
	if err != nil {
		return err
	}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	for i := range rec.Sessions {
		if rec.Sessions[i].ID != sessionID {
			continue
		}
		if !rec.Sessions[i].Active {
			return nil // already closed
		}
		rec.Sessions[i].Active = false
		rec.Sessions[i].LastActivity = at
		return s.save(key, rec)
	}
	return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
}

func (s *FileStore) Append(ctx context.Context, sessionID string, msg domain.StoredMessage) error {
	key, err := s.keyForSession(sessionID)
	if err != nil {
		return err
	}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return err
	}
	for i := range rec.Sessions {
		if rec.Sessions[i].ID != sessionID {
			continue
		}
		msg.SessionID = sessionID
		rec.Sessions[i].Messages = append(rec.Sessions[i].Messages, msg)
		rec.Sessions[i].MessageCount = len(rec.Sessions[i].Messages)
		rec.Sessions[i].LastActivity = msg.Timestamp
		return s.save(key, rec)
	}
	return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
}

func (s *FileStore) ReadRecent(ctx context.Context, sessionID string, n int) ([]domain.StoredMessage, error) {
	if n <= 0 {
		return []domain.StoredMessage{}, nil
	}
	key, err := s.keyForSession(sessionID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	for i := range rec.Sessions {
		if rec.Sessions[i].ID != sessionID {
			continue
		}
		msgs := rec.Sessions[i].Messages
		if n < len(msgs) {
			msgs = msgs[len(msgs)-n:]
		}
		out := make([]domain.StoredMessage, len(msgs))
		copy(out, msgs)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
}

func (s *FileStore) ListActiveSessions(ctx context.Context, agent string) ([]domain.Session, error) {
	dir := filepath.Join(s.root, sanitize(agent))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot scan agent directory: %w", err)
	}

	var out []domain.Session
	for _, f := range entries {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		rec, err := s.loadPath(filepath.Join(dir, f.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable conversation record",
				"file", f.Name(), "error", err)
			continue
		}
		for _, sess := range rec.Sessions {
			if sess.Active {
				out = append(out, sess.Session)
			}
		}
	}
	return out, nil
}

func (s *FileStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	keys := make(map[recordKey]struct{}, len(s.index))
	for _, key := range s.index {
		keys[key] = struct{}{}
	}
	s.mu.Unlock()

	purged := 0
	for key := range keys {
		lock := s.lockFor(key)
		lock.Lock()
		rec, err := s.load(key)
		if err != nil {
			lock.Unlock()
			return purged, err
		}
		var kept []recordSession
		var dropped []string
		for _, sess := range rec.Sessions {
			if sess.LastActivity.Before(cutoff) {
				dropped = append(dropped, sess.ID)
				continue
			}
			kept = append(kept, sess)
		}
		if len(dropped) > 0 {
			rec.Sessions = kept
			var err error
			if len(kept) == 0 {
				err = os.Remove(s.recordPath(key))
			} else {
				err = s.save(key, rec)
			}
			if err != nil {
				lock.Unlock()
				return purged, err
			}
			s.mu.Lock()
			for _, id := range dropped {
				delete(s.index, id)
			}
			s.mu.Unlock()
			purged += len(dropped)
		}
		lock.Unlock()
	}
	return purged, nil
}

func (s *FileStore) Close() error { return nil }
