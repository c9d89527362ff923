package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

// SessionRecord captures what a client remembers about one terminal session.
type SessionRecord struct {
	Key        schema.SessionKey   `json:"key"`
	LastActive time.Time           `json:"last_active"`
	Modes      schema.TerminalMode `json:"modes"`
}

// WorkspaceSnapshot is the on-disk form of every record in one workspace.
type WorkspaceSnapshot struct {
	WorkspaceID schema.WorkspaceID `json:"workspace_id"`
	Sessions    []SessionRecord    `json:"sessions"`
}

// Store persists workspace snapshots to disk, one JSON file per workspace.
type Store struct {
	dir string
	log pslog.Logger
	mu  sync.Mutex
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a workspace snapshot from disk.
func (s *Store) Load(workspaceID schema.WorkspaceID) (WorkspaceSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(workspaceID)
}

// Session returns the record for key, if one was saved.
func (s *Store) Session(key schema.SessionKey) (SessionRecord, bool, error) {
	snapshot, ok, err := s.Load(key.WorkspaceID)
	if err != nil || !ok {
		return SessionRecord{}, false, err
	}
	for _, record := range snapshot.Sessions {
		if record.Key == key {
			return record, true, nil
		}
	}
	return SessionRecord{}, false, nil
}

// SaveSession inserts or replaces the record for its key.
func (s *Store) SaveSession(record SessionRecord) error {
	if err := schema.ValidateSessionKey(record.Key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, _, err := s.load(record.Key.WorkspaceID)
	if err != nil {
		snapshot = WorkspaceSnapshot{}
	}
	snapshot.WorkspaceID = record.Key.WorkspaceID
	replaced := false
	for i := range snapshot.Sessions {
		if snapshot.Sessions[i].Key == record.Key {
			snapshot.Sessions[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		snapshot.Sessions = append(snapshot.Sessions, record)
	}
	sort.Slice(snapshot.Sessions, func(i, j int) bool {
		return snapshot.Sessions[i].Key.TerminalID < snapshot.Sessions[j].Key.TerminalID
	})
	return s.save(snapshot)
}

func (s *Store) load(workspaceID schema.WorkspaceID) (WorkspaceSnapshot, bool, error) {
	path := s.pathForWorkspace(workspaceID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "workspace", workspaceID)
			}
			return WorkspaceSnapshot{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "workspace", workspaceID, "err", err)
		}
		return WorkspaceSnapshot{}, false, err
	}
	var snapshot WorkspaceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "workspace", workspaceID, "err", err)
		}
		return WorkspaceSnapshot{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "workspace", workspaceID, "sessions", len(snapshot.Sessions))
	}
	return snapshot, true, nil
}

func (s *Store) save(snapshot WorkspaceSnapshot) error {
	path := s.pathForWorkspace(snapshot.WorkspaceID)
	if err := s.writeAtomic(path, snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", snapshot.WorkspaceID, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "workspace", snapshot.WorkspaceID, "sessions", len(snapshot.Sessions))
	}
	return nil
}

// writeAtomic replaces path through a synced temp file in the same directory.
func (s *Store) writeAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathForWorkspace(workspaceID schema.WorkspaceID) string {
	name := sanitize(string(workspaceID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
