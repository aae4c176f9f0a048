// Package data persists the client side of a relay session: the last used
// session id and a local track log. The relay itself persists nothing.
package data

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var dataDir = "."

// SetDataDir sets the directory for all data files
func SetDataDir(dir string) {
	dataDir = dir
}

// DataDir returns the current data directory
func DataDir() string {
	return dataDir
}

const sessionFileName = "session.json"

// SessionFile remembers the session id across restarts so the watcher can
// reconnect without user re-entry. The id is minted once and reused on
// every reconnection attempt.
type SessionFile struct {
	mu sync.Mutex

	SessionID string `json:"session_id"`
	Created   int64  `json:"created"`
}

var (
	session     *SessionFile
	sessionOnce sync.Once
)

// Session returns the singleton session file, loaded from disk.
func Session() *SessionFile {
	sessionOnce.Do(func() {
		session = &SessionFile{}
		session.Load()
	})
	return session
}

func (s *SessionFile) path() string {
	return filepath.Join(dataDir, sessionFileName)
}

func (s *SessionFile) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadJSON(s.path(), s)
}

func (s *SessionFile) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveJSON(s.path(), s)
}

// ID returns the stored session id, minting and saving a new one if none
// exists yet.
func (s *SessionFile) ID() string {
	s.mu.Lock()
	if len(s.SessionID) > 0 {
		id := s.SessionID
		s.mu.Unlock()
		return id
	}
	s.SessionID = uuid.New().String()
	s.Created = time.Now().Unix()
	id := s.SessionID
	s.mu.Unlock()

	s.Save()
	return id
}

// Reset mints a fresh session id, replacing the stored one.
func (s *SessionFile) Reset() string {
	s.mu.Lock()
	s.SessionID = uuid.New().String()
	s.Created = time.Now().Unix()
	id := s.SessionID
	s.mu.Unlock()

	s.Save()
	return id
}

//
// JSON helpers
//

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
