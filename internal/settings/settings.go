// Package settings manages the runtime-mutable miner settings: the Twitch
// auth token, the cached user id, and the ordered streamer list. Settings
// are persisted to a JSON file so they survive restarts.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

type fileFormat struct {
	AuthToken string   `json:"authToken"`
	UserID    string   `json:"userId"`
	Streamers []string `json:"streamers"`
}

// Store is a mutex-guarded, file-backed settings store.
type Store struct {
	mu   sync.RWMutex
	path string
	data fileFormat
}

// Open loads settings from path, creating the file with defaults when it
// does not exist. A corrupt file is treated as empty rather than fatal.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: fileFormat{Streamers: []string{}}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("failed to create settings file: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		slog.Warn("Settings file is corrupt, starting with defaults", "path", path, "error", err)
		s.data = fileFormat{Streamers: []string{}}
	}
	if s.data.Streamers == nil {
		s.data.Streamers = []string{}
	}

	return s, nil
}

// save writes to a sibling temp file and renames it into place, so a crash
// mid-write can never leave a truncated settings file behind.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) persist(operation string) {
	if err := s.save(); err != nil {
		slog.Error("Failed to persist settings", "operation", operation, "error", err)
	}
}

func (s *Store) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.AuthToken
}

func (s *Store) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.AuthToken = token
	s.persist("set_auth_token")
}

func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.UserID
}

func (s *Store) SetUserID(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.UserID = userID
	s.persist("set_user_id")
}

// Streamers returns the configured channel names in priority order.
func (s *Store) Streamers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.Streamers)
}

// AddStreamer appends a login to the priority list. Logins are normalized to
// lower case; duplicates are ignored.
func (s *Store) AddStreamer(name string) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.data.Streamers, normalized) {
		return
	}
	s.data.Streamers = append(s.data.Streamers, normalized)
	s.persist("add_streamer")
}

func (s *Store) RemoveStreamer(name string) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Streamers = slices.DeleteFunc(s.data.Streamers, func(login string) bool {
		return login == normalized
	})
	s.persist("remove_streamer")
}
