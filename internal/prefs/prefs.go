// Package prefs persists per-user client preferences as a small JSON
// file. Only the ringtone switch lives here today; the call handshake
// itself never consults it.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Prefs are the client preferences that survive restarts.
type Prefs struct {
	// CallSoundEnabled mutes or unmutes the shared ringtone. Calls still
	// ring visually when it is off.
	CallSoundEnabled bool `json:"call_sound_enabled"`
}

// Default returns the preferences of a user who never changed anything.
func Default() Prefs {
	return Prefs{CallSoundEnabled: true}
}

// Load reads preferences from path. Fields missing from the file keep
// their defaults.
func Load(path string) (Prefs, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Prefs{}, err
	}
	p := Default()
	if err := json.Unmarshal(b, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// Save writes preferences to path, creating parent directories if needed.
func Save(path string, p Prefs) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads preferences if the file exists, otherwise creates it with
// defaults. Returns the preferences and whether the file was created.
func Ensure(path string) (Prefs, bool, error) {
	if _, err := os.Stat(path); err == nil {
		p, err := Load(path)
		return p, false, err
	} else if !os.IsNotExist(err) {
		return Prefs{}, false, err
	}

	p := Default()
	if err := Save(path, p); err != nil {
		return Prefs{}, false, fmt.Errorf("create default preferences: %w", err)
	}
	return p, true, nil
}

// Store serializes preference reads and writes for one user. Toggles are
// written through to disk immediately.
type Store struct {
	mu   sync.Mutex
	path string
	cur  Prefs
}

// Open ensures the preferences file exists and returns a store bound to it.
func Open(path string) (*Store, error) {
	p, _, err := Ensure(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cur: p}, nil
}

// Current returns a snapshot of the preferences.
func (s *Store) Current() Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// SoundEnabled reports whether the ringtone may play.
func (s *Store) SoundEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.CallSoundEnabled
}

// SetSoundEnabled flips the ringtone switch and persists it. The
// in-memory value is kept on the previous setting when the write fails.
func (s *Store) SetSoundEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cur.CallSoundEnabled
	s.cur.CallSoundEnabled = on
	if err := Save(s.path, s.cur); err != nil {
		s.cur.CallSoundEnabled = prev
		return err
	}
	return nil
}
