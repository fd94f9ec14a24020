package models

import "time"

// SettingsVersion is the current settings resource format version.
const SettingsVersion = "1.0"

// CachedGroup is one denormalized entry in the settings group cache.
type CachedGroup struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// UserSettings is the per-user settings resource persisted as a single
// well-known blob in the remote store. It is lazily created on first access
// via reconciliation, mutated on every group lifecycle change, and never
// deleted by this core.
type UserSettings struct {
	Version       string            `json:"version"`
	ActiveGroupID string            `json:"activeGroupId"`
	GroupCache    []CachedGroup     `json:"groupCache"`
	Preferences   map[string]string `json:"preferences"`
	LastUpdated   time.Time         `json:"lastUpdated"`
}

// Valid reports whether the settings blob is structurally usable. An invalid
// blob is rebuilt from scratch by reconciliation.
func (s *UserSettings) Valid() bool {
	return s != nil && s.Version != ""
}

// FindGroup returns the cache entry for the given group id, or nil.
func (s *UserSettings) FindGroup(id string) *CachedGroup {
	for i := range s.GroupCache {
		if s.GroupCache[i].ID == id {
			return &s.GroupCache[i]
		}
	}
	return nil
}
