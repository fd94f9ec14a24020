package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diegodesogos/quozen/internal/docstore"
	"github.com/diegodesogos/quozen/internal/models"
)

// ResourceName is the well-known app-data blob holding the user's settings.
const ResourceName = "settings.json"

// Load reads and decodes the settings resource. A missing blob surfaces as
// docstore.ErrNotFound; an undecodable or structurally invalid blob returns
// an error so the caller can fall back to reconciliation.
func Load(ctx context.Context, store docstore.Store) (*models.UserSettings, error) {
	data, err := store.ReadAppData(ctx, ResourceName)
	if err != nil {
		return nil, err
	}
	var s models.UserSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if !s.Valid() {
		return nil, fmt.Errorf("settings resource is structurally invalid")
	}
	return &s, nil
}

// Save stamps LastUpdated and persists the settings resource.
func Save(ctx context.Context, store docstore.Store, s *models.UserSettings) error {
	s.LastUpdated = time.Now()
	if s.Version == "" {
		s.Version = models.SettingsVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := store.WriteAppData(ctx, ResourceName, data); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}
