package db

import (
	"fmt"

	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/uuid"
)

// EnsureDeviceID returns configured when set. Otherwise it returns the id
// persisted in settings, generating and storing one on first use.
func EnsureDeviceID(store SettingsStore, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, ok, err := store.GetSetting(models.SettingDeviceID)
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.DeviceID("")
	if err := store.SetSetting(models.SettingDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
