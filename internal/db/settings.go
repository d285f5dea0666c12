package db

import (
	"database/sql"
	"errors"
	"strconv"
)

// Settings keys
const (
	SettingShowWelcome      = "show_welcome"
	SettingShowAdminWarning = "show_admin_warning"
	SettingRetentionDays    = "retention_days"
)

// GetSetting returns a raw setting value, or ErrNotFound
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting stores a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetBoolSetting returns a boolean setting or def when unset or malformed
func (db *DB) GetBoolSetting(key string, def bool) bool {
	v, err := db.GetSetting(key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetIntSetting returns an integer setting or def when unset or malformed
func (db *DB) GetIntSetting(key string, def int) int {
	v, err := db.GetSetting(key)
	if err != nil {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// LoadSettings reads all preferences, falling back to defaults for unset keys
func (db *DB) LoadSettings(defaults Settings) Settings {
	return Settings{
		ShowWelcome:      db.GetBoolSetting(SettingShowWelcome, defaults.ShowWelcome),
		ShowAdminWarning: db.GetBoolSetting(SettingShowAdminWarning, defaults.ShowAdminWarning),
		RetentionDays:    db.GetIntSetting(SettingRetentionDays, defaults.RetentionDays),
	}
}

// SaveSettings stores all preferences in one transaction
func (db *DB) SaveSettings(s Settings) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	values := map[string]string{
		SettingShowWelcome:      strconv.FormatBool(s.ShowWelcome),
		SettingShowAdminWarning: strconv.FormatBool(s.ShowAdminWarning),
		SettingRetentionDays:    strconv.Itoa(s.RetentionDays),
	}
	for k, v := range values {
		if _, err := tx.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
