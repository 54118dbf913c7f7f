package config

import (
	"errors"
	"slices"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/storage"
)

type StorageConfig struct {
	UseRemovable            bool     `toml:"use_removable" comment:"write output to removable storage when present"`
	CheckRemovableForConfig bool     `toml:"check_removable_for_config" comment:"look for ping_finder_config.* on removable storage first"`
	MediaRoots              []string `toml:"media_roots" comment:"mount parents scanned for removable storage, $USER is expanded"`

	LocalConfigDir string `toml:"local_config_dir"`
	LocalOutputDir string `toml:"local_output_dir"`

	FlushInterval TOMLDuration `toml:"flush_interval"`
	SQLiteIndex   bool         `toml:"sqlite_index" comment:"mirror records into detections.db next to the csv log"`
}

func defaultStorage() StorageConfig {
	return StorageConfig{
		UseRemovable:            true,
		CheckRemovableForConfig: true,
		MediaRoots:              slices.Clone(storage.DefaultMediaRoots),
		LocalConfigDir:          UserdataDirectoryPrefix + ConfigPathPrefix,
		LocalOutputDir:          UserdataDirectoryPrefix + "rtt_output",
		FlushInterval:           TOMLDuration(5 * time.Second),
	}
}

type StorageConfigManager struct {
	BaseConfigManager[StorageConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (s *StorageConfigManager) Verify() error {
	if s.conf.LocalConfigDir == "" || s.conf.LocalOutputDir == "" {
		return errors.New("local_config_dir and local_output_dir are required")
	}
	if s.conf.FlushInterval.Value() <= 0 {
		return errors.New("flush_interval must be positive")
	}
	return nil
}

func NewStorageConfigManager(config *StorageConfig, mgr *Manager) *StorageConfigManager {
	j := StorageConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
