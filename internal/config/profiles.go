package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceProfile overrides stream settings for one device model or unit.
type DeviceProfile struct {
	DeviceID          string `yaml:"device_id" json:"device_id"`
	MaxChunkSize      int    `yaml:"max_chunk_size" json:"max_chunk_size,omitempty"`
	CongestionCeiling int    `yaml:"congestion_ceiling" json:"congestion_ceiling,omitempty"`
	MaxIdlePolls      int    `yaml:"max_idle_polls" json:"max_idle_polls,omitempty"`
}

// ScanDeviceProfiles reads every *.yaml file under dir. Unreadable files are
// skipped; a missing dir yields an empty set.
func ScanDeviceProfiles(dir string) map[string]DeviceProfile {
	profiles := map[string]DeviceProfile{}
	if strings.TrimSpace(dir) == "" {
		return profiles
	}

	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			return nil
		}
		profile, err := ReadDeviceProfile(path)
		if err != nil {
			return nil
		}
		profiles[profile.DeviceID] = profile
		return nil
	})

	return profiles
}

// ReadDeviceProfile parses one profile file. The device id defaults to the
// file name without extension.
func ReadDeviceProfile(path string) (DeviceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DeviceProfile{}, err
	}
	var profile DeviceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return DeviceProfile{}, err
	}
	if strings.TrimSpace(profile.DeviceID) == "" {
		base := filepath.Base(path)
		profile.DeviceID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return profile, nil
}

// WithProfile returns a copy of s with the profile's non-zero fields applied.
func (s StreamConfig) WithProfile(profile DeviceProfile) StreamConfig {
	if profile.MaxChunkSize > 0 {
		s.MaxChunkSize = profile.MaxChunkSize
	}
	if profile.CongestionCeiling > 0 {
		s.CongestionCeiling = profile.CongestionCeiling
	}
	if profile.MaxIdlePolls > 0 {
		s.MaxIdlePolls = profile.MaxIdlePolls
	}
	return s
}
