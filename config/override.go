package config

import (
	"fmt"
	"os"
	"os/user"
	"runtime"

	"github.com/metacubex/ipowd/log"

	"gopkg.in/yaml.v3"
)

// RawOverride replaces top level keys of the config when all of its
// conditions match the host.
type RawOverride struct {
	OS       string    `yaml:"os" json:"os"`
	Arch     string    `yaml:"arch" json:"arch"`
	Hostname string    `yaml:"hostname" json:"hostname"`
	Username string    `yaml:"username" json:"username"`
	Content  yaml.Node `yaml:"content" json:"-"`
}

func ApplyOverride(rawCfg *RawConfig, overrides []RawOverride) error {
	for id, override := range overrides {
		if override.OS != "" && override.OS != runtime.GOOS {
			continue
		}
		if override.Arch != "" && override.Arch != runtime.GOARCH {
			continue
		}
		if override.Hostname != "" {
			hName, err := os.Hostname()
			if err != nil {
				log.Warnln("Failed to get hostname when applying override #%v: %v", id, err)
				continue
			}
			if override.Hostname != hName {
				continue
			}
		}
		if override.Username != "" {
			u, err := user.Current()
			if err != nil {
				log.Warnln("Failed to get current user when applying override #%v: %v", id, err)
				continue
			}
			if override.Username != u.Username {
				continue
			}
		}

		if override.Content.IsZero() {
			continue
		}
		// decoding into the existing value only touches the keys present in content,
		// so a zero value such as "log-level: debug" still overrides
		if err := override.Content.Decode(rawCfg); err != nil {
			return fmt.Errorf("override #%v: %w", id, err)
		}
	}
	return nil
}
