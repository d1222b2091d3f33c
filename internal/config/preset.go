package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// appDirName is the directory under the user config dir holding presets.
const appDirName = "aizuchi"

// maxPreset is the highest numbered preset slot.
const maxPreset = 9

// PresetPath returns the file path for preset slot n. Slot 0 is the default
// "config.yaml"; slots 1 through 9 map to "config-N.yaml". All presets live
// under the platform user config dir (e.g., ~/.config/aizuchi).
func PresetPath(n int) (string, error) {
	if n < 0 || n > maxPreset {
		return "", fmt.Errorf("config: preset slot %d out of range [0, %d]", n, maxPreset)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	name := "config.yaml"
	if n > 0 {
		name = fmt.Sprintf("config-%d.yaml", n)
	}
	return filepath.Join(base, appDirName, name), nil
}

// LoadPreset loads and validates the config in preset slot n.
func LoadPreset(n int) (*Config, error) {
	path, err := PresetPath(n)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// presetFileName returns just the file name for slot n, for tests and
// listings. Out-of-range slots return "".
func presetFileName(n int) string {
	if n < 0 || n > maxPreset {
		return ""
	}
	if n == 0 {
		return "config.yaml"
	}
	return fmt.Sprintf("config-%d.yaml", n)
}
