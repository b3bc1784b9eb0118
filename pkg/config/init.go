package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sampleConfig is the configuration written by InitConfig and
// InitConfigToPath, illustrating a single locally-served image.
func sampleConfig() *Config {
	cfg := defaultConfig()
	cfg.Images = []ImageConfig{
		{
			Name:        "disk",
			ChunkSize:   128 * 1024,
			InitialSize: 10 * 1024 * 1024 * 1024,
			CacheDir:    "/var/cache/vmnetfs/disk",
			Origin: OriginConfig{
				URL: "https://example.com/images/disk.img",
			},
		},
	}
	return cfg
}

// InitConfig writes a sample configuration file to the default location,
// returning the path it was written to.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path. It refuses
// to overwrite an existing file unless force is true.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(sampleConfig())
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
