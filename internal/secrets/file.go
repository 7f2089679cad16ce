package secrets

import (
	"context"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conveyor/internal/config"
)

// FilePluginID is the plugin id served by FileBackend.
const FilePluginID = "file"

// FileBackend reads secrets from a flat YAML map of key to value. The file is
// named by the "path" property of the secret config and read on every lookup.
type FileBackend struct{}

func (FileBackend) Lookup(_ context.Context, cfg config.SecretConfig, keys []string) (map[string]string, error) {
	path := cfg.Properties["path"]
	if path == "" {
		return nil, fmt.Errorf("secret config %s: missing path property", cfg.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var all map[string]string
	if err := yamlv3.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}
