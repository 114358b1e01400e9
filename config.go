package seqstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/seqstore/pkg/fs"
)

// ConfigFileName is the optional, HuJSON (JSON-with-comments) config file a
// store directory may carry.
const ConfigFileName = "seqstore.conf"

// config holds the store's tunable knobs. Precedence is defaults, then
// seqstore.conf (if present), then explicit Options passed to Open -
// options always win.
type config struct {
	MaxModifications int `json:"max_modifications,omitempty"`
	BlockSize        int `json:"block_size,omitempty"`
	CompressionLevel int `json:"compression_level,omitempty"`
}

func defaultConfig() config {
	return config{
		MaxModifications: 10000,
		BlockSize:        8192,
	}
}

// loadConfig reads dir/seqstore.conf if present, overlaying its fields onto
// the defaults. A missing file is not an error.
func loadConfig(fsys fs.FS, dir string) (config, error) {
	cfg := defaultConfig()

	path := filepath.Join(dir, ConfigFileName)

	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return config{}, fmt.Errorf("seqstore: read %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return config{}, fmt.Errorf("seqstore: parse %q: invalid JSONC: %w", path, err)
	}

	var overlay config
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return config{}, fmt.Errorf("seqstore: parse %q: invalid JSON: %w", path, err)
	}

	return mergeConfig(cfg, overlay), nil
}

func mergeConfig(base, overlay config) config {
	if overlay.MaxModifications != 0 {
		base.MaxModifications = overlay.MaxModifications
	}

	if overlay.BlockSize != 0 {
		base.BlockSize = overlay.BlockSize
	}

	if overlay.CompressionLevel != 0 {
		base.CompressionLevel = overlay.CompressionLevel
	}

	return base
}
