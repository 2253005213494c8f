package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"lazyd/internal/blobstore"
)

// FileConfig holds startup parameters read from a config file.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type FileConfig struct {
	Addr       string           `json:"addr" yaml:"addr" toml:"addr"`
	ModulesDir string           `json:"modules_dir" yaml:"modules_dir" toml:"modules_dir"`
	ModuleExts []string         `json:"module_exts" yaml:"module_exts" toml:"module_exts"`
	LogLevel   string           `json:"log_level" yaml:"log_level" toml:"log_level"`
	Store      blobstore.Config `json:"store" yaml:"store" toml:"store"`
	// Settings overrides tunables by key (e.g. "unload.strategy": "aggressive").
	// They are applied to the Engine with SourceFile.
	Settings map[string]any `json:"settings" yaml:"settings" toml:"settings"`
}

type decodeFunc func([]byte, any) error

var decoders = map[string]decodeFunc{
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
	".json": json.Unmarshal,
	".toml": toml.Unmarshal,
}

// Load reads a configuration file, picking the decoder by extension
// (.yaml/.yml, .json, .toml). ${VAR} references are expanded from the
// environment before decoding. Relative modules_dir, store.dir and
// store.path are resolved against the file's directory.
func Load(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return cfg, zerr.With(fmt.Errorf("unsupported config extension: %q", ext), "path", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, zerr.With(zerr.Wrap(err, "failed to read config"), "path", path)
	}
	if err := decode([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return cfg, zerr.With(zerr.Wrap(err, "failed to parse config"), "path", path)
	}
	base := filepath.Dir(path)
	cfg.ModulesDir = resolvePath(base, cfg.ModulesDir)
	cfg.Store.Dir = resolvePath(base, cfg.Store.Dir)
	cfg.Store.Path = resolvePath(base, cfg.Store.Path)
	return cfg, nil
}

// resolvePath leaves empty, absolute and home-relative paths alone.
func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(base, p)
}
