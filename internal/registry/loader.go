package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"lazyd/internal/common/fsutil"
	"lazyd/pkg/types"
)

// ManifestName is the optional per-directory file carrying module metadata
// that a filename cannot express (priority, strategy, dependencies).
const ManifestName = "lazyd.modules.yaml"

// ManifestEntry is one module's metadata in the manifest, keyed by module name.
type ManifestEntry struct {
	Priority  int      `yaml:"priority"`
	Strategy  string   `yaml:"strategy"`
	DependsOn []string `yaml:"depends_on"`
}

// Scanner discovers file-backed modules in a directory.
type Scanner struct {
	// Exts restricts discovery to these extensions (case-insensitive, with
	// or without the dot). Empty accepts every regular file.
	Exts []string
}

func NewScanner(exts ...string) *Scanner { return &Scanner{Exts: exts} }

func (s *Scanner) accepts(name string) bool {
	if len(s.Exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.Exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if ext == e {
			return true
		}
	}
	return false
}

// Scan lists the modules in dir sorted by name. The module name is the file
// name without its extension; SizeBytes is the file size.
func (s *Scanner) Scan(dir string) ([]types.Module, error) {
	abs, err := fsutil.AbsDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	manifest, err := readManifest(filepath.Join(abs, ManifestName))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var mods []types.Module
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		file := e.Name()
		if file == ManifestName || fsutil.IsHidden(file) || !s.accepts(file) {
			continue
		}
		name := strings.TrimSuffix(file, filepath.Ext(file))
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("module %s is backed by both %s and %s", name, prev, file)
		}
		seen[name] = file
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", file, err)
		}
		m := types.Module{Name: name, Path: filepath.Join(abs, file), SizeBytes: info.Size()}
		if me, ok := manifest[name]; ok {
			m.Priority = me.Priority
			m.Strategy = me.Strategy
			m.DependsOn = me.DependsOn
		}
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
	return mods, nil
}

func readManifest(path string) (map[string]ManifestEntry, error) {
	if !fsutil.PathExists(path) {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read module manifest"), "path", path)
	}
	var out map[string]ManifestEntry
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to parse module manifest"), "path", path)
	}
	return out, nil
}

// LoadDir scans dir accepting the given extensions.
func LoadDir(dir string, exts ...string) ([]types.Module, error) {
	return NewScanner(exts...).Scan(dir)
}

// FileModule is the loaded form of a file-backed module: its bytes.
type FileModule struct {
	Name string
	Path string

	mu   sync.RWMutex
	data []byte
}

// Bytes returns the file contents, or nil after Release.
func (f *FileModule) Bytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data
}

func (f *FileModule) SizeBytes() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data))
}

// Release drops the contents.
func (f *FileModule) Release() error {
	f.mu.Lock()
	f.data = nil
	f.mu.Unlock()
	return nil
}

// FileLoader returns a loader that reads m.Path into memory.
func FileLoader(m types.Module) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(m.Path)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to read module"), "path", m.Path)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &FileModule{Name: m.Name, Path: m.Path, data: data}, nil
	}
}
