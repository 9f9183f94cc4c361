package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ktheindifferent/upscaled/pkg/types"
)

// BuiltinBilinear is the parameter-free model available without any
// weight file on disk.
const BuiltinBilinear = "bilinear"

// LoadDir scans a directory for *.rsw weight files and builds a registry
// from filenames. ID is the filename without extension; Path is the
// absolute file path. The builtin bilinear model is always appended.
func LoadDir(dir string) ([]types.Model, error) {
	models := []types.Model{{
		ID:      BuiltinBilinear,
		Name:    "bilinear interpolation (builtin)",
		Builtin: true,
	}}
	if dir == "" {
		return models, nil
	}
	base, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return models, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".rsw") {
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		models = append(models, types.Model{
			ID:   id,
			Name: id,
			Path: filepath.Join(abs, name),
		})
	}
	return models, nil
}

// Resolve finds a model by id.
func Resolve(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
