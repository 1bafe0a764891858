package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// ImportMap resolves bare specifiers. Keys ending in "/" map a prefix;
// all other keys must match exactly. Relative targets are resolved against
// the directory of the map file.
type ImportMap struct {
	dir     string
	exact   map[string]string
	prefix  []string // longest first
	targets map[string]string
}

// LoadImportMap reads an import map of the form {"imports": {...}}.
func LoadImportMap(path string) (*ImportMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read import map: %w", err)
	}
	var raw struct {
		Imports map[string]string `json:"imports"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse import map %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return newImportMap(filepath.Dir(abs), raw.Imports), nil
}

func newImportMap(dir string, imports map[string]string) *ImportMap {
	m := &ImportMap{
		dir:     dir,
		exact:   make(map[string]string),
		targets: make(map[string]string),
	}
	for k, v := range imports {
		if strings.HasSuffix(k, "/") {
			m.prefix = append(m.prefix, k)
			m.targets[k] = v
		} else {
			m.exact[k] = v
		}
	}
	sort.Slice(m.prefix, func(i, j int) bool { return len(m.prefix[i]) > len(m.prefix[j]) })
	return m
}

// Resolve maps specifier to a target path or URL.
func (m *ImportMap) Resolve(specifier string) (string, bool) {
	if t, ok := m.exact[specifier]; ok {
		return m.abs(t), true
	}
	for _, p := range m.prefix {
		if strings.HasPrefix(specifier, p) {
			return m.abs(m.targets[p] + strings.TrimPrefix(specifier, p)), true
		}
	}
	return "", false
}

func (m *ImportMap) abs(target string) string {
	if isURL(target) || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(m.dir, target)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Plugin returns an esbuild plugin applying m to bare imports.
func (m *ImportMap) Plugin() esbuild.Plugin {
	return esbuild.Plugin{
		Name: "kiln-import-map",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: `^[^./]`}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
				target, ok := m.Resolve(args.Path)
				if !ok {
					return esbuild.OnResolveResult{}, nil
				}
				if isURL(target) {
					return esbuild.OnResolveResult{}, fmt.Errorf("remote module %s is not supported", target)
				}
				return esbuild.OnResolveResult{Path: target}, nil
			})
		},
	}
}
