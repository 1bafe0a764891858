// Package bundle turns a service directory, or inline module code, into one
// self-contained script that assigns the module's exports to
// globalThis.__kiln_module__.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// GlobalName is the global the bundled module's exports are assigned to.
const GlobalName = "__kiln_module__"

// Entrypoints are tried in order inside a service directory.
var Entrypoints = []string{"index.js", "index.ts", "main.js", "main.ts"}

// ErrNoEntrypoint is returned when a service directory has no entrypoint.
var ErrNoEntrypoint = errors.New("no entrypoint found")

// Source names what to bundle.
type Source struct {
	// ServicePath is the service directory. It is also the resolve
	// directory for inline code.
	ServicePath string
	// ModuleCode, when set, is bundled instead of the service entrypoint.
	ModuleCode    string
	ImportMapPath string
	NoModuleCache bool
}

type cacheEntry struct {
	script string
	inputs map[string]time.Time
}

// Bundler bundles sources with esbuild and caches the results until one of
// the bundled inputs changes on disk.
type Bundler struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Bundler with an empty cache.
func New() *Bundler {
	return &Bundler{cache: make(map[string]cacheEntry)}
}

// Bundle returns the bundled script for src.
func (b *Bundler) Bundle(src Source) (string, error) {
	dir := src.ServicePath
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve service path: %w", err)
	}

	var (
		key   string
		entry string
	)
	if src.ModuleCode != "" {
		sum := sha256.Sum256([]byte(src.ModuleCode))
		key = "inline:" + hex.EncodeToString(sum[:])
	} else {
		entry, err = findEntrypoint(absDir)
		if err != nil {
			return "", err
		}
		key = "file:" + entry
	}
	key += "|" + src.ImportMapPath

	if !src.NoModuleCache {
		if script, ok := b.lookup(key); ok {
			return script, nil
		}
	}

	opts := esbuild.BuildOptions{
		AbsWorkingDir: absDir,
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		GlobalName:    GlobalName,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2020,
		Metafile:      true,
		LogLevel:      esbuild.LogLevelSilent,
	}
	if entry != "" {
		opts.EntryPoints = []string{entry}
	} else {
		opts.Stdin = &esbuild.StdinOptions{
			Contents:   src.ModuleCode,
			ResolveDir: absDir,
			Sourcefile: "inline.ts",
			Loader:     esbuild.LoaderTS,
		}
	}
	if src.ImportMapPath != "" {
		im, err := LoadImportMap(src.ImportMapPath)
		if err != nil {
			return "", err
		}
		opts.Plugins = []esbuild.Plugin{im.Plugin()}
	}

	result := esbuild.Build(opts)
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", absDir, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling produced no output")
	}
	script := string(result.OutputFiles[0].Contents)

	if !src.NoModuleCache {
		b.store(key, script, absDir, result.Metafile, src.ImportMapPath)
	}
	return script, nil
}

func findEntrypoint(dir string) (string, error) {
	for _, name := range Entrypoints {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoEntrypoint, dir)
}

func (b *Bundler) lookup(key string) (string, bool) {
	b.mu.Lock()
	e, ok := b.cache[key]
	b.mu.Unlock()
	if !ok {
		return "", false
	}
	for path, mtime := range e.inputs {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Equal(mtime) {
			return "", false
		}
	}
	return e.script, true
}

// store records script with the modification times of the inputs named in
// the esbuild metafile.
func (b *Bundler) store(key, script, dir, metafile, importMap string) {
	var meta struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(metafile), &meta); err != nil {
		return
	}
	inputs := make(map[string]time.Time, len(meta.Inputs)+1)
	paths := make([]string, 0, len(meta.Inputs)+1)
	for p := range meta.Inputs {
		if strings.HasPrefix(p, "<stdin>") {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		paths = append(paths, p)
	}
	if importMap != "" {
		paths = append(paths, importMap)
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return
		}
		inputs[p] = info.ModTime()
	}

	b.mu.Lock()
	b.cache[key] = cacheEntry{script: script, inputs: inputs}
	b.mu.Unlock()
}

// Len reports the number of cached bundles.
func (b *Bundler) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}
