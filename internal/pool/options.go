package pool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/worker"
)

// CreateOptions request a worker. Either ServicePath or ModuleCode names the
// code to run. The key defaults to the cleaned absolute service path, or a
// fresh anonymous key for inline code.
type CreateOptions struct {
	Key         model.WorkerKey      `json:"key,omitempty"`
	Kind        model.WorkerKind     `json:"kind,omitempty"`
	ServicePath string               `json:"service_path,omitempty"`
	ModuleCode  string               `json:"module_code,omitempty"`
	Engine      string               `json:"engine,omitempty"`
	Config      *model.RuntimeConfig `json:"config,omitempty"`
	EnvVars     map[string]string    `json:"env_vars,omitempty"`
	// ForceCreate boots a new instance under a fresh key derived from the
	// usual one instead of reusing a live worker.
	ForceCreate bool `json:"force_create,omitempty"`
}

// DecodeCreateOptions parses JSON options. Config fields absent from data
// keep their values from defaults.
func DecodeCreateOptions(data []byte, defaults model.RuntimeConfig) (CreateOptions, error) {
	cfg := defaults
	opts := CreateOptions{Config: &cfg}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		return CreateOptions{}, fmt.Errorf("decode worker options: %w", err)
	}
	if opts.Config == nil {
		opts.Config = &cfg
	}
	return opts, nil
}

// workerOptions fills in defaults and derives the worker key.
func (p *Pool) workerOptions(opts CreateOptions) (worker.Options, error) {
	if opts.ServicePath == "" && opts.ModuleCode == "" {
		return worker.Options{}, fmt.Errorf("service path or module code is required")
	}
	kind := opts.Kind
	if kind == "" {
		kind = model.KindUser
	}
	if !model.ValidKind(kind) {
		return worker.Options{}, fmt.Errorf("unknown worker kind %q", kind)
	}

	cfg := p.defaults
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if len(opts.EnvVars) > 0 {
		cfg = cfg.WithEnv(opts.EnvVars)
	}

	key := opts.Key
	switch {
	case key != "":
	case opts.ServicePath != "":
		key = model.KeyFromServicePath(opts.ServicePath)
	default:
		key = model.NewAnonymousKey()
	}
	if opts.ForceCreate {
		key = model.WorkerKey(string(key) + "#" + model.NewID())
	}

	engine := opts.Engine
	if engine == "" {
		engine = p.engine
	}
	return worker.Options{
		Key:         key,
		Kind:        kind,
		ServicePath: opts.ServicePath,
		ModuleCode:  opts.ModuleCode,
		Engine:      engine,
		Config:      cfg,
	}, nil
}
