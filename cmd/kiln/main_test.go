package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/model"
)

func TestServeFlagsOverrideConfig(t *testing.T) {
	cfg := config.Config{
		ListenAddr:   ":9000",
		LogLevel:     slog.LevelInfo,
		UserDefaults: model.DefaultRuntimeConfig(),
	}
	var level string
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	bindServeFlags(fs, &cfg, &level)

	err := fs.Parse([]string{
		"--listen", ":8080",
		"--main-service", "./main",
		"--import-map", "./imports.json",
		"--no-module-cache",
		"--max-cpu-bursts", "2",
		"--low-memory-multiplier", "3",
		"--worker-timeout-ms", "0",
		"--log-level", "debug",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.ListenAddr != ":8080" || cfg.MainServicePath != "./main" {
		t.Errorf("cfg = %+v", cfg)
	}
	if level != "debug" {
		t.Errorf("log level flag = %q", level)
	}
	d := cfg.WorkerDefaults()
	if d.MaxCPUBursts != 2 || d.LowMemoryMultiplier != 3 || d.WorkerTimeoutMS != 0 {
		t.Errorf("limits = %+v", d)
	}
	if !d.NoModuleCache || d.ImportMapPath != "./imports.json" {
		t.Errorf("module settings = %+v", d)
	}
	if d.MemoryLimitMB != model.DefaultMemoryLimitMB {
		t.Errorf("untouched limit changed: %d", d.MemoryLimitMB)
	}
}

func TestTokenCommand(t *testing.T) {
	cfg := config.Config{AdminJWTSecret: "s3cret"}
	cmd := newRootCmd(&cfg)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--subject", "ci", "--ttl", "1m"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Errorf("output %q is not a JWT", out.String())
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	cfg := config.Config{}
	cmd := newRootCmd(&cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without a secret")
	}
}
