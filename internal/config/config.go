package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/seantiz/kiln/internal/model"
)

const (
	defaultListenAddr  = ":9000"
	defaultDBPath      = "kiln.db"
	defaultServicesDir = "services"
	defaultEngine      = "quickjs"
	defaultMaxConns    = 1024

	envListenAddr    = "KILN_LISTEN_ADDR"
	envDBPath        = "KILN_DB_PATH"
	envLogLevel      = "KILN_LOG_LEVEL"
	envMainService   = "KILN_MAIN_SERVICE"
	envEventsService = "KILN_EVENTS_SERVICE"
	envServicesDir   = "KILN_SERVICES_DIR"
	envImportMap     = "KILN_IMPORT_MAP"
	envNoModuleCache = "KILN_NO_MODULE_CACHE"
	envEngine        = "KILN_ENGINE"
	envAdminSecret   = "KILN_ADMIN_JWT_SECRET"
	envMaxConns      = "KILN_MAX_CONNS"

	envMemoryLimitMB       = "KILN_USER_MEMORY_LIMIT_MB"
	envWorkerTimeoutMS     = "KILN_USER_WORKER_TIMEOUT_MS"
	envCPUTimeThresholdMS  = "KILN_USER_CPU_TIME_THRESHOLD_MS"
	envCPUBurstIntervalMS  = "KILN_USER_CPU_BURST_INTERVAL_MS"
	envMaxCPUBursts        = "KILN_USER_MAX_CPU_BURSTS"
	envLowMemoryMultiplier = "KILN_USER_LOW_MEMORY_MULTIPLIER"
	envMaxHeapGrace        = "KILN_USER_MAX_HEAP_GRACE_EXTENSIONS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MainServicePath is the service run as the main (router) worker. When
	// empty, requests are routed by their first path segment into ServicesDir.
	MainServicePath   string
	EventsServicePath string
	ServicesDir       string
	ImportMapPath     string
	NoModuleCache     bool
	Engine            string
	AdminJWTSecret    string
	MaxConns          int

	// UserDefaults are applied to user workers created without explicit limits.
	UserDefaults model.RuntimeConfig
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		ServicesDir:  defaultServicesDir,
		Engine:       defaultEngine,
		MaxConns:     defaultMaxConns,
		UserDefaults: model.DefaultRuntimeConfig(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMainService); v != "" {
		cfg.MainServicePath = v
	}
	if v := os.Getenv(envEventsService); v != "" {
		cfg.EventsServicePath = v
	}
	if v := os.Getenv(envServicesDir); v != "" {
		cfg.ServicesDir = v
	}
	if v := os.Getenv(envImportMap); v != "" {
		cfg.ImportMapPath = v
	}
	if v := os.Getenv(envEngine); v != "" {
		cfg.Engine = v
	}
	cfg.AdminJWTSecret = os.Getenv(envAdminSecret)
	cfg.NoModuleCache = envBool(envNoModuleCache, false)
	cfg.MaxConns = envInt(envMaxConns, cfg.MaxConns)

	d := &cfg.UserDefaults
	d.MemoryLimitMB = envInt(envMemoryLimitMB, d.MemoryLimitMB)
	d.WorkerTimeoutMS = int64(envInt(envWorkerTimeoutMS, int(d.WorkerTimeoutMS)))
	d.CPUTimeThresholdMS = int64(envInt(envCPUTimeThresholdMS, int(d.CPUTimeThresholdMS)))
	d.CPUBurstIntervalMS = int64(envInt(envCPUBurstIntervalMS, int(d.CPUBurstIntervalMS)))
	d.MaxCPUBursts = envInt(envMaxCPUBursts, d.MaxCPUBursts)
	d.LowMemoryMultiplier = uint64(envInt(envLowMemoryMultiplier, int(d.LowMemoryMultiplier)))
	d.MaxHeapGraceExtensions = envInt(envMaxHeapGrace, d.MaxHeapGraceExtensions)

	return cfg
}

// WorkerDefaults returns UserDefaults with the process-wide module settings
// applied.
func (c Config) WorkerDefaults() model.RuntimeConfig {
	d := c.UserDefaults
	d.NoModuleCache = c.NoModuleCache
	d.ImportMapPath = c.ImportMapPath
	return d
}

// envInt returns the integer value of key, or def when unset or malformed.
// Negative values are treated as malformed.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogLevel converts a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level { return parseLogLevel(s) }

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
