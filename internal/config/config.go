package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/LyKhan77/protoscale/internal/model"
)

const (
	defaultListenAddr   = ":8000"
	defaultStorageDir   = "storage"
	defaultDBPath       = "protoscale.db"
	defaultMeshyBaseURL = "https://api.meshy.ai/v1"
	defaultPollInterval = 2 * time.Second
	defaultDevice       = "cuda:0"

	envListenAddr   = "PROTOSCALE_LISTEN_ADDR"
	envStorageDir   = "PROTOSCALE_STORAGE_DIR"
	envDBPath       = "PROTOSCALE_DB_PATH"
	envAPIKey       = "PROTOSCALE_API_KEY"
	envLogLevel     = "PROTOSCALE_LOG_LEVEL"
	envCORSOrigins  = "PROTOSCALE_CORS_ORIGINS"
	envPollInterval = "PROTOSCALE_POLL_INTERVAL"
	envMeshyAPIKey  = "MESHY_API_KEY"
	envMeshyBaseURL = "MESHY_API_URL"
	envRembgBin     = "REMBG_BIN"
	envThumbsBin    = "THUMBS_BIN"
	envRembgDevice  = "REMBG_DEVICE"
	envGeomDevice   = "GEOMETRY_DEVICE"
	envTexDevice    = "TEXTURE_DEVICE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	StorageDir   string
	DBPath       string
	APIKey       string
	LogLevel     slog.Level
	CORSOrigins  []string
	PollInterval time.Duration

	MeshyAPIKey  string
	MeshyBaseURL string

	RembgBin  string
	ThumbsBin string

	// StageDevices maps pipeline stages onto execution devices.
	StageDevices map[model.Stage]string
}

// Load reads configuration from the environment with sensible defaults. A
// .env file in the working directory is loaded first when present; real
// environment variables win over .env entries.
func Load() Config {
	godotenv.Load()

	cfg := Config{
		ListenAddr:   defaultListenAddr,
		StorageDir:   defaultStorageDir,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		CORSOrigins:  []string{"*"},
		PollInterval: defaultPollInterval,
		MeshyBaseURL: defaultMeshyBaseURL,
		StageDevices: map[model.Stage]string{
			model.StageRembg:    defaultDevice,
			model.StageGeometry: defaultDevice,
			model.StageTexture:  defaultDevice,
		},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envStorageDir); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.APIKey = os.Getenv(envAPIKey)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = splitOrigins(v)
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}

	cfg.MeshyAPIKey = os.Getenv(envMeshyAPIKey)
	if v := os.Getenv(envMeshyBaseURL); v != "" {
		cfg.MeshyBaseURL = v
	}

	cfg.RembgBin = os.Getenv(envRembgBin)
	cfg.ThumbsBin = os.Getenv(envThumbsBin)

	if v := os.Getenv(envRembgDevice); v != "" {
		cfg.StageDevices[model.StageRembg] = v
	}
	if v := os.Getenv(envGeomDevice); v != "" {
		cfg.StageDevices[model.StageGeometry] = v
	}
	if v := os.Getenv(envTexDevice); v != "" {
		cfg.StageDevices[model.StageTexture] = v
	}

	return cfg
}

// UploadsDir is where per-job records and input images live.
func (c Config) UploadsDir() string { return c.StorageDir + "/uploads" }

// OutputsDir is where generated artifacts live.
func (c Config) OutputsDir() string { return c.StorageDir + "/outputs" }

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

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
