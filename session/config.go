package session

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Environment variables read by LoadConfig.
const (
	EnvWorkDir         = "ASE_WORKDIR"
	EnvFile            = "ASE_ENV_FILE"
	EnvResponseTimeout = "ASE_RESPONSE_TIMEOUT"
	EnvReadyTimeout    = "ASE_READY_TIMEOUT"
	EnvPollInterval    = "ASE_POLL_INTERVAL"
	EnvTraceDB         = "ASE_TRACE_DB"
	EnvMonitorPort     = "ASE_MONITOR_PORT"
)

// DefaultEnvFile is loaded when ASE_ENV_FILE is not set and the file exists.
const DefaultEnvFile = ".ase.env"

// Config holds the settings of a session.
type Config struct {
	// WorkDir is where the pipes, the lock file and the ready marker live.
	WorkDir string

	// ResponseTimeout bounds every wait for a simulator response.
	ResponseTimeout time.Duration

	// ReadyTimeout bounds the wait for the ready marker and the UMsg
	// watcher baseline.
	ReadyTimeout time.Duration

	// PollInterval is the sleep between two polls of a channel.
	PollInterval time.Duration

	// TraceDB names the SQLite file transactions are recorded into. Empty
	// disables recording.
	TraceDB string

	// MonitorPort is the port of the status server. Zero disables it.
	MonitorPort int
}

// DefaultConfig returns the settings used for anything not configured.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout: 10 * time.Second,
		ReadyTimeout:    60 * time.Second,
		PollInterval:    10 * time.Microsecond,
	}
}

// LoadConfig reads the configuration from the environment. Variables from the
// env file are added first; they never override the real environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if err := loadEnvFile(); err != nil {
		return cfg, err
	}

	cfg.WorkDir = os.Getenv(EnvWorkDir)
	if cfg.WorkDir == "" {
		return cfg, errors.Errorf("%s is not set", EnvWorkDir)
	}

	var err error

	cfg.ResponseTimeout, err = durationEnv(EnvResponseTimeout, cfg.ResponseTimeout)
	if err != nil {
		return cfg, err
	}

	cfg.ReadyTimeout, err = durationEnv(EnvReadyTimeout, cfg.ReadyTimeout)
	if err != nil {
		return cfg, err
	}

	cfg.PollInterval, err = durationEnv(EnvPollInterval, cfg.PollInterval)
	if err != nil {
		return cfg, err
	}

	cfg.TraceDB = os.Getenv(EnvTraceDB)

	if v := os.Getenv(EnvMonitorPort); v != "" {
		cfg.MonitorPort, err = strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "parse %s", EnvMonitorPort)
		}
	}

	return cfg, nil
}

func loadEnvFile() error {
	file := os.Getenv(EnvFile)
	if file == "" {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		file = DefaultEnvFile
	}

	if err := godotenv.Load(file); err != nil {
		return errors.Wrapf(err, "load env file %s", file)
	}

	return nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", name)
	}

	return d, nil
}
