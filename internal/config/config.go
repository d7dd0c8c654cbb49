package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string
	AuthToken   string
	SubmitRate  float64 // submissions per second; 0 disables the limit
	SubmitBurst int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// AgentConfig holds automation-endpoint settings.
type AgentConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Mock    bool
}

// DispatchConfig holds queue and retry defaults.
type DispatchConfig struct {
	QueueCapacity int // 0 = unbounded
	MaxAttempts   int
	Timeout       time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Agent    AgentConfig
	Dispatch DispatchConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
	Mode          string // "http", "mcp", or "both"
	Devices       []string
	JobsFile      string
	ProbeDevices  bool
}

const (
	defaultAddr          = "0.0.0.0:7170"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultAgentBaseURL  = "http://localhost:8000/v1"
	defaultAgentModel    = "autoglm-phone-9b"
	defaultMaxAttempts   = 3
	defaultTaskTimeout   = 5 * time.Minute
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 2 * time.Minute
	defaultShutdownGrace = 5 * time.Second
	defaultSubmitBurst   = 10
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration from command line flags and environment
// variables. Priority: CLI flags > environment variables > .env file >
// defaults.
func Parse() (*Config, error) {
	// Load .env if present: current directory first, then the config
	// directory. Missing files are fine.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "autofleet", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:        getEnvString("AUTOFLEET_ADDR", defaultAddr),
			AuthToken:   getEnvString("AUTOFLEET_AUTH_TOKEN", ""),
			SubmitRate:  getEnvFloat("AUTOFLEET_SUBMIT_RATE", 0),
			SubmitBurst: getEnvInt("AUTOFLEET_SUBMIT_BURST", defaultSubmitBurst),
		},
		Log: LogConfig{
			Level:  getEnvString("AUTOFLEET_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("AUTOFLEET_LOG_FORMAT", defaultLogFormat),
		},
		Agent: AgentConfig{
			BaseURL: getEnvString("AUTOFLEET_AGENT_BASE_URL", defaultAgentBaseURL),
			APIKey:  getEnvString("AUTOFLEET_AGENT_API_KEY", ""),
			Model:   getEnvString("AUTOFLEET_AGENT_MODEL", defaultAgentModel),
			Mock:    getEnvBool("AUTOFLEET_AGENT_MOCK", false),
		},
		Dispatch: DispatchConfig{
			QueueCapacity: getEnvInt("AUTOFLEET_QUEUE_CAPACITY", 0),
			MaxAttempts:   getEnvInt("AUTOFLEET_MAX_ATTEMPTS", defaultMaxAttempts),
			Timeout:       getEnvDuration("AUTOFLEET_TASK_TIMEOUT", defaultTaskTimeout),
			BackoffBase:   getEnvDuration("AUTOFLEET_BACKOFF_BASE", defaultBackoffBase),
			BackoffMax:    getEnvDuration("AUTOFLEET_BACKOFF_MAX", defaultBackoffMax),
		},
		StateDir:      getEnvString("AUTOFLEET_STATE_DIR", ""),
		UseUTC:        getEnvBool("AUTOFLEET_USE_UTC", false),
		ShutdownGrace: getEnvDuration("AUTOFLEET_SHUTDOWN_GRACE", defaultShutdownGrace),
		Mode:          getEnvString("AUTOFLEET_MODE", "http"),
		JobsFile:      getEnvString("AUTOFLEET_JOBS_FILE", ""),
		ProbeDevices:  getEnvBool("AUTOFLEET_PROBE_DEVICES", false),
	}
	if devices := getEnvString("AUTOFLEET_DEVICES", ""); devices != "" {
		cfg.Devices = splitDevices(devices)
	}

	var addr, logLevel, logFormat, stateDir, mode, jobsFile, devices string
	var queueCapacity, maxAttempts int
	var useUTC, probeDevices, agentMock bool
	var taskTimeout, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	flag.StringVar(&mode, "mode", "", "Serve mode: http, mcp, or both")
	flag.StringVar(&jobsFile, "jobs-file", "", "YAML file with job definitions to load at startup")
	flag.StringVar(&devices, "devices", "", "Comma-separated device ids to register at startup")
	flag.IntVar(&queueCapacity, "queue-capacity", 0, "Max pending tasks (0 = unbounded)")
	flag.IntVar(&maxAttempts, "max-attempts", 0, "Default max attempts per task")
	flag.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	flag.BoolVar(&probeDevices, "probe-devices", false, "Probe devices with adb on registration")
	flag.BoolVar(&agentMock, "mock", false, "Run with a mock agent instead of the automation endpoint")
	flag.DurationVar(&taskTimeout, "task-timeout", 0, "Default per-task deadline")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if jobsFile != "" {
		cfg.JobsFile = jobsFile
	}
	if devices != "" {
		cfg.Devices = splitDevices(devices)
	}
	if queueCapacity > 0 {
		cfg.Dispatch.QueueCapacity = queueCapacity
	}
	if maxAttempts > 0 {
		cfg.Dispatch.MaxAttempts = maxAttempts
	}
	if taskTimeout > 0 {
		cfg.Dispatch.Timeout = taskTimeout
	}
	// Bool flags only override when explicitly set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "probe-devices":
			cfg.ProbeDevices = probeDevices
		case "mock":
			cfg.Agent.Mock = agentMock
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		cfg.Dispatch.MaxAttempts = defaultMaxAttempts
	}

	return cfg, nil
}

func splitDevices(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "autofleet")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
