package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	// Retention is the number of status reports kept per task.
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds alerting settings.
type NotificationConfig struct {
	Bark BarkConfig
	// AlertInterval is the minimum gap between two alerts for the same task.
	AlertInterval time.Duration
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig

	ActionsPath    string
	PIDFile        string
	StateDir       string
	UseUTC         bool
	StartWhenFail  bool
	ShutdownGrace  time.Duration
	CommandTimeout time.Duration
	MCP            bool
}

const (
	envPrefix = "REMOTENODE_"

	defaultAddr           = "127.0.0.1:7070"
	defaultPIDFile        = "/tmp/remotenode.pid"
	defaultActionsFile    = "actions.yaml"
	defaultLogLevel       = "info"
	defaultReportKeep     = 200
	defaultShutdownGrace  = 30 * time.Second
	defaultCommandTimeout = 10 * time.Minute
	defaultAlertInterval  = 30 * time.Minute

	// disabledAddr turns the HTTP server off.
	disabledAddr = "none"
)

// HTTPEnabled reports whether the status API should listen.
func (c *Config) HTTPEnabled() bool {
	return c.Server.Addr != "" && c.Server.Addr != disabledAddr
}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads settings from the process arguments.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	return parseArgs(args, os.Stderr)
}

// parseArgs writes usage to out when -h is given and returns flag.ErrHelp.
func parseArgs(args []string, out io.Writer) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "remotenode", ".env"))
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set, so the first file wins
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("REPORT_KEEP", defaultReportKeep),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			AlertInterval: getEnvDuration("ALERT_INTERVAL", defaultAlertInterval),
		},
		ActionsPath:    getEnvString("ACTIONS", defaultActionsFile),
		PIDFile:        getEnvString("PID_FILE", defaultPIDFile),
		StateDir:       getEnvString("STATE_DIR", ""),
		UseUTC:         getEnvBool("USE_UTC", false),
		StartWhenFail:  getEnvBool("START_WHEN_FAIL", false),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
		CommandTimeout: getEnvDuration("COMMAND_TIMEOUT", defaultCommandTimeout),
		MCP:            getEnvBool("MCP", false),
	}

	fs := flag.NewFlagSet("remotenoded", flag.ContinueOnError)
	fs.SetOutput(out)

	var addr, logLevel, actions, pidFile, stateDir string
	var reportKeep int
	var useUTC, startWhenFail, mcp bool
	var shutdownGrace, commandTimeout time.Duration

	fs.StringVar(&actions, "actions", "", "Path of the YAML or JSON action file")
	fs.StringVar(&pidFile, "pid-file", "", "Lock file guarding against a second scheduler")
	fs.StringVar(&addr, "addr", "", "HTTP listen address, \"none\" disables the API (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the status history database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&useUTC, "use-utc", false, "Plan in UTC instead of system local time")
	fs.BoolVar(&startWhenFail, "start-when-fail", false, "Start even if the initial health check fails")
	fs.BoolVar(&mcp, "mcp", false, "Serve MCP tools over stdio")
	fs.IntVar(&reportKeep, "report-keep", 0, "Number of status reports to retain per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "How long to wait for running tasks when stopping")
	fs.DurationVar(&commandTimeout, "command-timeout", 0, "Kill command tasks running longer than this (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if actions != "" {
		cfg.ActionsPath = actions
	}
	if pidFile != "" {
		cfg.PIDFile = pidFile
	}
	if reportKeep > 0 {
		cfg.Log.Retention = reportKeep
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	// For bool and zero-valued flags, check if explicitly set via Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "start-when-fail":
			cfg.StartWhenFail = startWhenFail
		case "mcp":
			cfg.MCP = mcp
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "command-timeout":
			cfg.CommandTimeout = commandTimeout
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultReportKeep
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.CommandTimeout < 0 {
		cfg.CommandTimeout = 0
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "remotenode")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
