// Package config loads the relay's configuration from environment variables
// with command-line flag overrides, and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_SIGNAL_RELAY_LISTEN_ADDR"
	envVarMode            = "AERO_WEBRTC_SIGNAL_RELAY_MODE"
	envVarLogFormat       = "AERO_WEBRTC_SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_SIGNAL_RELAY_LOG_LEVEL"
	envVarLogFile         = "AERO_WEBRTC_SIGNAL_RELAY_LOG_FILE"
	envVarShutdownTimeout = "AERO_WEBRTC_SIGNAL_RELAY_SHUTDOWN_TIMEOUT"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarDefaultRoom    = "DEFAULT_ROOM"
	envVarMaxSessions    = "MAX_SESSIONS"

	// Signaling WebSocket hardening.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Outbound queue sizing and slow-consumer handling.
	envVarSendQueueBytes     = "SEND_QUEUE_BYTES"
	envVarBackpressurePolicy = "BACKPRESSURE_POLICY"

	// Log rotation (only used when a log file is configured).
	envVarLogMaxSizeMB  = "LOG_MAX_SIZE_MB"
	envVarLogMaxBackups = "LOG_MAX_BACKUPS"
	envVarLogMaxAgeDays = "LOG_MAX_AGE_DAYS"
)

const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultShutdown         = 15 * time.Second
	DefaultMode        Mode = ModeDev

	DefaultRoomName = "default"

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50

	DefaultSendQueueBytes = 256 * 1024

	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// BackpressurePolicy selects what happens to a client whose outbound queue
// overflows.
type BackpressurePolicy string

const (
	BackpressureDisconnect BackpressurePolicy = "disconnect"
	BackpressureDrop       BackpressurePolicy = "drop"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	LogFile         string
	LogMaxSizeMB    int
	LogMaxBackups   int
	LogMaxAgeDays   int
	ShutdownTimeout time.Duration

	AllowedOrigins []string
	DefaultRoom    string

	// MaxSessions caps concurrent client sessions; 0 means unlimited.
	MaxSessions int

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	SendQueueBytes     int
	BackpressurePolicy BackpressurePolicy
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFile := envOrDefault(lookup, envVarLogFile, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	defaultRoom := envOrDefault(lookup, envVarDefaultRoom, DefaultRoomName)
	backpressureStr := envOrDefault(lookup, envVarBackpressurePolicy, string(BackpressureDisconnect))

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	wsIdleTimeout := DefaultWSIdleTimeout
	if raw, ok := lookup(envVarWSIdleTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWSIdleTimeout, raw, err)
		}
		wsIdleTimeout = d
	}

	wsPingInterval := DefaultWSPingInterval
	if raw, ok := lookup(envVarWSPingInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWSPingInterval, raw, err)
		}
		wsPingInterval = d
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	logMaxSizeMB, err := envIntOrDefault(lookup, envVarLogMaxSizeMB, DefaultLogMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := envIntOrDefault(lookup, envVarLogMaxBackups, DefaultLogMaxBackups)
	if err != nil {
		return Config{}, err
	}
	logMaxAgeDays, err := envIntOrDefault(lookup, envVarLogMaxAgeDays, DefaultLogMaxAgeDays)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-webrtc-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&logFile, "log-file", logFile, "Log file path with size-based rotation; empty logs to stdout (env "+envVarLogFile+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&defaultRoom, "default-room", defaultRoom, "Room joined when the request path is empty (env "+envVarDefaultRoom+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions (0 = unlimited; env "+envVarMaxSessions+")")
	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close connections idle for this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < idle timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per session (env "+envVarSendQueueBytes+")")
	fs.StringVar(&backpressureStr, "backpressure-policy", backpressureStr, "Slow-consumer policy: disconnect or drop (env "+envVarBackpressurePolicy+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	backpressure, err := parseBackpressurePolicy(backpressureStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if strings.TrimSpace(defaultRoom) == "" {
		return Config{}, fmt.Errorf("%s/--default-room must not be empty", envVarDefaultRoom)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", envVarMaxSessions)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be > 0", envVarSendQueueBytes)
	}
	if strings.TrimSpace(logFile) != "" {
		if logMaxSizeMB <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarLogMaxSizeMB, envVarLogFile)
		}
		if logMaxBackups < 0 {
			return Config{}, fmt.Errorf("%s must be >= 0", envVarLogMaxBackups)
		}
		if logMaxAgeDays < 0 {
			return Config{}, fmt.Errorf("%s must be >= 0", envVarLogMaxAgeDays)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		LogFile:         strings.TrimSpace(logFile),
		LogMaxSizeMB:    logMaxSizeMB,
		LogMaxBackups:   logMaxBackups,
		LogMaxAgeDays:   logMaxAgeDays,
		ShutdownTimeout: shutdownTimeout,

		AllowedOrigins: allowedOrigins,
		DefaultRoom:    strings.TrimSpace(defaultRoom),

		MaxSessions: maxSessions,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		SendQueueBytes:     sendQueueBytes,
		BackpressurePolicy: backpressure,
	}, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseBackpressurePolicy(raw string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(BackpressureDisconnect), "":
		return BackpressureDisconnect, nil
	case string(BackpressureDrop):
		return BackpressureDrop, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarBackpressurePolicy, raw, BackpressureDisconnect, BackpressureDrop)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		normalized, err := normalizeOrigin(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}

	return out, nil
}

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	if u.User != nil {
		return "", fmt.Errorf("origin must not include credentials")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin must not include a path")
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}
