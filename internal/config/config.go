// Package config parses host and router configuration from flags,
// ASPIA_* environment variables, and an optional YAML file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HostConfig configures the privileged host service.
type HostConfig struct {
	RouterEndpoint    string
	UpdateServer      string
	IPCEndpoint       string
	SettingsPath      string
	HelperPath        string
	LogLevel          string
	AttachTimeout     time.Duration
	CaptureIdleGrace  time.Duration
	MaxClientsPerHost int
	PasswordRotation  string
}

// RouterConfig configures the router service.
type RouterConfig struct {
	Listen            string
	PublicEndpoint    string
	DBPath            string
	SettingsPath      string
	TLSCertFile       string
	TLSKeyFile        string
	LogLevel          string
	MaxConnsPerHost   int
	MaxConnsPerClient int
}

const defaultIPCEndpoint = "/run/aspia/host.sock"
const defaultHostSettingsPath = "/etc/aspia/host.json"
const defaultRouterSettingsPath = "/etc/aspia/router.json"
const defaultRouterDBPath = "./router.db"
const defaultRouterListen = ":8060"
const defaultAttachTimeout = 30 * time.Second
const defaultCaptureIdleGrace = 30 * time.Second
const defaultMaxClientsPerHost = 8
const defaultMaxConnsPerHost = 16
const defaultMaxConnsPerClient = 8

// ParseHostFlags builds a HostConfig from the argument list. An
// optional -config YAML file seeds the defaults; flags and ASPIA_*
// variables override it.
func ParseHostFlags(args []string) (HostConfig, error) {
	file, err := fileFromArgs(args)
	if err != nil {
		return HostConfig{}, err
	}

	cfg := HostConfig{
		RouterEndpoint:    envOrDefault("ASPIA_ROUTER", file.Host.RouterEndpoint),
		UpdateServer:      envOrDefault("ASPIA_UPDATE_SERVER", file.Host.UpdateServer),
		IPCEndpoint:       envOrDefault("ASPIA_IPC_ENDPOINT", stringOr(file.Host.IPCEndpoint, defaultIPCEndpoint)),
		SettingsPath:      envOrDefault("ASPIA_HOST_SETTINGS", stringOr(file.Host.SettingsPath, defaultHostSettingsPath)),
		HelperPath:        envOrDefault("ASPIA_HELPER_PATH", file.Host.HelperPath),
		LogLevel:          envOrDefault("ASPIA_LOG_LEVEL", stringOr(file.Host.LogLevel, "info")),
		AttachTimeout:     msOrDefault(file.Host.AttachTimeoutMS, defaultAttachTimeout),
		CaptureIdleGrace:  msOrDefault(file.Host.CaptureIdleGraceMS, defaultCaptureIdleGrace),
		MaxClientsPerHost: envIntOrDefault("ASPIA_MAX_CLIENTS", intOr(file.Host.MaxClientsPerHost, defaultMaxClientsPerHost)),
		PasswordRotation:  stringOr(file.Host.PasswordRotation, "per_session"),
	}

	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	var configPath string
	var attachTimeoutMS, captureIdleGraceMS int
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.RouterEndpoint, "router", cfg.RouterEndpoint, "Router endpoint (e.g. wss://router.example:8060/v1/peer)")
	fs.StringVar(&cfg.UpdateServer, "update-server", cfg.UpdateServer, "Update server forwarded to the UI helper")
	fs.StringVar(&cfg.IPCEndpoint, "ipc-endpoint", cfg.IPCEndpoint, "Local IPC endpoint for UI helpers")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "Settings file with host key material")
	fs.StringVar(&cfg.HelperPath, "helper", cfg.HelperPath, "UI helper binary path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.IntVar(&attachTimeoutMS, "attach-timeout-ms", int(cfg.AttachTimeout/time.Millisecond), "Helper re-attach grace in milliseconds")
	fs.IntVar(&captureIdleGraceMS, "capture-idle-grace-ms", int(cfg.CaptureIdleGrace/time.Millisecond), "Idle capture grace in milliseconds")
	fs.IntVar(&cfg.MaxClientsPerHost, "max-clients", cfg.MaxClientsPerHost, "Maximum clients per user session")
	fs.StringVar(&cfg.PasswordRotation, "password-rotation", cfg.PasswordRotation, "Password rotation: never|per_connection|per_session")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.AttachTimeout = time.Duration(attachTimeoutMS) * time.Millisecond
	cfg.CaptureIdleGrace = time.Duration(captureIdleGraceMS) * time.Millisecond

	if cfg.RouterEndpoint == "" {
		return cfg, errors.New("missing --router or ASPIA_ROUTER")
	}
	if cfg.AttachTimeout <= 0 {
		return cfg, errors.New("attach timeout must be > 0")
	}
	switch cfg.PasswordRotation {
	case "never", "per_connection", "per_session":
	default:
		return cfg, errors.New("password rotation must be one of: never, per_connection, per_session")
	}
	return cfg, nil
}

// ParseRouterFlags builds a RouterConfig from the argument list.
func ParseRouterFlags(args []string) (RouterConfig, error) {
	file, err := fileFromArgs(args)
	if err != nil {
		return RouterConfig{}, err
	}

	cfg := RouterConfig{
		Listen:            envOrDefault("ASPIA_ROUTER_LISTEN", stringOr(file.Router.Listen, defaultRouterListen)),
		PublicEndpoint:    envOrDefault("ASPIA_ROUTER_PUBLIC", file.Router.PublicEndpoint),
		DBPath:            envOrDefault("ASPIA_ROUTER_DB", stringOr(file.Router.DBPath, defaultRouterDBPath)),
		SettingsPath:      envOrDefault("ASPIA_ROUTER_SETTINGS", stringOr(file.Router.SettingsPath, defaultRouterSettingsPath)),
		TLSCertFile:       envOrDefault("ASPIA_TLS_CERT_FILE", file.Router.TLSCertFile),
		TLSKeyFile:        envOrDefault("ASPIA_TLS_KEY_FILE", file.Router.TLSKeyFile),
		LogLevel:          envOrDefault("ASPIA_LOG_LEVEL", stringOr(file.Router.LogLevel, "info")),
		MaxConnsPerHost:   intOr(file.Router.MaxConnsPerHost, defaultMaxConnsPerHost),
		MaxConnsPerClient: intOr(file.Router.MaxConnsPerClient, defaultMaxConnsPerClient),
	}

	fs := flag.NewFlagSet("router", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address")
	fs.StringVar(&cfg.PublicEndpoint, "public-endpoint", cfg.PublicEndpoint, "Advertised endpoint for hosts")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "Settings file with router key material")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.MaxConnsPerHost, "max-conns-per-host", cfg.MaxConnsPerHost, "Concurrent rendezvous limit per host")
	fs.IntVar(&cfg.MaxConnsPerClient, "max-conns-per-client", cfg.MaxConnsPerClient, "Concurrent rendezvous limit per client")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return cfg, errors.New("tls cert and key files must be set together")
	}
	if cfg.MaxConnsPerHost < 0 || cfg.MaxConnsPerClient < 0 {
		return cfg, errors.New("connection limits must be >= 0")
	}
	return cfg, nil
}

// fileFromArgs pre-scans the argument list for -config and loads the
// YAML file so its values can seed the flag defaults.
func fileFromArgs(args []string) (File, error) {
	path := strings.TrimSpace(envOrDefault("ASPIA_CONFIG", ""))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				path = args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			path = strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		}
	}
	if path == "" {
		return File{}, nil
	}
	file, err := LoadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("load config file: %w", err)
	}
	return file, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
