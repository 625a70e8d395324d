package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jurafish/aspia/internal/config"
	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/host"
	ilog "github.com/jurafish/aspia/internal/log"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/settings"
)

// settingsSwitches are the maintenance switches the host command
// accepts alongside its service flags.
type settingsSwitches struct {
	importPath string
	exportPath string
	update     bool
	silent     bool
}

// extractSettingsSwitches peels -import/-export/-update/-silent off the
// argument list so the remaining flags parse as service configuration.
func extractSettingsSwitches(args []string) (settingsSwitches, []string) {
	var sw settingsSwitches
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name := strings.TrimLeft(arg, "-")
		switch {
		case name == "import" || name == "export":
			if i+1 < len(args) {
				i++
				if name == "import" {
					sw.importPath = args[i]
				} else {
					sw.exportPath = args[i]
				}
			}
		case strings.HasPrefix(name, "import="):
			sw.importPath = strings.TrimPrefix(name, "import=")
		case strings.HasPrefix(name, "export="):
			sw.exportPath = strings.TrimPrefix(name, "export=")
		case name == "update":
			sw.update = true
		case name == "silent":
			sw.silent = true
		default:
			rest = append(rest, arg)
		}
	}
	return sw, rest
}

func runHost(ctx context.Context, args []string) int {
	sw, rest := extractSettingsSwitches(args)
	if sw.importPath != "" && sw.exportPath != "" {
		fmt.Fprintln(os.Stderr, "export and import parameters can not be specified together")
		return 1
	}

	cfg, err := config.ParseHostFlags(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "host:", err)
		return 1
	}
	logger := ilog.New(cfg.LogLevel)

	if sw.importPath != "" {
		if err := copySettings(sw.importPath, cfg.SettingsPath); err != nil {
			if !sw.silent {
				fmt.Fprintln(os.Stderr, "import failed:", err)
			}
			return 1
		}
		return 0
	}
	if sw.exportPath != "" {
		if err := copySettings(cfg.SettingsPath, sw.exportPath); err != nil {
			if !sw.silent {
				fmt.Fprintln(os.Stderr, "export failed:", err)
			}
			return 1
		}
		return 0
	}

	s, err := loadOrCreateSettings(cfg.SettingsPath, cfg.RouterEndpoint, logger)
	if err != nil {
		logger.Error("settings check failed", "path", cfg.SettingsPath, "err", err)
		return 1
	}
	key, err := s.KeyPair()
	if err != nil {
		logger.Error("host key material unusable", "err", err)
		return 1
	}

	if sw.update {
		// Update checks belong to the UI helper; the service only
		// forwards the server address.
		logger.Info("update check delegated to ui helper", "update_server", cfg.UpdateServer)
	}

	manager := host.NewManager(host.ManagerParams{
		Endpoint: cfg.IPCEndpoint,
		Launcher: launcherFor(cfg),
		Resolver: host.ConsoleResolver{},
		CapturerFactory: func(domain.SessionID) host.Capturer {
			return host.NewBlankCapturer(0, 0)
		},
		AttachTimeout:     cfg.AttachTimeout,
		CaptureIdleGrace:  cfg.CaptureIdleGrace,
		Rotation:          host.PasswordRotation(cfg.PasswordRotation),
		UpdateServer:      cfg.UpdateServer,
		MaxClientsPerHost: cfg.MaxClientsPerHost,
	}, logger)

	link := host.NewRouterLink(host.RouterLinkConfig{
		Endpoint: cfg.RouterEndpoint,
		Key:      key,
	}, manager, logger)

	if err := manager.Start(link); err != nil {
		logger.Error("manager start failed", "err", err)
		return 1
	}

	logger.Info("host service running", "router", cfg.RouterEndpoint, "ipc_endpoint", cfg.IPCEndpoint)
	link.Run(ctx)
	manager.Stop()
	return 0
}

func launcherFor(cfg config.HostConfig) host.SessionProcessLauncher {
	if cfg.HelperPath == "" {
		return nil
	}
	return &host.CommandLauncher{HelperPath: cfg.HelperPath}
}

// copySettings verifies the source document (including its integrity
// digest) and rewrites it at the destination.
func copySettings(from, to string) error {
	s, err := settings.Load(from)
	if err != nil {
		return err
	}
	return settings.Save(to, s)
}

// loadOrCreateSettings loads the settings file, creating one with a
// fresh key pair on first run. A failed integrity check is fatal.
func loadOrCreateSettings(path, routerEndpoint string, logger *slog.Logger) (settings.Settings, error) {
	s, err := settings.Load(path)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, settings.ErrIntegrity) {
		return settings.Settings{}, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return settings.Settings{}, err
	}

	key, err := peer.GenerateKeyPair()
	if err != nil {
		return settings.Settings{}, err
	}
	priv, pub := key.Encode()
	s = settings.Settings{
		RouterEndpoint: routerEndpoint,
		PrivateKey:     priv,
		PublicKey:      pub,
	}
	if err := settings.Save(path, s); err != nil {
		return settings.Settings{}, err
	}
	logger.Info("settings created with new key pair", "path", path)
	return s, nil
}
