package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jurafish/aspia/internal/config"
	ilog "github.com/jurafish/aspia/internal/log"
	"github.com/jurafish/aspia/internal/router"
	"github.com/jurafish/aspia/internal/router/directory"
)

func runRouter(ctx context.Context, args []string) int {
	cfg, err := config.ParseRouterFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "router:", err)
		return 1
	}
	logger := ilog.New(cfg.LogLevel)

	s, err := loadOrCreateSettings(cfg.SettingsPath, cfg.PublicEndpoint, logger)
	if err != nil {
		logger.Error("settings check failed", "path", cfg.SettingsPath, "err", err)
		return 1
	}
	key, err := s.KeyPair()
	if err != nil {
		logger.Error("router key material unusable", "err", err)
		return 1
	}

	dir, err := directory.Open(cfg.DBPath)
	if err != nil {
		logger.Error("directory open failed", "path", cfg.DBPath, "err", err)
		return 1
	}
	defer func() { _ = dir.Close() }()

	srv := router.New(cfg, dir, key, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("router stopped with error", "err", err)
		return 1
	}
	return 0
}
