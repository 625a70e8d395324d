package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jurafish/aspia/internal/config"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/router/directory"
	"github.com/jurafish/aspia/internal/settings"
)

func runKeygen(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	key, err := peer.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate keys:", err)
		return 1
	}
	priv, pub := key.Encode()
	fmt.Println("Private key:", priv)
	fmt.Println("Public key:", pub)
	return 0
}

func runCreateConfig(args []string) int {
	fs := flag.NewFlagSet("create-config", flag.ContinueOnError)
	configPath := fs.String("config", "./aspia.yml", "Configuration file to create")
	settingsPath := fs.String("settings", "./aspia-settings.json", "Settings file to create")
	routerEndpoint := fs.String("router", "", "Router endpoint for hosts")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	fmt.Println("Creation of initial configuration started.")
	if _, err := os.Stat(*configPath); err == nil {
		fmt.Println("Configuration file already exists. Continuation is impossible.")
		return 1
	}
	if _, err := os.Stat(*settingsPath); err == nil {
		fmt.Println("Settings file already exists. Continuation is impossible.")
		return 1
	}

	key, err := peer.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate keys:", err)
		return 1
	}
	priv, pub := key.Encode()

	if err := settings.Save(*settingsPath, settings.Settings{
		RouterEndpoint: *routerEndpoint,
		PrivateKey:     priv,
		PublicKey:      pub,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write settings file:", err)
		return 1
	}

	err = config.SaveFile(*configPath, config.File{
		Host: config.HostFile{
			RouterEndpoint: *routerEndpoint,
			SettingsPath:   *settingsPath,
		},
		Router: config.RouterFile{
			SettingsPath: *settingsPath,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to write configuration file:", err)
		return 1
	}

	fmt.Println("Configuration file:", *configPath)
	fmt.Println("Settings file:", *settingsPath)
	fmt.Println("Public key:", pub)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	dbPath := fs.String("db", "./router.db", "Router database path")
	filePath := fs.String("file", "", "Settings file to import")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "import: missing -file")
		return 1
	}

	s, err := settings.Load(*filePath)
	if err != nil {
		if errors.Is(err, settings.ErrIntegrity) {
			fmt.Fprintln(os.Stderr, "import: settings file failed the integrity check")
		} else {
			fmt.Fprintln(os.Stderr, "import:", err)
		}
		return 1
	}

	dir, err := directory.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import:", err)
		return 1
	}
	defer func() { _ = dir.Close() }()

	if err := settings.Import(context.Background(), dir, s); err != nil {
		fmt.Fprintln(os.Stderr, "import:", err)
		return 1
	}
	fmt.Printf("Imported %d users and %d hosts.\n", len(s.Users), len(s.Hosts))
	return 0
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dbPath := fs.String("db", "./router.db", "Router database path")
	filePath := fs.String("file", "", "Settings file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "export: missing -file")
		return 1
	}

	dir, err := directory.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		return 1
	}
	defer func() { _ = dir.Close() }()

	var s settings.Settings
	if err := settings.Export(context.Background(), dir, &s); err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		return 1
	}
	if err := settings.Save(*filePath, s); err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		return 1
	}
	fmt.Printf("Exported %d users and %d hosts.\n", len(s.Users), len(s.Hosts))
	return 0
}
