package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML configuration written by create-config and
// read by both roles.
type File struct {
	Host   HostFile   `yaml:"host,omitempty"`
	Router RouterFile `yaml:"router,omitempty"`
}

// HostFile is the host section of the configuration file.
type HostFile struct {
	RouterEndpoint     string `yaml:"router_server_endpoint,omitempty"`
	UpdateServer       string `yaml:"update_server,omitempty"`
	IPCEndpoint        string `yaml:"ipc_endpoint,omitempty"`
	SettingsPath       string `yaml:"settings_path,omitempty"`
	HelperPath         string `yaml:"helper_path,omitempty"`
	LogLevel           string `yaml:"log_level,omitempty"`
	AttachTimeoutMS    int    `yaml:"attach_timeout_ms,omitempty"`
	CaptureIdleGraceMS int    `yaml:"capture_idle_grace_ms,omitempty"`
	MaxClientsPerHost  int    `yaml:"max_clients_per_host,omitempty"`
	PasswordRotation   string `yaml:"password_rotation,omitempty"`
}

// RouterFile is the router section of the configuration file.
type RouterFile struct {
	Listen            string `yaml:"listen,omitempty"`
	PublicEndpoint    string `yaml:"public_endpoint,omitempty"`
	DBPath            string `yaml:"db_path,omitempty"`
	SettingsPath      string `yaml:"settings_path,omitempty"`
	TLSCertFile       string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile        string `yaml:"tls_key_file,omitempty"`
	LogLevel          string `yaml:"log_level,omitempty"`
	MaxConnsPerHost   int    `yaml:"max_conns_per_host,omitempty"`
	MaxConnsPerClient int    `yaml:"max_conns_per_client,omitempty"`
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// SaveFile writes the configuration file with restrictive permissions.
func SaveFile(path string, f File) error {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
