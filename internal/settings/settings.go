// Package settings reads and writes the aspia settings file: key
// material, router location, and an exportable snapshot of the
// directory's users and hosts. The file carries an integrity digest
// checked at service startup.
package settings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/router/directory"
)

// ErrIntegrity indicates the settings file digest does not match its
// content. Startup treats this as fatal.
var ErrIntegrity = errors.New("settings integrity check failed")

// UserEntry is one exported directory user.
type UserEntry struct {
	EntryID  int64  `json:"entry_id"`
	Username string `json:"username"`
	Verifier string `json:"verifier"`
	Sessions uint32 `json:"sessions"`
	Flags    uint32 `json:"flags"`
}

// HostEntry is one exported host registration.
type HostEntry struct {
	HostID  uint64 `json:"host_id"`
	KeyHash string `json:"key_hash"`
}

// Settings is the on-disk settings document.
type Settings struct {
	RouterEndpoint string      `json:"router_endpoint,omitempty"`
	UpdateServer   string      `json:"update_server,omitempty"`
	PrivateKey     string      `json:"private_key,omitempty"`
	PublicKey      string      `json:"public_key,omitempty"`
	Users          []UserEntry `json:"users,omitempty"`
	Hosts          []HostEntry `json:"hosts,omitempty"`
	Integrity      string      `json:"integrity,omitempty"`
}

// KeyPair decodes the stored key material.
func (s Settings) KeyPair() (peer.KeyPair, error) {
	if strings.TrimSpace(s.PrivateKey) == "" {
		return peer.KeyPair{}, errors.New("settings file has no private key")
	}
	return peer.DecodeKeyPair(s.PrivateKey, s.PublicKey)
}

// digest computes the integrity digest over the canonical document
// with the integrity field blanked.
func (s Settings) digest() (string, error) {
	s.Integrity = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Load reads a settings file and verifies its integrity digest.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	want, err := s.digest()
	if err != nil {
		return Settings{}, err
	}
	if s.Integrity == "" || s.Integrity != want {
		return Settings{}, ErrIntegrity
	}
	return s, nil
}

// Save writes the settings file with a fresh integrity digest and
// restrictive permissions.
func Save(path string, s Settings) error {
	digest, err := s.digest()
	if err != nil {
		return err
	}
	s.Integrity = digest
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o600)
}

// Export snapshots the directory's users and hosts into the settings
// document.
func Export(ctx context.Context, dir *directory.Directory, s *Settings) error {
	users, err := dir.UserList(ctx)
	if err != nil {
		return fmt.Errorf("export users: %w", err)
	}
	hosts, err := dir.HostList(ctx)
	if err != nil {
		return fmt.Errorf("export hosts: %w", err)
	}

	s.Users = make([]UserEntry, 0, len(users))
	for _, u := range users {
		s.Users = append(s.Users, UserEntry{
			EntryID:  u.EntryID,
			Username: u.Username,
			Verifier: u.Verifier,
			Sessions: u.Sessions,
			Flags:    u.Flags,
		})
	}
	s.Hosts = make([]HostEntry, 0, len(hosts))
	for _, h := range hosts {
		s.Hosts = append(s.Hosts, HostEntry{
			HostID:  uint64(h.HostID),
			KeyHash: hex.EncodeToString(h.KeyHash),
		})
	}
	return nil
}

// Import replays an exported snapshot into the directory, preserving
// entry ids and issued host ids.
func Import(ctx context.Context, dir *directory.Directory, s Settings) error {
	for _, u := range s.Users {
		err := dir.ImportUser(ctx, domain.User{
			EntryID:  u.EntryID,
			Username: u.Username,
			Verifier: u.Verifier,
			Sessions: u.Sessions,
			Flags:    u.Flags,
		})
		if err != nil {
			return fmt.Errorf("import user %q: %w", u.Username, err)
		}
	}
	for _, h := range s.Hosts {
		hash, err := hex.DecodeString(h.KeyHash)
		if err != nil {
			return fmt.Errorf("import host %d: %w", h.HostID, err)
		}
		err = dir.ImportHost(ctx, domain.HostRecord{
			HostID:  domain.HostID(h.HostID),
			KeyHash: hash,
		})
		if err != nil {
			return fmt.Errorf("import host %d: %w", h.HostID, err)
		}
	}
	return nil
}
