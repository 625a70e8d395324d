package settings

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/router/directory"
)

func TestSaveLoadIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.json")

	kp, err := peer.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	priv, pub := kp.Encode()
	s := Settings{
		RouterEndpoint: "wss://router.example:8060/v1/peer",
		PrivateKey:     priv,
		PublicKey:      pub,
	}
	if err := Save(path, s); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RouterEndpoint != s.RouterEndpoint {
		t.Fatalf("router endpoint mismatch: %q", loaded.RouterEndpoint)
	}
	parsed, err := loaded.KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Valid() {
		t.Fatal("loaded key pair is invalid")
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.json")
	if err := Save(path, Settings{RouterEndpoint: "wss://a.example"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	doc["router_endpoint"] = "wss://evil.example"
	tampered, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()

	src, err := directory.Open(filepath.Join(t.TempDir(), "src.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if _, err := src.AddUser(ctx, domain.User{
		Username: "admin",
		Verifier: "argon2id$v=19$m=65536,t=3,p=4$s$h",
		Sessions: domain.RouterSessionAdmin | domain.RouterSessionClient,
		Flags:    domain.UserFlagEnabled,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := src.AddUser(ctx, domain.User{
		Username: "viewer",
		Verifier: "argon2id$v=19$m=65536,t=3,p=4$s2$h2",
		Sessions: domain.RouterSessionClient,
		Flags:    domain.UserFlagEnabled,
	}); err != nil {
		t.Fatal(err)
	}
	hashA := sha256.Sum256([]byte("host a"))
	hashB := sha256.Sum256([]byte("host b"))
	if _, err := src.AddHost(ctx, hashA[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := src.AddHost(ctx, hashB[:]); err != nil {
		t.Fatal(err)
	}

	var s Settings
	if err := Export(ctx, src, &s); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "export.json")
	if err := Save(path, s); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	dst, err := directory.Open(filepath.Join(t.TempDir(), "dst.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := Import(ctx, dst, loaded); err != nil {
		t.Fatal(err)
	}

	srcUsers, err := src.UserList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dstUsers, err := dst.UserList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(srcUsers, dstUsers) {
		t.Fatalf("user content differs after round trip:\n%+v\n%+v", srcUsers, dstUsers)
	}

	srcHosts, err := src.HostList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dstHosts, err := dst.HostList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(srcHosts, dstHosts) {
		t.Fatalf("host content differs after round trip:\n%+v\n%+v", srcHosts, dstHosts)
	}
}
