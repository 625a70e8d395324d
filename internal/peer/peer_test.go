package peer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jurafish/aspia/internal/proto"
)

func TestKeyPairRoundTrip(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if !kp.Valid() {
		t.Fatal("generated key pair is invalid")
	}

	privHex, pubHex := kp.Encode()
	parsed, err := DecodeKeyPair(privHex, pubHex)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.Public, kp.Public) || !bytes.Equal(parsed.Private, kp.Private) {
		t.Fatal("decoded key pair differs from original")
	}

	// Public key is recoverable from the private half alone.
	derived, err := DecodeKeyPair(privHex, "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(derived.Public, kp.Public) {
		t.Fatal("derived public key mismatch")
	}
}

func TestSecureSessionSealOpen(t *testing.T) {
	t.Parallel()

	router, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	host, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	routerSide, err := newSecureSession(router.Private, host.Public, true)
	if err != nil {
		t.Fatal(err)
	}
	hostSide, err := newSecureSession(host.Private, router.Public, false)
	if err != nil {
		t.Fatal(err)
	}
	if routerSide.keyID != hostSide.keyID {
		t.Fatalf("key id mismatch: %s vs %s", routerSide.keyID, hostSide.keyID)
	}

	for i := 0; i < 3; i++ {
		msg := []byte("frame payload")
		opened, err := hostSide.open(routerSide.seal(msg))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(opened, msg) {
			t.Fatal("payload mismatch")
		}
	}

	// Tampered ciphertext must not authenticate.
	sealed := hostSide.seal([]byte("x"))
	sealed[0] ^= 0xff
	if _, err := routerSide.open(sealed); err == nil {
		t.Fatal("expected authentication failure")
	}
}

type collectListener struct {
	messages chan proto.Message
	closed   chan struct{}
}

func (l *collectListener) OnPeerMessage(m proto.Message) { l.messages <- m }
func (l *collectListener) OnPeerDisconnected()           { close(l.closed) }

func TestChannelHandshakeAndExchange(t *testing.T) {
	t.Parallel()

	routerKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	accepted := make(chan *Channel, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Accept(w, r, routerKey)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- ch
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostSide, err := Dial(ctx, endpoint, hostKey, RoleHost, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer hostSide.Close()

	var routerSide *Channel
	select {
	case routerSide = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accepted channel")
	}
	defer routerSide.Close()

	if routerSide.Role() != RoleHost {
		t.Fatalf("expected host role, got %s", routerSide.Role())
	}
	if !bytes.Equal(routerSide.KeyDigest(), hostKey.Digest()) {
		t.Fatal("router-side key digest does not match host public key digest")
	}
	if routerSide.SessionKeyID() != hostSide.SessionKeyID() {
		t.Fatal("session key id mismatch across the channel")
	}

	if err := hostSide.Send(proto.Message{
		Kind:         proto.KindRegisterHost,
		RegisterHost: &proto.RegisterHost{SessionName: "console"},
	}); err != nil {
		t.Fatal(err)
	}
	m, err := routerSide.Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != proto.KindRegisterHost {
		t.Fatalf("expected register_host, got %q", m.Kind)
	}
	if m.RegisterHost.SessionName != "console" {
		t.Fatal("session name corrupted in transit")
	}

	// Host-side pump + disconnect-once semantics.
	listener := &collectListener{
		messages: make(chan proto.Message, 4),
		closed:   make(chan struct{}),
	}
	hostSide.Start(listener)
	if err := routerSide.Send(proto.Message{Kind: proto.KindPing}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-listener.messages:
		if got.Kind != proto.KindPing {
			t.Fatalf("expected ping, got %q", got.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pumped message")
	}

	routerSide.Close()
	select {
	case <-listener.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}
