package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/jurafish/aspia/internal/auth"
	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/log"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/proto"
	"github.com/jurafish/aspia/internal/router/directory"
)

// fakeConn is an in-process PeerConn: the test writes to in and reads
// broker output from out.
type fakeConn struct {
	role   peer.Role
	digest []byte
	addr   string

	in  chan proto.Message
	out chan proto.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(role peer.Role, seed, addr string) *fakeConn {
	digest := sha256.Sum256([]byte(seed))
	return &fakeConn{
		role:   role,
		digest: digest[:],
		addr:   addr,
		in:     make(chan proto.Message, 64),
		out:    make(chan proto.Message, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(m proto.Message) error {
	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	case c.out <- m:
		return nil
	}
}

func (c *fakeConn) Read() (proto.Message, error) {
	select {
	case <-c.closed:
		return proto.Message{}, domain.ErrChannelClosed
	case m, ok := <-c.in:
		if !ok {
			return proto.Message{}, domain.ErrChannelClosed
		}
		return m, nil
	}
}

func (c *fakeConn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) KeyDigest() []byte  { return append([]byte(nil), c.digest...) }
func (c *fakeConn) Role() peer.Role    { return c.role }
func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) expect(t *testing.T, kind string) proto.Message {
	t.Helper()
	select {
	case m := <-c.out:
		if m.Kind != kind {
			t.Fatalf("expected %q from broker, got %q", kind, m.Kind)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", kind)
	}
	return proto.Message{}
}

func testDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	d, err := directory.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func addTestUser(t *testing.T, d *directory.Directory, name, password string, flags, sessions uint32) {
	t.Helper()
	verifier, err := auth.HashPassword(password, auth.DefaultArgon2Params())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddUser(context.Background(), domain.User{
		Username: name,
		Verifier: verifier,
		Sessions: sessions,
		Flags:    flags,
	}); err != nil {
		t.Fatal(err)
	}
}

func startBroker(t *testing.T, d *directory.Directory, cfg BrokerConfig) *Broker {
	t.Helper()
	if cfg.ServerEndpoint == "" {
		cfg.ServerEndpoint = "wss://router.test"
	}
	return NewBroker(cfg, d, log.New("error"))
}

func registerFakeHost(t *testing.T, b *Broker, host *fakeConn, sessionName string) domain.HostID {
	t.Helper()
	go b.HandlePeer(context.Background(), host)
	host.in <- proto.Message{
		Kind:         proto.KindRegisterHost,
		RegisterHost: &proto.RegisterHost{SessionName: sessionName},
	}
	m := host.expect(t, proto.KindHostRegistered)
	if m.HostRegistered.HostID == domain.InvalidHostID {
		t.Fatal("expected issued host id")
	}
	if !m.HostRegistered.State.Connected {
		t.Fatal("expected connected router state")
	}
	return m.HostRegistered.HostID
}

func authClient(t *testing.T, b *Broker, client *fakeConn, username, password string) {
	t.Helper()
	go b.HandlePeer(context.Background(), client)
	client.in <- proto.Message{
		Kind:         proto.KindAuthenticate,
		Authenticate: &proto.Authenticate{Username: username, Password: password},
	}
	m := client.expect(t, proto.KindAuthResult)
	if !m.AuthResult.OK {
		t.Fatal("expected successful authentication")
	}
}

func TestBrokerIntroductionAndRelay(t *testing.T) {
	d := testDirectory(t)
	addTestUser(t, d, "admin", "pass123", domain.UserFlagEnabled, domain.RouterSessionClient)
	b := startBroker(t, d, BrokerConfig{})

	host := newFakeConn(peer.RoleHost, "host-key", "10.0.0.1:1")
	hostID := registerFakeHost(t, b, host, "console")

	// Registration is idempotent at the directory level.
	host.in <- proto.Message{
		Kind:         proto.KindRegisterHost,
		RegisterHost: &proto.RegisterHost{SessionName: "console"},
	}
	again := host.expect(t, proto.KindHostRegistered)
	if again.HostRegistered.HostID != hostID {
		t.Fatalf("re-registration issued a different id: %d vs %d", again.HostRegistered.HostID, hostID)
	}

	client := newFakeConn(peer.RoleClient, "client-key", "10.0.0.2:1")
	authClient(t, b, client, "admin", "pass123")

	client.in <- proto.Message{
		Kind:           proto.KindConnectRequest,
		ConnectRequest: &proto.ConnectRequest{HostID: hostID, SessionKind: "desktop"},
	}

	hostSide := host.expect(t, proto.KindConnectResp)
	if hostSide.ConnectResp.Code != proto.ConnectOK || hostSide.ConnectResp.Username != "admin" {
		t.Fatalf("unexpected host announcement: %+v", hostSide.ConnectResp)
	}
	clientSide := client.expect(t, proto.KindConnectResp)
	if clientSide.ConnectResp.Code != proto.ConnectOK {
		t.Fatalf("unexpected client response: %+v", clientSide.ConnectResp)
	}
	if clientSide.ConnectResp.Token != hostSide.ConnectResp.Token {
		t.Fatal("rendezvous token mismatch between the two sides")
	}
	token := clientSide.ConnectResp.Token

	// Bytes relay byte-exactly in both directions.
	payload := []byte{0x01, 0x02, 0x7f, 0x00}
	client.in <- proto.Message{
		Kind:      proto.KindRelayData,
		RelayData: &proto.RelayData{Token: token, Payload: payload},
	}
	got := host.expect(t, proto.KindRelayData)
	if !bytes.Equal(got.RelayData.Payload, payload) {
		t.Fatalf("relay corrupted client->host: %v", got.RelayData.Payload)
	}

	back := []byte("response bytes")
	host.in <- proto.Message{
		Kind:      proto.KindRelayData,
		RelayData: &proto.RelayData{Token: token, Payload: back},
	}
	got = client.expect(t, proto.KindRelayData)
	if !bytes.Equal(got.RelayData.Payload, back) {
		t.Fatalf("relay corrupted host->client: %v", got.RelayData.Payload)
	}

	// Either side closing ends the rendezvous.
	host.in <- proto.Message{
		Kind:      proto.KindRelayData,
		RelayData: &proto.RelayData{Token: token, Closed: true},
	}
	got = client.expect(t, proto.KindRelayData)
	if !got.RelayData.Closed {
		t.Fatal("expected closed marker at the client")
	}
}

func TestBrokerOfflineTarget(t *testing.T) {
	d := testDirectory(t)
	addTestUser(t, d, "admin", "pass123", domain.UserFlagEnabled, domain.RouterSessionClient)
	b := startBroker(t, d, BrokerConfig{})

	hostsBefore, err := d.HostList(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	client := newFakeConn(peer.RoleClient, "client-key", "10.0.0.2:2")
	authClient(t, b, client, "admin", "pass123")

	client.in <- proto.Message{
		Kind:           proto.KindConnectRequest,
		ConnectRequest: &proto.ConnectRequest{HostID: 42, SessionKind: "desktop"},
	}
	m := client.expect(t, proto.KindConnectResp)
	if m.ConnectResp.Code != proto.ConnectNoHostFound {
		t.Fatalf("expected no_host_found, got %q", m.ConnectResp.Code)
	}

	hostsAfter, err := d.HostList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hostsAfter) != len(hostsBefore) {
		t.Fatal("offline lookup must not mutate the directory")
	}
}

func TestBrokerAuthenticationFailures(t *testing.T) {
	d := testDirectory(t)
	addTestUser(t, d, "admin", "pass123", domain.UserFlagEnabled, domain.RouterSessionClient)
	addTestUser(t, d, "frozen", "pass123", 0, domain.RouterSessionClient)
	b := startBroker(t, d, BrokerConfig{})

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "admin", "nope"},
		{"unknown user", "ghost", "pass123"},
		{"disabled user", "frozen", "pass123"},
	}
	for _, tc := range cases {
		client := newFakeConn(peer.RoleClient, "client-key", "10.0.1.1:1")
		go b.HandlePeer(context.Background(), client)
		client.in <- proto.Message{
			Kind:         proto.KindAuthenticate,
			Authenticate: &proto.Authenticate{Username: tc.username, Password: tc.password},
		}
		m := client.expect(t, proto.KindAuthResult)
		if m.AuthResult.OK {
			t.Fatalf("%s: expected opaque failure", tc.name)
		}
		select {
		case <-client.closed:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: expected channel close after failure", tc.name)
		}
	}
}

func TestBrokerEvictsHostBeforeLookup(t *testing.T) {
	d := testDirectory(t)
	addTestUser(t, d, "admin", "pass123", domain.UserFlagEnabled, domain.RouterSessionClient)
	b := startBroker(t, d, BrokerConfig{})

	host := newFakeConn(peer.RoleHost, "host-key", "10.0.0.1:3")
	hostID := registerFakeHost(t, b, host, "console")
	if b.Registry().Count() != 1 {
		t.Fatal("expected one live registration")
	}

	host.Close()
	deadline := time.Now().Add(2 * time.Second)
	for b.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("registry entry not evicted after channel close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Offline now, but the persistent row remains.
	client := newFakeConn(peer.RoleClient, "client-key", "10.0.0.2:3")
	authClient(t, b, client, "admin", "pass123")
	client.in <- proto.Message{
		Kind:           proto.KindConnectRequest,
		ConnectRequest: &proto.ConnectRequest{HostID: hostID, SessionKind: "desktop"},
	}
	m := client.expect(t, proto.KindConnectResp)
	if m.ConnectResp.Code != proto.ConnectNoHostFound {
		t.Fatalf("expected no_host_found for evicted host, got %q", m.ConnectResp.Code)
	}
	if _, err := d.HostID(context.Background(), sessionKeyHash(host.KeyDigest(), "console")); err != nil {
		t.Fatalf("persistent host row should survive eviction: %v", err)
	}
}

func TestBrokerPerHostConnectionLimit(t *testing.T) {
	d := testDirectory(t)
	addTestUser(t, d, "admin", "pass123", domain.UserFlagEnabled, domain.RouterSessionClient)
	b := startBroker(t, d, BrokerConfig{MaxConnsPerHost: 1})

	host := newFakeConn(peer.RoleHost, "host-key", "10.0.0.1:4")
	hostID := registerFakeHost(t, b, host, "console")

	client := newFakeConn(peer.RoleClient, "client-key", "10.0.0.2:4")
	authClient(t, b, client, "admin", "pass123")

	client.in <- proto.Message{
		Kind:           proto.KindConnectRequest,
		ConnectRequest: &proto.ConnectRequest{HostID: hostID, SessionKind: "desktop"},
	}
	host.expect(t, proto.KindConnectResp)
	first := client.expect(t, proto.KindConnectResp)
	if first.ConnectResp.Code != proto.ConnectOK {
		t.Fatalf("first rendezvous should succeed, got %q", first.ConnectResp.Code)
	}

	client.in <- proto.Message{
		Kind:           proto.KindConnectRequest,
		ConnectRequest: &proto.ConnectRequest{HostID: hostID, SessionKind: "desktop"},
	}
	second := client.expect(t, proto.KindConnectResp)
	if second.ConnectResp.Code != proto.ConnectLimit {
		t.Fatalf("expected limit_exceeded, got %q", second.ConnectResp.Code)
	}
}
