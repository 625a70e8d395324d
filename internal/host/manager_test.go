package host

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/ipc"
	"github.com/jurafish/aspia/internal/log"
	"github.com/jurafish/aspia/internal/proto"
)

type fakeManagerDelegate struct {
	hostIDRequests chan string
	resets         chan domain.HostID
}

func newFakeManagerDelegate() *fakeManagerDelegate {
	return &fakeManagerDelegate{
		hostIDRequests: make(chan string, 16),
		resets:         make(chan domain.HostID, 16),
	}
}

func (d *fakeManagerDelegate) OnHostIDRequest(name string)        { d.hostIDRequests <- name }
func (d *fakeManagerDelegate) OnResetHostID(hostID domain.HostID) { d.resets <- hostID }
func (d *fakeManagerDelegate) OnUserListChanged()                 {}

// scriptedResolver hands out predefined session assignments in accept
// order.
type scriptedResolver struct {
	mu      sync.Mutex
	results []struct {
		id  domain.SessionID
		typ UserSessionType
	}
}

func (r *scriptedResolver) add(id domain.SessionID, typ UserSessionType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, struct {
		id  domain.SessionID
		typ UserSessionType
	}{id, typ})
}

func (r *scriptedResolver) PeerSession(c *ipc.Channel) (domain.SessionID, UserSessionType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return domain.InvalidSessionID, SessionTypeConsole, domain.ErrNoActiveSession
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.id, next.typ, nil
}

func startManager(t *testing.T, resolver PeerSessionResolver, maxClients int) (*Manager, *fakeManagerDelegate, string) {
	t.Helper()

	endpoint := filepath.Join(t.TempDir(), "mgr.sock")
	m := NewManager(ManagerParams{
		Endpoint:          endpoint,
		Resolver:          resolver,
		CapturerFactory:   func(domain.SessionID) Capturer { return errCapturer{} },
		AttachTimeout:     5 * time.Second,
		CaptureIdleGrace:  time.Second,
		Rotation:          RotationPerSession,
		MaxClientsPerHost: maxClients,
	}, log.New("error"))

	delegate := newFakeManagerDelegate()
	if err := m.Start(delegate); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	return m, delegate, endpoint
}

func dialHelper(t *testing.T, endpoint string) (*ipc.Channel, *uiRecorder) {
	t.Helper()
	helper, err := ipc.Dial(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	recorder := newUIRecorder()
	helper.Start(recorder)
	return helper, recorder
}

func waitHostIDRequest(t *testing.T, d *fakeManagerDelegate, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case name := <-d.hostIDRequests:
			if name == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for host id request %q", want)
		}
	}
}

func TestManagerConcurrentHostIDRequests(t *testing.T) {
	t.Parallel()

	resolver := &scriptedResolver{}
	resolver.add(1, SessionTypeConsole)
	resolver.add(2, SessionTypeRDP)
	m, delegate, endpoint := startManager(t, resolver, 0)

	helper1, _ := dialHelper(t, endpoint)
	defer helper1.Close()
	helper2, _ := dialHelper(t, endpoint)
	defer helper2.Close()

	waitHostIDRequest(t, delegate, "console")
	waitHostIDRequest(t, delegate, "rdp@2")

	// Answer both, deliberately out of request order.
	m.SetHostID("rdp@2", 20)
	m.SetHostID("console", 10)

	runSync(m.Runner(), func() {
		if len(m.sessions) != 2 {
			t.Fatalf("expected 2 user sessions, got %d", len(m.sessions))
		}
		for _, s := range m.sessions {
			switch s.SessionName() {
			case "console":
				if s.HostID() != 10 {
					t.Errorf("console got host id %d, want 10", s.HostID())
				}
			case "rdp@2":
				if s.HostID() != 20 {
					t.Errorf("rdp@2 got host id %d, want 20", s.HostID())
				}
			default:
				t.Errorf("unexpected session %q", s.SessionName())
			}
		}
	})
}

func TestManagerOneSessionPerOSSession(t *testing.T) {
	t.Parallel()

	resolver := &scriptedResolver{}
	resolver.add(1, SessionTypeConsole)
	resolver.add(1, SessionTypeConsole)
	m, delegate, endpoint := startManager(t, resolver, 0)

	helper1, _ := dialHelper(t, endpoint)
	defer helper1.Close()
	waitHostIDRequest(t, delegate, "console")

	// A second helper for the same OS session must be rejected while
	// the first is attached.
	helper2, recorder2 := dialHelper(t, endpoint)
	defer helper2.Close()
	select {
	case <-recorder2.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate helper was not rejected")
	}

	runSync(m.Runner(), func() {
		if len(m.sessions) != 1 {
			t.Fatalf("expected exactly one user session, got %d", len(m.sessions))
		}
	})
}

func TestManagerRoutesClientByHostID(t *testing.T) {
	t.Parallel()

	resolver := &scriptedResolver{}
	resolver.add(1, SessionTypeConsole)
	m, delegate, endpoint := startManager(t, resolver, 1)

	helper, recorder := dialHelper(t, endpoint)
	defer helper.Close()
	waitHostIDRequest(t, delegate, "console")
	m.SetHostID("console", 42)

	// Unknown host id: the client is closed, nothing else happens.
	orphanTr := &fakeTransport{}
	m.AddNewSession(NewClientSession(m.NewClientSessionID(), domain.SessionKindDesktop, "u", orphanTr, log.New("error")), 999)
	runSync(m.Runner(), func() {})
	if !orphanTr.isClosed() {
		t.Fatal("client for unknown host id must be closed")
	}

	// Known host id: routed, helper notified.
	tr := &fakeTransport{}
	m.AddNewSession(NewClientSession(m.NewClientSessionID(), domain.SessionKindDesktop, "u", tr, log.New("error")), 42)
	recorder.waitKind(t, proto.KindConnectEvent)

	// Per-host limit: the next client is refused.
	overTr := &fakeTransport{}
	m.AddNewSession(NewClientSession(m.NewClientSessionID(), domain.SessionKindDesktop, "u", overTr, log.New("error")), 42)
	runSync(m.Runner(), func() {})
	if !overTr.isClosed() {
		t.Fatal("client above the per-host limit must be closed")
	}
}
