package host

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/proto"
)

// RouterLinkConfig describes how the host reaches its router.
type RouterLinkConfig struct {
	Endpoint string
	Key      peer.KeyPair
}

const linkRetryInitial = 2 * time.Second
const linkRetryMax = time.Minute

// RouterLink maintains the host's registration with the router: it
// keeps one peer channel alive, registers user sessions for host ids,
// and turns rendezvous announcements into client sessions. It is the
// manager's upward delegate.
type RouterLink struct {
	cfg     RouterLinkConfig
	manager *Manager
	log     *slog.Logger

	mu      sync.Mutex
	ch      *peer.Channel
	pending map[string]struct{}
	relays  map[string]*relayTransport
}

// NewRouterLink wires a link to its manager. Call Run to connect.
func NewRouterLink(cfg RouterLinkConfig, manager *Manager, logger *slog.Logger) *RouterLink {
	return &RouterLink{
		cfg:     cfg,
		manager: manager,
		log:     logger,
		pending: make(map[string]struct{}),
		relays:  make(map[string]*relayTransport),
	}
}

// Run connects to the router and reconnects with capped exponential
// backoff until the context is cancelled.
func (l *RouterLink) Run(ctx context.Context) {
	retry := linkRetryInitial
	for ctx.Err() == nil {
		ch, err := peer.Dial(ctx, l.cfg.Endpoint, l.cfg.Key, peer.RoleHost, nil)
		if err != nil {
			l.manager.SetRouterState(domain.RouterState{
				ServerEndpoint: l.cfg.Endpoint,
				ErrorCode:      "unreachable",
			})
			l.log.Warn("router unreachable", "endpoint", l.cfg.Endpoint, "retry_in", retry, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			retry *= 2
			if retry > linkRetryMax {
				retry = linkRetryMax
			}
			continue
		}
		retry = linkRetryInitial

		l.mu.Lock()
		l.ch = ch
		names := make([]string, 0, len(l.pending))
		for name := range l.pending {
			names = append(names, name)
		}
		l.mu.Unlock()

		l.manager.SetRouterState(domain.RouterState{
			Connected:      true,
			ServerEndpoint: l.cfg.Endpoint,
		})
		l.log.Info("router connected", "endpoint", l.cfg.Endpoint, "key_id", ch.SessionKeyID())

		for _, name := range names {
			l.sendRegister(name)
		}

		stop := context.AfterFunc(ctx, ch.Close)
		l.readLoop(ch)
		stop()

		l.teardown()
		l.manager.SetRouterState(domain.RouterState{
			ServerEndpoint: l.cfg.Endpoint,
			ErrorCode:      "disconnected",
		})
		l.log.Warn("router connection lost")
	}
}

func (l *RouterLink) readLoop(ch *peer.Channel) {
	for {
		m, err := ch.Read()
		if err != nil {
			return
		}
		switch m.Kind {
		case proto.KindHostRegistered:
			l.onHostRegistered(*m.HostRegistered)
		case proto.KindConnectResp:
			l.onConnectAnnouncement(*m.ConnectResp)
		case proto.KindRelayData:
			l.onRelayData(*m.RelayData)
		case proto.KindPing:
			_ = l.send(proto.Message{Kind: proto.KindPong})
		}
	}
}

// OnHostIDRequest implements ManagerDelegate: a user session wants its
// host id resolved.
func (l *RouterLink) OnHostIDRequest(sessionName string) {
	l.mu.Lock()
	l.pending[sessionName] = struct{}{}
	connected := l.ch != nil
	l.mu.Unlock()
	if connected {
		l.sendRegister(sessionName)
	}
}

// OnResetHostID implements ManagerDelegate: a finished session's id is
// released. The router evicts the live entry when the registration
// channel drops; nothing further to do here.
func (l *RouterLink) OnResetHostID(hostID domain.HostID) {
	l.log.Info("host id released", "host_id", hostID)
}

// OnUserListChanged implements ManagerDelegate.
func (l *RouterLink) OnUserListChanged() {
	l.log.Info("user list changed")
}

func (l *RouterLink) sendRegister(sessionName string) {
	err := l.send(proto.Message{
		Kind:         proto.KindRegisterHost,
		RegisterHost: &proto.RegisterHost{SessionName: sessionName},
	})
	if err != nil {
		l.log.Debug("register_host send failed", "session_name", sessionName, "err", err)
	}
}

func (l *RouterLink) onHostRegistered(m proto.HostRegistered) {
	l.mu.Lock()
	delete(l.pending, m.SessionName)
	l.mu.Unlock()
	l.log.Info("host id issued", "session_name", m.SessionName, "host_id", m.HostID)
	l.manager.SetHostID(m.SessionName, m.HostID)
	l.manager.SetRouterState(m.State)
}

func (l *RouterLink) onConnectAnnouncement(m proto.ConnectResp) {
	if m.Code != proto.ConnectOK || m.Token == "" {
		return
	}
	transport := &relayTransport{link: l, token: m.Token}
	cs := NewClientSession(
		l.manager.NewClientSessionID(),
		sessionKindFromString(m.SessionKind),
		m.Username,
		transport,
		l.log,
	)
	transport.session = cs

	l.mu.Lock()
	l.relays[m.Token] = transport
	l.mu.Unlock()

	l.manager.AddNewSession(cs, m.HostID)
}

func (l *RouterLink) onRelayData(m proto.RelayData) {
	l.mu.Lock()
	transport := l.relays[m.Token]
	l.mu.Unlock()
	if transport == nil {
		return
	}
	if m.Closed {
		l.removeRelay(m.Token)
		l.manager.Runner().Post(transport.session.Close)
		return
	}
	payload := m.Payload
	l.manager.Runner().Post(func() {
		transport.session.HandleClientMessage(payload)
	})
}

func (l *RouterLink) removeRelay(token string) {
	l.mu.Lock()
	delete(l.relays, token)
	l.mu.Unlock()
}

func (l *RouterLink) send(m proto.Message) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if ch == nil {
		return domain.ErrChannelClosed
	}
	return ch.Send(m)
}

// teardown fails all relays after the router channel is lost; their
// client sessions close on the manager runner.
func (l *RouterLink) teardown() {
	l.mu.Lock()
	l.ch = nil
	relays := l.relays
	l.relays = make(map[string]*relayTransport)
	l.mu.Unlock()

	for _, transport := range relays {
		session := transport.session
		l.manager.Runner().Post(session.Close)
	}
}

// relayTransport adapts one rendezvous stream to the ClientTransport
// surface.
type relayTransport struct {
	link    *RouterLink
	token   string
	session *ClientSession

	closeOnce sync.Once
}

func (t *relayTransport) Send(payload []byte) error {
	return t.link.send(proto.Message{
		Kind:      proto.KindRelayData,
		RelayData: &proto.RelayData{Token: t.token, Payload: payload},
	})
}

func (t *relayTransport) Close() {
	t.closeOnce.Do(func() {
		_ = t.link.send(proto.Message{
			Kind:      proto.KindRelayData,
			RelayData: &proto.RelayData{Token: t.token, Closed: true},
		})
		t.link.removeRelay(t.token)
	})
}

func sessionKindFromString(kind string) domain.ClientSessionKind {
	switch kind {
	case "file_transfer":
		return domain.SessionKindFileTransfer
	case "admin":
		return domain.SessionKindAdmin
	default:
		return domain.SessionKindDesktop
	}
}
