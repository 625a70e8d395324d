package router

import (
	"context"
	"crypto/sha256"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jurafish/aspia/internal/auth"
	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/peer"
	"github.com/jurafish/aspia/internal/proto"
	"github.com/jurafish/aspia/internal/router/directory"
)

// BrokerConfig bounds what a single peer may do.
type BrokerConfig struct {
	ServerEndpoint    string
	MaxConnsPerHost   int
	MaxConnsPerClient int
}

// relay is one established rendezvous: two live channels and the token
// both sides tag their bytes with.
type relay struct {
	token  string
	hostID domain.HostID
	host   PeerConn
	client PeerConn
}

func (r *relay) counterpart(conn PeerConn) PeerConn {
	if conn == r.host {
		return r.client
	}
	if conn == r.client {
		return r.host
	}
	return nil
}

// Broker authenticates accepted peers, introduces clients to hosts,
// and forwards relay bytes opaquely until either side closes.
type Broker struct {
	cfg      BrokerConfig
	dir      *directory.Directory
	log      *slog.Logger
	registry *Registry
	limiter  *authLimiter

	relays relayMap
}

// NewBroker wires a broker over the directory.
func NewBroker(cfg BrokerConfig, dir *directory.Directory, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		dir:      dir,
		log:      logger,
		registry: NewRegistry(),
		limiter:  newAuthLimiter(),
		relays:   newRelayMap(),
	}
}

// Registry exposes the live host registry (used by tests and status
// surfaces).
func (b *Broker) Registry() *Registry {
	return b.registry
}

// HandlePeer runs the per-connection loop. It returns when the channel
// closes; the broker survives any single-connection failure.
func (b *Broker) HandlePeer(ctx context.Context, conn PeerConn) {
	defer b.cleanupConn(conn)

	stop := context.AfterFunc(ctx, conn.Close)
	defer stop()

	switch conn.Role() {
	case peer.RoleHost:
		b.serveHost(ctx, conn)
	case peer.RoleClient:
		b.serveClient(ctx, conn)
	default:
		conn.Close()
	}
}

func (b *Broker) serveHost(ctx context.Context, conn PeerConn) {
	log := b.log.With("remote_addr", conn.RemoteAddr(), "role", "host")
	for {
		m, err := conn.Read()
		if err != nil {
			return
		}
		switch m.Kind {
		case proto.KindRegisterHost:
			b.registerHost(ctx, conn, m.RegisterHost.SessionName, log)
		case proto.KindRelayData:
			b.forwardRelay(conn, *m.RelayData)
		case proto.KindPing:
			_ = conn.Send(proto.Message{Kind: proto.KindPong})
		default:
			log.Warn("unexpected message from host peer", "kind", m.Kind)
		}
	}
}

// registerHost issues (or re-issues) a host id for one of the host's
// user sessions. The directory key is derived from the authenticated
// channel digest, never from peer-supplied bytes.
func (b *Broker) registerHost(ctx context.Context, conn PeerConn, sessionName string, log *slog.Logger) {
	keyHash := sessionKeyHash(conn.KeyDigest(), sessionName)
	hostID, err := b.dir.AddHost(ctx, keyHash)
	if err != nil {
		// Storage trouble is not fatal to the broker; the host retries.
		log.Error("host registration failed", "session_name", sessionName, "err", err)
		return
	}
	b.registry.Register(hostID, sessionName, conn)
	log.Info("host registered", "session_name", sessionName, "host_id", hostID)

	err = conn.Send(proto.Message{
		Kind: proto.KindHostRegistered,
		HostRegistered: &proto.HostRegistered{
			SessionName: sessionName,
			HostID:      hostID,
			State: domain.RouterState{
				Connected:      true,
				ServerEndpoint: b.cfg.ServerEndpoint,
			},
		},
	})
	if err != nil {
		log.Debug("host_registered send failed", "err", err)
	}
}

func (b *Broker) serveClient(ctx context.Context, conn PeerConn) {
	log := b.log.With("remote_addr", conn.RemoteAddr(), "role", "client")

	user, ok := b.authenticate(ctx, conn, log)
	if !ok {
		return
	}
	log = log.With("username", user.Username)

	for {
		m, err := conn.Read()
		if err != nil {
			return
		}
		switch m.Kind {
		case proto.KindConnectRequest:
			b.connectRequest(conn, user, *m.ConnectRequest, log)
		case proto.KindRelayData:
			b.forwardRelay(conn, *m.RelayData)
		case proto.KindPing:
			_ = conn.Send(proto.Message{Kind: proto.KindPong})
		default:
			log.Warn("unexpected message from client peer", "kind", m.Kind)
		}
	}
}

// authenticate runs the client's directory login. The failure answer
// is deliberately uniform: unknown user, bad verifier, and disabled
// account are indistinguishable on the wire.
func (b *Broker) authenticate(ctx context.Context, conn PeerConn, log *slog.Logger) (domain.User, bool) {
	deny := func() (domain.User, bool) {
		b.limiter.fail(conn.RemoteAddr())
		_ = conn.Send(proto.Message{
			Kind:       proto.KindAuthResult,
			AuthResult: &proto.AuthResult{OK: false},
		})
		conn.Close()
		return domain.User{}, false
	}

	if !b.limiter.allow(conn.RemoteAddr()) {
		log.Warn("authentication rate limited")
		conn.Close()
		return domain.User{}, false
	}

	m, err := conn.Read()
	if err != nil {
		return domain.User{}, false
	}
	if m.Kind != proto.KindAuthenticate {
		log.Warn("client spoke before authenticating", "kind", m.Kind)
		conn.Close()
		return domain.User{}, false
	}

	user, err := b.dir.FindUser(ctx, m.Authenticate.Username)
	if err != nil {
		log.Error("user lookup failed", "err", err)
		return deny()
	}
	if !user.Valid() || !user.Enabled() {
		return deny()
	}
	match, err := auth.VerifyPassword(m.Authenticate.Password, user.Verifier)
	if err != nil || !match {
		return deny()
	}
	if user.Sessions&(domain.RouterSessionClient|domain.RouterSessionAdmin) == 0 {
		return deny()
	}

	b.limiter.reset(conn.RemoteAddr())
	_ = conn.Send(proto.Message{
		Kind:       proto.KindAuthResult,
		AuthResult: &proto.AuthResult{OK: true, Sessions: user.Sessions},
	})
	log.Info("client authenticated", "username", user.Username)
	return user, true
}

func (b *Broker) connectRequest(conn PeerConn, user domain.User, req proto.ConnectRequest, log *slog.Logger) {
	respond := func(code, token string) {
		_ = conn.Send(proto.Message{
			Kind: proto.KindConnectResp,
			ConnectResp: &proto.ConnectResp{
				Code:   code,
				HostID: req.HostID,
				Token:  token,
			},
		})
	}

	if b.cfg.MaxConnsPerClient > 0 && b.relays.countByConn(conn) >= b.cfg.MaxConnsPerClient {
		respond(proto.ConnectLimit, "")
		return
	}

	hostConn, ok := b.registry.Lookup(req.HostID)
	if !ok {
		log.Info("connect request for offline host", "host_id", req.HostID)
		respond(proto.ConnectNoHostFound, "")
		return
	}
	if b.cfg.MaxConnsPerHost > 0 && b.relays.countByHost(req.HostID) >= b.cfg.MaxConnsPerHost {
		respond(proto.ConnectLimit, "")
		return
	}

	token := uuid.NewString()
	b.relays.add(&relay{
		token:  token,
		hostID: req.HostID,
		host:   hostConn,
		client: conn,
	})

	// The host hears about the rendezvous first so it is ready for the
	// client's opening bytes.
	err := hostConn.Send(proto.Message{
		Kind: proto.KindConnectResp,
		ConnectResp: &proto.ConnectResp{
			Code:        proto.ConnectOK,
			HostID:      req.HostID,
			Token:       token,
			SessionKind: req.SessionKind,
			Username:    user.Username,
		},
	})
	if err != nil {
		b.relays.remove(token)
		respond(proto.ConnectHostOffline, "")
		return
	}
	respond(proto.ConnectOK, token)
	log.Info("rendezvous established", "host_id", req.HostID, "session_kind", req.SessionKind)
}

// forwardRelay moves one opaque chunk to the counterpart. Transport
// loss or a closed marker ends the rendezvous; there is no retry.
func (b *Broker) forwardRelay(conn PeerConn, data proto.RelayData) {
	rel := b.relays.get(data.Token)
	if rel == nil {
		return
	}
	other := rel.counterpart(conn)
	if other == nil {
		// Not a participant; drop, the relay is not theirs.
		return
	}
	if data.Closed {
		b.relays.remove(data.Token)
	}
	if err := other.Send(proto.Message{
		Kind:      proto.KindRelayData,
		RelayData: &data,
	}); err != nil && !data.Closed {
		b.relays.remove(data.Token)
	}
}

// cleanupConn runs when a peer channel dies: registry eviction first,
// then teardown of every rendezvous the peer participated in.
func (b *Broker) cleanupConn(conn PeerConn) {
	conn.Close()
	evicted := b.registry.EvictConn(conn)
	for _, id := range evicted {
		b.log.Info("host eviction", "host_id", id)
	}

	for _, rel := range b.relays.removeByConn(conn) {
		if other := rel.counterpart(conn); other != nil {
			_ = other.Send(proto.Message{
				Kind:      proto.KindRelayData,
				RelayData: &proto.RelayData{Token: rel.token, Closed: true},
			})
		}
	}
}

// sessionKeyHash derives the directory key for one user session of a
// host: the channel key digest alone for the default session, or the
// digest folded with the session name.
func sessionKeyHash(keyDigest []byte, sessionName string) []byte {
	h := sha256.New()
	h.Write(keyDigest)
	h.Write([]byte(sessionName))
	return h.Sum(nil)
}

