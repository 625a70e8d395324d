package peer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/proto"
)

// Role declares what the connecting peer intends to be.
type Role string

// Peer roles.
const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Handshake failure reasons surfaced to callers.
var (
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrProtocolMismatch = errors.New("protocol version mismatch")
)

const handshakeVersion = 1
const handshakeTimeout = 15 * time.Second
const defaultDialTimeout = 30 * time.Second

// Listener receives channel events. Callbacks run on the channel's
// read goroutine; implementations post to their own runner.
type Listener interface {
	OnPeerMessage(m proto.Message)
	OnPeerDisconnected()
}

// hello is the cleartext handshake exchanged before encryption starts.
type hello struct {
	Version   int    `json:"version"`
	PublicKey string `json:"public_key"`
	Role      string `json:"role,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
}

// Channel is an authenticated, encrypted, strictly ordered message pipe
// to a remote peer. On any transport or decryption error the channel
// closes and reports disconnection exactly once.
type Channel struct {
	conn *websocket.Conn
	sec  *secureSession
	role Role

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request and completes the router side
// of the handshake.
func Accept(w http.ResponseWriter, r *http.Request, routerKey KeyPair) (*Channel, error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	ch, err := serverHandshake(conn, routerKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

// Dial connects to the router endpoint (ws:// or wss://) and completes
// the peer side of the handshake.
func Dial(ctx context.Context, endpoint string, key KeyPair, role Role, tlsConfig *tls.Config) (*Channel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultDialTimeout,
		TLSClientConfig:  tlsConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial router: %w", err)
	}

	ch, err := clientHandshake(conn, key, role)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

func serverHandshake(conn *websocket.Conn, routerKey KeyPair) (*Channel, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var peerHello hello
	if err := conn.ReadJSON(&peerHello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if peerHello.Version != handshakeVersion {
		return nil, ErrProtocolMismatch
	}
	peerPub, err := base64.StdEncoding.DecodeString(peerHello.PublicKey)
	if err != nil || len(peerPub) != 32 {
		return nil, fmt.Errorf("%w: bad public key", ErrHandshakeFailed)
	}
	role := Role(peerHello.Role)
	if role != RoleHost && role != RoleClient {
		return nil, fmt.Errorf("%w: unknown role %q", ErrHandshakeFailed, peerHello.Role)
	}

	sec, err := newSecureSession(routerKey.Private, peerPub, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	reply := hello{
		Version:   handshakeVersion,
		PublicKey: base64.StdEncoding.EncodeToString(routerKey.Public),
		KeyID:     sec.keyID,
	}
	if err := conn.WriteJSON(reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &Channel{
		conn:   conn,
		sec:    sec,
		role:   role,
		closed: make(chan struct{}),
	}, nil
}

func clientHandshake(conn *websocket.Conn, key KeyPair, role Role) (*Channel, error) {
	msg := hello{
		Version:   handshakeVersion,
		PublicKey: base64.StdEncoding.EncodeToString(key.Public),
		Role:      string(role),
	}
	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply hello
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if reply.Version != handshakeVersion {
		return nil, ErrProtocolMismatch
	}
	routerPub, err := base64.StdEncoding.DecodeString(reply.PublicKey)
	if err != nil || len(routerPub) != 32 {
		return nil, fmt.Errorf("%w: bad router public key", ErrHandshakeFailed)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sec, err := newSecureSession(key.Private, routerPub, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return &Channel{
		conn:   conn,
		sec:    sec,
		role:   role,
		closed: make(chan struct{}),
	}, nil
}

// Role returns the role the peer declared during the handshake.
func (c *Channel) Role() Role {
	return c.role
}

// KeyDigest returns the SHA-256 digest of the remote peer's public key.
func (c *Channel) KeyDigest() []byte {
	return append([]byte(nil), c.sec.peerHash...)
}

// SessionKeyID identifies the negotiated session key.
func (c *Channel) SessionKeyID() string {
	return c.sec.keyID
}

// RemoteAddr reports the transport peer address for logging.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send seals and writes one message. Returns
// [domain.ErrChannelClosed] after the channel closed.
func (c *Channel) Send(m proto.Message) error {
	payload, err := proto.EncodeMessage(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	default:
	}
	// Sealing under the write lock keeps the nonce counter aligned
	// with the transport order.
	sealed := c.sec.seal(payload)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
		c.Close()
		return domain.ErrChannelClosed
	}
	return nil
}

// Read blocks for the next message. Used by the router's
// runner-per-connection loops; host-side consumers use Start instead.
func (c *Channel) Read() (proto.Message, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return proto.Message{}, domain.ErrChannelClosed
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		plaintext, err := c.sec.open(data)
		if err != nil {
			c.Close()
			return proto.Message{}, domain.ErrChannelClosed
		}
		m, err := proto.DecodeMessage(plaintext)
		if err != nil {
			c.Close()
			return proto.Message{}, domain.ErrChannelClosed
		}
		return m, nil
	}
}

// Start pumps inbound messages to the listener on a dedicated
// goroutine. OnPeerDisconnected fires exactly once.
func (c *Channel) Start(l Listener) {
	go func() {
		defer l.OnPeerDisconnected()
		for {
			m, err := c.Read()
			if err != nil {
				return
			}
			l.OnPeerMessage(m)
		}
	}()
}

// Close tears down the channel. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
