package host

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jurafish/aspia/internal/domain"
)

// ClientSessionState is the lifecycle of one connected remote peer.
type ClientSessionState int

// Client session states.
const (
	ClientStateHandshaking ClientSessionState = iota
	ClientStateConfigured
	ClientStateClosed
)

// ClientTransport is the byte pipe to the remote peer, typically a
// relay stream through the router.
type ClientTransport interface {
	Send(payload []byte) error
	Close()
}

// ClientSessionDelegate receives lifecycle notifications. Callbacks run
// on the owning user session's runner.
type ClientSessionDelegate interface {
	OnClientSessionConfigured(cs *ClientSession)
	OnClientSessionFinished(cs *ClientSession)
}

// SessionConfig is the capability set negotiated when a client session
// becomes configured.
type SessionConfig struct {
	Screen           int  `json:"screen"`
	ClipboardAllowed bool `json:"clipboard_allowed"`
	AdminPriority    bool `json:"admin_priority"`
}

// Client relay message kinds.
const (
	clientMsgConfigure    = "configure"
	clientMsgFrame        = "frame"
	clientMsgScreenList   = "screen_list"
	clientMsgSelectScreen = "select_screen"
	clientMsgInput        = "input"
	clientMsgClipboard    = "clipboard"
)

// clientMessage is the envelope exchanged with the remote peer over its
// relay stream.
type clientMessage struct {
	Kind       string          `json:"kind"`
	Config     *SessionConfig  `json:"config,omitempty"`
	FrameData  []byte          `json:"frame_data,omitempty"`
	FrameSeq   uint64          `json:"frame_seq,omitempty"`
	Screen     int             `json:"screen,omitempty"`
	ScreenList *ScreenList     `json:"screen_list,omitempty"`
	Input      *InputEvent     `json:"input,omitempty"`
	Clipboard  *ClipboardEvent `json:"clipboard,omitempty"`
}

// ClientSession is the host-side state for one connected remote peer.
// All methods run on the owning user session's runner.
type ClientSession struct {
	id       uint32
	token    string
	kind     domain.ClientSessionKind
	username string

	state     ClientSessionState
	config    SessionConfig
	transport ClientTransport
	delegate  ClientSessionDelegate
	proxy     *DesktopSessionProxy
	log       *slog.Logger
}

// NewClientSession wraps an accepted remote peer. The session starts in
// the handshaking state and becomes configured once the peer negotiates
// its capabilities.
func NewClientSession(id uint32, kind domain.ClientSessionKind, username string, transport ClientTransport, logger *slog.Logger) *ClientSession {
	return &ClientSession{
		id:        id,
		token:     uuid.NewString(),
		kind:      kind,
		username:  username,
		state:     ClientStateHandshaking,
		transport: transport,
		log:       logger.With("client_session_id", id, "session_kind", kind.String()),
	}
}

// ID returns the numeric session id used by the UI helper contract.
func (cs *ClientSession) ID() uint32 { return cs.id }

// Token returns the unique session token used in logs and relays.
func (cs *ClientSession) Token() string { return cs.token }

// Kind reports what the peer is here to do.
func (cs *ClientSession) Kind() domain.ClientSessionKind { return cs.kind }

// Username reports the authenticated directory identity.
func (cs *ClientSession) Username() string { return cs.username }

// State returns the current lifecycle state.
func (cs *ClientSession) State() ClientSessionState { return cs.state }

// AdminPriority implements DesktopSubscriber.
func (cs *ClientSession) AdminPriority() bool {
	return cs.kind == domain.SessionKindAdmin || cs.config.AdminPriority
}

// ClipboardAllowed implements DesktopSubscriber.
func (cs *ClientSession) ClipboardAllowed() bool {
	return cs.config.ClipboardAllowed
}

// attach binds the session to its delegate and desktop proxy. Called by
// the user session when the client is added.
func (cs *ClientSession) attach(delegate ClientSessionDelegate, proxy *DesktopSessionProxy) {
	cs.delegate = delegate
	cs.proxy = proxy
}

// Configure moves the session from handshaking to configured and, for
// desktop sessions, subscribes it to the capture fan-out.
func (cs *ClientSession) Configure(cfg SessionConfig) error {
	if cs.state != ClientStateHandshaking {
		return fmt.Errorf("configure in state %d", cs.state)
	}
	cs.config = cfg
	cs.state = ClientStateConfigured

	if cs.kind == domain.SessionKindDesktop && cs.proxy != nil {
		cs.proxy.Subscribe(cs)
		if cfg.Screen != 0 {
			cs.proxy.SelectScreen(cs.id, cfg.Screen)
		}
	}
	cs.log.Info("client session configured")
	if cs.delegate != nil {
		cs.delegate.OnClientSessionConfigured(cs)
	}
	return nil
}

// HandleClientMessage processes one message from the remote peer.
// Unknown or out-of-state kinds are dropped; the relay is untrusted
// input even after authentication.
func (cs *ClientSession) HandleClientMessage(data []byte) {
	if cs.state == ClientStateClosed {
		return
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		cs.log.Warn("undecodable client message", "err", err)
		return
	}

	switch msg.Kind {
	case clientMsgConfigure:
		if msg.Config == nil {
			return
		}
		if err := cs.Configure(*msg.Config); err != nil {
			cs.log.Warn("configure rejected", "err", err)
		}
	case clientMsgInput:
		if cs.state != ClientStateConfigured || msg.Input == nil || cs.proxy == nil {
			return
		}
		_ = cs.proxy.InjectInput(cs.id, *msg.Input)
	case clientMsgClipboard:
		if cs.state != ClientStateConfigured || msg.Clipboard == nil || cs.proxy == nil {
			return
		}
		_ = cs.proxy.SetClipboard(cs.id, *msg.Clipboard)
	case clientMsgSelectScreen:
		if cs.state != ClientStateConfigured || cs.proxy == nil {
			return
		}
		cs.proxy.SelectScreen(cs.id, msg.Screen)
	}
}

// OnDesktopFrame implements DesktopSubscriber.
func (cs *ClientSession) OnDesktopFrame(f *Frame) {
	cs.send(clientMessage{Kind: clientMsgFrame, FrameData: f.Data, FrameSeq: f.Seq, Screen: f.Screen})
}

// OnScreenListChanged implements DesktopSubscriber.
func (cs *ClientSession) OnScreenListChanged(l ScreenList) {
	cs.send(clientMessage{Kind: clientMsgScreenList, ScreenList: &l})
}

// OnClipboardEvent implements DesktopSubscriber.
func (cs *ClientSession) OnClipboardEvent(ev ClipboardEvent) {
	cs.send(clientMessage{Kind: clientMsgClipboard, Clipboard: &ev})
}

func (cs *ClientSession) send(msg clientMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := cs.transport.Send(raw); err != nil {
		cs.log.Debug("client transport send failed", "err", err)
	}
}

// Close terminates the session. Idempotent; the delegate hears
// OnClientSessionFinished exactly once.
func (cs *ClientSession) Close() {
	if cs.state == ClientStateClosed {
		return
	}
	wasConfigured := cs.state == ClientStateConfigured
	cs.state = ClientStateClosed

	if wasConfigured && cs.kind == domain.SessionKindDesktop && cs.proxy != nil {
		cs.proxy.Unsubscribe(cs.id)
	}
	cs.transport.Close()
	cs.log.Info("client session closed")
	if cs.delegate != nil {
		cs.delegate.OnClientSessionFinished(cs)
	}
}
