package host

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jurafish/aspia/internal/auth"
	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/ipc"
	"github.com/jurafish/aspia/internal/proto"
)

// UserSessionType distinguishes the console session from remote
// desktop sessions.
type UserSessionType int

// User session types.
const (
	SessionTypeConsole UserSessionType = iota
	SessionTypeRDP
)

// UserSessionState is the supervision state of one OS session.
type UserSessionState int

// User session states.
const (
	UserSessionStarted UserSessionState = iota
	UserSessionDetached
	UserSessionFinished
)

// SessionStatus is an OS-level interactive session transition, fed in
// by the platform collaborator.
type SessionStatus int

// OS session transitions.
const (
	StatusConsoleConnect SessionStatus = iota
	StatusConsoleDisconnect
	StatusRemoteConnect
	StatusRemoteDisconnect
	StatusSessionLogon
	StatusSessionLogoff
	StatusSessionLock
	StatusSessionUnlock
)

// PasswordRotation selects when the one-time password is regenerated.
type PasswordRotation string

// Password rotation policies.
const (
	RotationNever         PasswordRotation = "never"
	RotationPerConnection PasswordRotation = "per_connection"
	RotationPerSession    PasswordRotation = "per_session"
)

// UserSessionDelegate is the manager-facing callback surface. All
// callbacks arrive on the shared runner.
type UserSessionDelegate interface {
	OnUserSessionHostIDRequest(sessionName string)
	OnUserSessionDetached(s *UserSession)
	OnUserSessionFinished(s *UserSession)
}

// UserSessionParams carries construction-time configuration.
type UserSessionParams struct {
	SessionID        domain.SessionID
	Type             UserSessionType
	Capturer         Capturer
	AttachTimeout    time.Duration
	CaptureIdleGrace time.Duration
	Rotation         PasswordRotation
	UpdateServer     string
}

const hostIDRetryInitial = 2 * time.Second
const hostIDRetryMax = time.Minute

// UserSession supervises one interactive OS session: the IPC channel to
// its UI helper, the client sessions attached to it, and the shared
// desktop capture fan-out. All state is confined to the runner shared
// with the manager.
type UserSession struct {
	runner *Runner
	log    *slog.Logger
	params UserSessionParams

	state   UserSessionState
	channel *ipc.Channel

	routerState domain.RouterState
	hostID      domain.HostID
	password    string

	desktopClients      []*ClientSession
	fileTransferClients []*ClientSession
	adminClients        []*ClientSession

	proxy *DesktopSessionProxy

	attachTimer  *time.Timer
	hostIDTimer  *time.Timer
	hostIDRetry  time.Duration
	hostIDWanted bool

	delegate UserSessionDelegate
}

// NewUserSession creates the supervisor for one OS session. A nil
// channel creates the session detached, waiting for its helper.
func NewUserSession(runner *Runner, params UserSessionParams, channel *ipc.Channel, logger *slog.Logger) *UserSession {
	return &UserSession{
		runner:      runner,
		log:         logger.With("os_session_id", params.SessionID),
		params:      params,
		state:       UserSessionDetached,
		channel:     channel,
		hostID:      domain.InvalidHostID,
		hostIDRetry: hostIDRetryInitial,
	}
}

// SessionID returns the supervised OS session id.
func (u *UserSession) SessionID() domain.SessionID { return u.params.SessionID }

// Type reports console or RDP.
func (u *UserSession) Type() UserSessionType { return u.params.Type }

// State returns the current supervision state.
func (u *UserSession) State() UserSessionState { return u.state }

// HostID returns the router-issued id, or [domain.InvalidHostID].
func (u *UserSession) HostID() domain.HostID { return u.hostID }

// SessionName is the stable name used for host id resolution.
func (u *UserSession) SessionName() string {
	if u.params.Type == SessionTypeConsole {
		return "console"
	}
	return fmt.Sprintf("rdp@%d", u.params.SessionID)
}

// Start performs the initial wiring: desktop pipeline, credentials,
// host id request, and helper attachment when a channel is present.
// Must run on the runner.
func (u *UserSession) Start(delegate UserSessionDelegate) {
	u.delegate = delegate
	u.proxy = NewDesktopSessionProxy(u.runner, u.params.Capturer, u.params.CaptureIdleGrace, u.log)

	u.updateCredentials()
	u.requestHostID()

	if u.channel != nil {
		u.attach(u.channel)
	} else {
		u.startAttachTimer()
	}
	u.log.Info("user session started", "session_name", u.SessionName(), "state", u.state)
}

// Restart rebinds a freshly connected helper channel. Valid only while
// detached; client sessions are preserved.
func (u *UserSession) Restart(channel *ipc.Channel) error {
	if u.state != UserSessionDetached {
		return fmt.Errorf("restart in state %d", u.state)
	}
	u.cancelAttachTimer()
	u.attach(channel)

	// Replay current knowledge to the new helper; existing clients get
	// no duplicate connect events.
	u.sendRouterState()
	if u.hostID != domain.InvalidHostID {
		u.sendHostID()
	}
	u.sendCredentials()
	u.log.Info("user session re-attached")
	return nil
}

func (u *UserSession) attach(channel *ipc.Channel) {
	u.channel = channel
	u.state = UserSessionStarted
	channel.Start(&ipcListener{session: u, channel: channel})
}

// AddNewSession attaches a new client session. Only valid while
// started.
func (u *UserSession) AddNewSession(cs *ClientSession) error {
	if u.state != UserSessionStarted {
		return domain.ErrSessionDetached
	}
	if u.params.Rotation == RotationPerConnection {
		u.updateCredentials()
		u.sendCredentials()
	}

	cs.attach(u, u.proxy)
	switch cs.Kind() {
	case domain.SessionKindDesktop:
		u.desktopClients = append(u.desktopClients, cs)
	case domain.SessionKindFileTransfer:
		u.fileTransferClients = append(u.fileTransferClients, cs)
	default:
		u.adminClients = append(u.adminClients, cs)
	}
	u.sendConnectEvent(cs)
	u.log.Info("client session added", "client_session_id", cs.ID(), "session_kind", cs.Kind().String())
	return nil
}

// SetSessionEvent feeds an OS-level transition for this session.
func (u *UserSession) SetSessionEvent(status SessionStatus, sessionID domain.SessionID) {
	if sessionID != u.params.SessionID || u.state == UserSessionFinished {
		return
	}
	switch status {
	case StatusConsoleDisconnect, StatusRemoteDisconnect, StatusSessionLogoff, StatusSessionLock:
		u.onDetached("session event")
	}
}

// SetRouterState caches and forwards the router snapshot.
func (u *UserSession) SetRouterState(rs domain.RouterState) {
	u.routerState = rs
	u.sendRouterState()
}

// SetHostID records the issued id, clears the pending request, and
// forwards the id to the helper.
func (u *UserSession) SetHostID(id domain.HostID) {
	u.hostID = id
	u.hostIDWanted = false
	u.hostIDRetry = hostIDRetryInitial
	if u.hostIDTimer != nil {
		u.hostIDTimer.Stop()
		u.hostIDTimer = nil
	}
	u.sendHostID()
	u.sendCredentials()
}

// KillClientSession closes the client session with the given id,
// wherever it lives.
func (u *UserSession) KillClientSession(id uint32) {
	for _, list := range [][]*ClientSession{u.desktopClients, u.fileTransferClients, u.adminClients} {
		for _, cs := range list {
			if cs.ID() == id {
				cs.Close()
				return
			}
		}
	}
}

// ClientSessionCount reports attached clients across all kinds.
func (u *UserSession) ClientSessionCount() int {
	return len(u.desktopClients) + len(u.fileTransferClients) + len(u.adminClients)
}

// Finish tears the session down: clients first, then the desktop
// pipeline, then the IPC channel. The delegate hears it exactly once.
func (u *UserSession) Finish() {
	if u.state == UserSessionFinished {
		return
	}
	u.state = UserSessionFinished
	u.cancelAttachTimer()
	if u.hostIDTimer != nil {
		u.hostIDTimer.Stop()
		u.hostIDTimer = nil
	}

	for _, cs := range u.allClients() {
		cs.Close()
	}
	u.desktopClients = nil
	u.fileTransferClients = nil
	u.adminClients = nil

	if u.proxy != nil {
		u.proxy.Stop()
	}
	if u.channel != nil {
		u.channel.Close()
		u.channel = nil
	}
	u.log.Info("user session finished")
	if u.delegate != nil {
		u.delegate.OnUserSessionFinished(u)
	}
}

// OnClientSessionConfigured implements ClientSessionDelegate.
func (u *UserSession) OnClientSessionConfigured(cs *ClientSession) {
	u.log.Info("client session ready", "client_session_id", cs.ID())
}

// OnClientSessionFinished implements ClientSessionDelegate.
func (u *UserSession) OnClientSessionFinished(cs *ClientSession) {
	u.removeClient(cs)
	if u.state != UserSessionFinished {
		u.sendDisconnectEvent(cs.ID())
	}
}

func (u *UserSession) removeClient(cs *ClientSession) {
	remove := func(list []*ClientSession) []*ClientSession {
		for i, c := range list {
			if c == cs {
				return append(list[:i], list[i+1:]...)
			}
		}
		return list
	}
	u.desktopClients = remove(u.desktopClients)
	u.fileTransferClients = remove(u.fileTransferClients)
	u.adminClients = remove(u.adminClients)
}

func (u *UserSession) allClients() []*ClientSession {
	out := make([]*ClientSession, 0, u.ClientSessionCount())
	out = append(out, u.desktopClients...)
	out = append(out, u.fileTransferClients...)
	out = append(out, u.adminClients...)
	return out
}

func (u *UserSession) onDetached(reason string) {
	if u.state != UserSessionStarted {
		return
	}
	u.state = UserSessionDetached
	if u.channel != nil {
		u.channel.Close()
		u.channel = nil
	}
	u.startAttachTimer()
	u.log.Info("user session detached", "reason", reason)
	if u.delegate != nil {
		u.delegate.OnUserSessionDetached(u)
	}
}

func (u *UserSession) startAttachTimer() {
	u.cancelAttachTimer()
	if u.params.AttachTimeout <= 0 {
		return
	}
	u.attachTimer = u.runner.PostDelayed(u.params.AttachTimeout, func() {
		if u.state == UserSessionDetached {
			u.log.Warn("attach timeout elapsed, finishing session")
			u.Finish()
		}
	})
}

func (u *UserSession) cancelAttachTimer() {
	if u.attachTimer != nil {
		u.attachTimer.Stop()
		u.attachTimer = nil
	}
}

func (u *UserSession) requestHostID() {
	if u.hostID != domain.InvalidHostID || u.delegate == nil {
		return
	}
	u.hostIDWanted = true
	u.delegate.OnUserSessionHostIDRequest(u.SessionName())

	// Retries back off exponentially until the router answers.
	retry := u.hostIDRetry
	u.hostIDRetry *= 2
	if u.hostIDRetry > hostIDRetryMax {
		u.hostIDRetry = hostIDRetryMax
	}
	u.hostIDTimer = u.runner.PostDelayed(retry, func() {
		if u.hostIDWanted && u.state != UserSessionFinished {
			u.requestHostID()
		}
	})
}

// updateCredentials generates a fresh one-time password. When to call
// it is the rotation policy's decision: session start, each new
// connection, or an explicit helper refresh.
func (u *UserSession) updateCredentials() {
	password, err := auth.GenerateOneTimePassword(0)
	if err != nil {
		u.log.Error("one-time password generation failed", "err", err)
		return
	}
	u.password = password
}

func (u *UserSession) sendCredentials() {
	u.sendToUi(proto.ServiceToUi{
		Kind: proto.KindCredentials,
		Credentials: &proto.Credentials{
			HostID:   u.hostID,
			Password: u.password,
		},
	})
}

func (u *UserSession) sendRouterState() {
	u.sendToUi(proto.ServiceToUi{
		Kind: proto.KindRouterState,
		RouterState: &proto.RouterStateMsg{
			State:        u.routerState,
			UpdateServer: u.params.UpdateServer,
		},
	})
}

func (u *UserSession) sendHostID() {
	u.sendToUi(proto.ServiceToUi{
		Kind:   proto.KindHostID,
		HostID: &proto.HostIDMsg{HostID: u.hostID},
	})
}

func (u *UserSession) sendConnectEvent(cs *ClientSession) {
	u.sendToUi(proto.ServiceToUi{
		Kind: proto.KindConnectEvent,
		ConnectEvent: &proto.ConnectEvent{
			ClientSessionID: cs.ID(),
			SessionKind:     cs.Kind().String(),
			Username:        cs.Username(),
		},
	})
}

func (u *UserSession) sendDisconnectEvent(id uint32) {
	u.sendToUi(proto.ServiceToUi{
		Kind:            proto.KindDisconnectEvent,
		DisconnectEvent: &proto.DisconnectEvent{ClientSessionID: id},
	})
}

func (u *UserSession) sendToUi(m proto.ServiceToUi) {
	if u.channel == nil {
		return
	}
	raw, err := proto.EncodeServiceToUi(m)
	if err != nil {
		u.log.Error("encode service message", "kind", m.Kind, "err", err)
		return
	}
	if err := u.channel.Send(raw); err != nil {
		u.log.Debug("helper send failed", "kind", m.Kind, "err", err)
	}
}

func (u *UserSession) handleUiMessage(data []byte) {
	msg, err := proto.DecodeUiToService(data)
	if err != nil {
		// The helper is less privileged; a malformed message is
		// treated as hostile and the channel dropped.
		u.log.Warn("invalid helper message, detaching", "err", err)
		u.onDetached("protocol violation")
		return
	}

	switch msg.Kind {
	case proto.KindHostIDRequest:
		if u.hostID != domain.InvalidHostID {
			u.sendHostID()
			return
		}
		u.requestHostID()
	case proto.KindCredentialsRequest:
		if msg.CredentialsRequest.NewPassword || u.password == "" {
			u.updateCredentials()
		}
		u.sendCredentials()
	case proto.KindConnectConfirm:
		if !msg.ConnectConfirmation.Accept {
			u.KillClientSession(msg.ConnectConfirmation.ClientSessionID)
		}
	case proto.KindKillClient:
		u.KillClientSession(msg.KillClient.ClientSessionID)
	}
}

// ipcListener bridges a specific channel's callbacks onto the runner.
// The channel pointer guards against callbacks from a replaced channel
// arriving after a restart.
type ipcListener struct {
	session *UserSession
	channel *ipc.Channel
}

func (l *ipcListener) OnChannelMessage(data []byte) {
	l.session.runner.Post(func() {
		if l.session.channel != l.channel {
			return
		}
		l.session.handleUiMessage(data)
	})
}

func (l *ipcListener) OnChannelDisconnected() {
	l.session.runner.Post(func() {
		if l.session.channel != l.channel {
			return
		}
		l.session.onDetached("ipc channel lost")
	})
}
