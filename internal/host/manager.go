package host

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/ipc"
)

// ManagerDelegate is the surface the manager exposes upward to the
// host service (typically the router link).
type ManagerDelegate interface {
	OnHostIDRequest(sessionName string)
	OnResetHostID(hostID domain.HostID)
	OnUserListChanged()
}

// SessionProcessLauncher spawns the UI helper into an interactive OS
// session. The privilege crossing is the platform's problem; the
// manager only retries transient failures.
type SessionProcessLauncher interface {
	LaunchHelper(sessionID domain.SessionID) error
}

// PeerSessionResolver reports which OS session an accepted IPC channel
// belongs to. On Windows this is derived from the peer process token;
// tests substitute a fake.
type PeerSessionResolver interface {
	PeerSession(c *ipc.Channel) (domain.SessionID, UserSessionType, error)
}

// ManagerParams carries construction-time manager configuration.
type ManagerParams struct {
	Endpoint          string
	Launcher          SessionProcessLauncher
	Resolver          PeerSessionResolver
	CapturerFactory   func(sessionID domain.SessionID) Capturer
	AttachTimeout     time.Duration
	CaptureIdleGrace  time.Duration
	Rotation          PasswordRotation
	UpdateServer      string
	MaxClientsPerHost int
}

const launchRetryDelay = 3 * time.Second
const launchRetryMax = 5

// Manager accepts IPC connections from UI helpers, keeps exactly one
// user session per OS session, and routes client sessions to the right
// one. All state is confined to its runner.
type Manager struct {
	runner *Runner
	log    *slog.Logger
	params ManagerParams

	server   *ipc.Server
	sessions []*UserSession
	delegate ManagerDelegate

	routerState domain.RouterState

	nextClientID atomic.Uint32
}

// NewManager creates an unstarted manager on its own runner.
func NewManager(params ManagerParams, logger *slog.Logger) *Manager {
	return &Manager{
		runner: NewRunner(),
		log:    logger,
		params: params,
	}
}

// Runner exposes the manager's task runner so collaborators can post
// work onto it.
func (m *Manager) Runner() *Runner { return m.runner }

// Start binds the IPC endpoint and begins accepting helpers.
func (m *Manager) Start(delegate ManagerDelegate) error {
	m.delegate = delegate
	server, err := ipc.Listen(m.params.Endpoint)
	if err != nil {
		return err
	}
	m.server = server
	server.Start(&managerIPCDelegate{m: m})
	m.log.Info("user session manager started", "endpoint", m.params.Endpoint)
	return nil
}

// Stop finishes every user session and releases the IPC endpoint.
func (m *Manager) Stop() {
	done := make(chan struct{})
	m.runner.Post(func() {
		for _, s := range append([]*UserSession(nil), m.sessions...) {
			s.Finish()
		}
		m.sessions = nil
		close(done)
	})
	<-done
	if m.server != nil {
		m.server.Close()
	}
	m.runner.Stop()
}

// SetSessionEvent fans an OS session transition to the matching user
// session and launches helpers for newly created sessions.
func (m *Manager) SetSessionEvent(status SessionStatus, sessionID domain.SessionID) {
	m.runner.Post(func() {
		switch status {
		case StatusConsoleConnect, StatusRemoteConnect, StatusSessionLogon, StatusSessionUnlock:
			if m.findSession(sessionID) == nil {
				m.startSessionProcess(sessionID, 0)
			}
		}
		for _, s := range m.sessions {
			s.SetSessionEvent(status, sessionID)
		}
	})
}

// SetRouterState fans the router snapshot out to every user session.
func (m *Manager) SetRouterState(rs domain.RouterState) {
	m.runner.Post(func() {
		m.routerState = rs
		for _, s := range m.sessions {
			s.SetRouterState(rs)
		}
	})
}

// SetHostID resolves the user session by name and delivers its id.
func (m *Manager) SetHostID(sessionName string, hostID domain.HostID) {
	m.runner.Post(func() {
		for _, s := range m.sessions {
			if s.SessionName() == sessionName {
				s.SetHostID(hostID)
				return
			}
		}
		m.log.Warn("host id for unknown session", "session_name", sessionName, "host_id", hostID)
	})
}

// NotifyUserListChanged forwards a host-side account change upward so
// the owner can re-sync credentials with the router.
func (m *Manager) NotifyUserListChanged() {
	if m.delegate != nil {
		m.delegate.OnUserListChanged()
	}
}

// NewClientSessionID allocates the next client session id. Safe from
// any goroutine.
func (m *Manager) NewClientSessionID() uint32 {
	return m.nextClientID.Add(1)
}

// AddNewSession routes an accepted client session to the user session
// owning the target host id. The error surface is the policy taxonomy:
// no session, detached session, or per-host limit.
func (m *Manager) AddNewSession(cs *ClientSession, hostID domain.HostID) {
	m.runner.Post(func() {
		target := m.findSessionByHostID(hostID)
		if target == nil {
			m.log.Info("client for unknown host id", "host_id", hostID)
			cs.transport.Close()
			return
		}
		if m.params.MaxClientsPerHost > 0 && target.ClientSessionCount() >= m.params.MaxClientsPerHost {
			m.log.Warn("per-host client limit reached", "host_id", hostID)
			cs.transport.Close()
			return
		}
		if err := target.AddNewSession(cs); err != nil {
			m.log.Info("client rejected", "host_id", hostID, "err", err)
			cs.transport.Close()
		}
	})
}

// OnUserSessionHostIDRequest implements UserSessionDelegate.
func (m *Manager) OnUserSessionHostIDRequest(sessionName string) {
	if m.delegate != nil {
		m.delegate.OnHostIDRequest(sessionName)
	}
}

// OnUserSessionDetached implements UserSessionDelegate.
func (m *Manager) OnUserSessionDetached(s *UserSession) {
	m.log.Info("user session detached", "os_session_id", s.SessionID())
}

// OnUserSessionFinished implements UserSessionDelegate.
func (m *Manager) OnUserSessionFinished(s *UserSession) {
	for i, existing := range m.sessions {
		if existing == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			break
		}
	}
	if s.HostID() != domain.InvalidHostID && m.delegate != nil {
		m.delegate.OnResetHostID(s.HostID())
	}
}

func (m *Manager) findSession(sessionID domain.SessionID) *UserSession {
	for _, s := range m.sessions {
		if s.SessionID() == sessionID {
			return s
		}
	}
	return nil
}

func (m *Manager) findSessionByHostID(hostID domain.HostID) *UserSession {
	if hostID == domain.InvalidHostID {
		return nil
	}
	for _, s := range m.sessions {
		if s.HostID() == hostID {
			return s
		}
	}
	return nil
}

// startSessionProcess spawns the UI helper into the session, retrying
// transient failures with a flat delay.
func (m *Manager) startSessionProcess(sessionID domain.SessionID, attempt int) {
	if m.params.Launcher == nil {
		return
	}
	if err := m.params.Launcher.LaunchHelper(sessionID); err != nil {
		if attempt+1 >= launchRetryMax {
			m.log.Error("helper launch failed permanently", "os_session_id", sessionID, "err", err)
			return
		}
		m.log.Warn("helper launch failed, retrying", "os_session_id", sessionID, "attempt", attempt+1, "err", err)
		m.runner.PostDelayed(launchRetryDelay, func() {
			m.startSessionProcess(sessionID, attempt+1)
		})
	}
}

// addUserSession attaches an accepted helper channel: either a new user
// session or a re-attach of an existing one.
func (m *Manager) addUserSession(sessionID domain.SessionID, sessionType UserSessionType, channel *ipc.Channel) {
	if existing := m.findSession(sessionID); existing != nil {
		if existing.State() == UserSessionStarted {
			// One helper per session; a second channel is stale or
			// hostile.
			m.log.Warn("duplicate helper connection rejected", "os_session_id", sessionID)
			channel.Close()
			return
		}
		if err := existing.Restart(channel); err != nil {
			m.log.Error("helper re-attach failed", "os_session_id", sessionID, "err", err)
			channel.Close()
		}
		return
	}

	var capturer Capturer
	if m.params.CapturerFactory != nil {
		capturer = m.params.CapturerFactory(sessionID)
	}
	session := NewUserSession(m.runner, UserSessionParams{
		SessionID:        sessionID,
		Type:             sessionType,
		Capturer:         capturer,
		AttachTimeout:    m.params.AttachTimeout,
		CaptureIdleGrace: m.params.CaptureIdleGrace,
		Rotation:         m.params.Rotation,
		UpdateServer:     m.params.UpdateServer,
	}, channel, m.log)
	m.sessions = append(m.sessions, session)
	session.Start(m)
	session.SetRouterState(m.routerState)
}

// managerIPCDelegate bridges IPC server callbacks onto the runner.
type managerIPCDelegate struct {
	m *Manager
}

func (d *managerIPCDelegate) OnNewConnection(c *ipc.Channel) {
	sessionID, sessionType, err := d.m.params.Resolver.PeerSession(c)
	if err != nil || sessionID == domain.InvalidSessionID {
		d.m.log.Warn("helper connection without resolvable session", "err", err)
		c.Close()
		return
	}
	d.m.runner.Post(func() {
		d.m.addUserSession(sessionID, sessionType, c)
	})
}

func (d *managerIPCDelegate) OnServerError(err error) {
	d.m.log.Error("ipc server error", "err", err)
}
