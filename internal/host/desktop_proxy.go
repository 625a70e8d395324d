package host

import (
	"log/slog"
	"time"
)

// DesktopSubscriber is the consumer side of the capture fan-out; client
// sessions of desktop kind implement it. Callbacks run on the owning
// user session's runner.
type DesktopSubscriber interface {
	ID() uint32
	AdminPriority() bool
	ClipboardAllowed() bool
	OnDesktopFrame(f *Frame)
	OnScreenListChanged(l ScreenList)
	OnClipboardEvent(ev ClipboardEvent)
}

type proxySubscriber struct {
	sub DesktopSubscriber
	// joinSeq is the last frame captured before the subscribe
	// completed; frames at or below it are never delivered here.
	joinSeq uint64
}

// DesktopSessionProxy multiplexes one capture pipeline to any number of
// subscribers. It is shared between the user session and its desktop
// client sessions; all methods must be invoked on the owning runner.
type DesktopSessionProxy struct {
	runner  *Runner
	session *DesktopSession
	log     *slog.Logger

	subscribers []*proxySubscriber
	inputOwner  uint32

	idleGrace time.Duration
	idleTimer *time.Timer
}

// NewDesktopSessionProxy builds the shared fan-out handle. idleGrace
// bounds how long capture stays suspended after the last unsubscribe
// before it is stopped.
func NewDesktopSessionProxy(runner *Runner, capturer Capturer, idleGrace time.Duration, logger *slog.Logger) *DesktopSessionProxy {
	p := &DesktopSessionProxy{
		runner:    runner,
		log:       logger,
		idleGrace: idleGrace,
	}
	p.session = NewDesktopSession(capturer, func(f *Frame) {
		runner.Post(func() { p.deliverFrame(f) })
	})
	return p
}

// Session exposes the owned capture pipeline to the user session.
func (p *DesktopSessionProxy) Session() *DesktopSession {
	return p.session
}

// Subscribe adds a consumer. The subscriber receives no frame captured
// before this call completed.
func (p *DesktopSessionProxy) Subscribe(sub DesktopSubscriber) {
	p.cancelIdleTimer()
	p.session.Resume()
	p.subscribers = append(p.subscribers, &proxySubscriber{
		sub:     sub,
		joinSeq: p.session.CurrentSeq(),
	})
	sub.OnScreenListChanged(p.session.ScreenList())
	p.log.Debug("desktop subscriber added", "client_session_id", sub.ID(), "subscribers", len(p.subscribers))
}

// Unsubscribe removes a consumer; the last one out starts the idle
// grace window.
func (p *DesktopSessionProxy) Unsubscribe(id uint32) {
	for i, s := range p.subscribers {
		if s.sub.ID() == id {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			break
		}
	}
	if p.inputOwner == id {
		p.inputOwner = 0
	}
	if len(p.subscribers) == 0 {
		p.session.Suspend()
		p.startIdleTimer()
	}
	p.log.Debug("desktop subscriber removed", "client_session_id", id, "subscribers", len(p.subscribers))
}

// SubscriberCount reports the number of attached consumers.
func (p *DesktopSessionProxy) SubscriberCount() int {
	return len(p.subscribers)
}

// SetConfig applies capture tuning on behalf of a subscriber.
func (p *DesktopSessionProxy) SetConfig(cfg CaptureConfig) {
	p.session.SetConfig(cfg)
}

// SelectScreen switches the captured display.
func (p *DesktopSessionProxy) SelectScreen(from uint32, id int) {
	p.session.SelectScreen(id)
	list := p.session.ScreenList()
	list.Current = id
	for _, s := range p.subscribers {
		s.sub.OnScreenListChanged(list)
	}
}

// InjectInput serializes input injection: first come first served, an
// admin subscriber may take the input slot over.
func (p *DesktopSessionProxy) InjectInput(from uint32, ev InputEvent) error {
	owner := p.findSubscriber(from)
	if owner == nil {
		return nil
	}
	if p.inputOwner == 0 || p.inputOwner == from {
		p.inputOwner = from
		return p.session.InjectInput(ev)
	}
	if owner.sub.AdminPriority() {
		p.log.Info("input ownership taken over", "from", p.inputOwner, "to", from)
		p.inputOwner = from
		return p.session.InjectInput(ev)
	}
	return nil
}

// SetClipboard injects clipboard content from a subscriber if its
// capability allows it.
func (p *DesktopSessionProxy) SetClipboard(from uint32, ev ClipboardEvent) error {
	owner := p.findSubscriber(from)
	if owner == nil || !owner.sub.ClipboardAllowed() {
		return nil
	}
	return p.session.InjectClipboard(ev)
}

// OnSessionClipboard fans a session-side clipboard change out to the
// subscribers whose capability allows it.
func (p *DesktopSessionProxy) OnSessionClipboard(ev ClipboardEvent) {
	for _, s := range p.subscribers {
		if s.sub.ClipboardAllowed() {
			s.sub.OnClipboardEvent(ev)
		}
	}
}

// Stop tears the capture pipeline down; used on user session finish.
func (p *DesktopSessionProxy) Stop() {
	p.cancelIdleTimer()
	p.subscribers = nil
	p.inputOwner = 0
	p.session.Stop()
}

func (p *DesktopSessionProxy) deliverFrame(f *Frame) {
	for _, s := range p.subscribers {
		if f.Seq <= s.joinSeq {
			continue
		}
		s.sub.OnDesktopFrame(f)
	}
}

func (p *DesktopSessionProxy) findSubscriber(id uint32) *proxySubscriber {
	for _, s := range p.subscribers {
		if s.sub.ID() == id {
			return s
		}
	}
	return nil
}

func (p *DesktopSessionProxy) startIdleTimer() {
	p.cancelIdleTimer()
	if p.idleGrace <= 0 {
		p.session.Stop()
		return
	}
	p.idleTimer = p.runner.PostDelayed(p.idleGrace, func() {
		if len(p.subscribers) == 0 {
			p.log.Debug("capture idle grace elapsed, stopping pipeline")
			p.session.Stop()
		}
	})
}

func (p *DesktopSessionProxy) cancelIdleTimer() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}
