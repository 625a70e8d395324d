package host

import (
	"os/exec"
	"strconv"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/ipc"
)

// BlankCapturer is the fallback capture collaborator used where no
// platform grabber is wired in. It produces zero-filled frames of a
// fixed geometry; input and clipboard injection are accepted and
// dropped.
type BlankCapturer struct {
	Width  int
	Height int
}

// NewBlankCapturer returns a capturer with the given frame geometry.
func NewBlankCapturer(width, height int) *BlankCapturer {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &BlankCapturer{Width: width, Height: height}
}

// CaptureFrame implements Capturer.
func (c *BlankCapturer) CaptureFrame(screen int) ([]byte, error) {
	return make([]byte, c.Width*c.Height*4), nil
}

// ScreenList implements Capturer.
func (c *BlankCapturer) ScreenList() ScreenList {
	return ScreenList{
		Screens: []Screen{{ID: 0, Title: "primary"}},
		Current: 0,
	}
}

// InjectInput implements Capturer.
func (c *BlankCapturer) InjectInput(ev InputEvent) error { return nil }

// InjectClipboard implements Capturer.
func (c *BlankCapturer) InjectClipboard(ev ClipboardEvent) error { return nil }

// CommandLauncher starts the UI helper binary for a session. The
// privilege crossing into the interactive desktop is the helper's (and
// the platform service wrapper's) concern.
type CommandLauncher struct {
	HelperPath string
}

// LaunchHelper implements SessionProcessLauncher.
func (l *CommandLauncher) LaunchHelper(sessionID domain.SessionID) error {
	cmd := exec.Command(l.HelperPath, "--session", strconv.FormatUint(uint64(sessionID), 10))
	return cmd.Start()
}

// ConsoleResolver maps every accepted helper channel to the console
// session. It is the single-session fallback for platforms without
// per-connection session lookup.
type ConsoleResolver struct {
	ConsoleSessionID domain.SessionID
}

// PeerSession implements PeerSessionResolver.
func (r ConsoleResolver) PeerSession(c *ipc.Channel) (domain.SessionID, UserSessionType, error) {
	id := r.ConsoleSessionID
	if id == domain.InvalidSessionID {
		id = 1
	}
	return id, SessionTypeConsole, nil
}
