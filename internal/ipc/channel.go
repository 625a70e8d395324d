// Package ipc implements the length-framed local message pipe between
// the privileged host service and per-session UI helpers. The pipe is
// the only trust boundary between the two processes: both sides bound
// frame sizes and validate message kinds before acting.
package ipc

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/jurafish/aspia/internal/domain"
	"github.com/jurafish/aspia/internal/proto"
)

// Listener receives channel events. Callbacks run on the channel's read
// goroutine; implementations post to their own runner.
type Listener interface {
	OnChannelMessage(data []byte)
	OnChannelDisconnected()
}

// Channel is a reliable, ordered, whole-message local pipe.
type Channel struct {
	conn net.Conn
	rd   *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	maxFrame int
}

// Dial connects to the service endpoint (a unix socket path).
func Dial(endpoint string) (*Channel, error) {
	conn, err := net.Dial("unix", endpoint)
	if err != nil {
		return nil, err
	}
	return newChannel(conn), nil
}

func newChannel(conn net.Conn) *Channel {
	return &Channel{
		conn:     conn,
		rd:       bufio.NewReader(conn),
		closed:   make(chan struct{}),
		maxFrame: proto.DefaultMaxFrameSize,
	}
}

// Start begins delivering messages to the listener. It must be called
// exactly once; OnChannelDisconnected fires exactly once, whether the
// close is local or peer-initiated.
func (c *Channel) Start(l Listener) {
	go c.readLoop(l)
}

func (c *Channel) readLoop(l Listener) {
	defer func() {
		c.Close()
		l.OnChannelDisconnected()
	}()

	for {
		payload, err := proto.ReadFrame(c.rd, c.maxFrame)
		if err != nil {
			// A framing violation is indistinguishable from a hostile
			// peer; the channel is closed either way.
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
		l.OnChannelMessage(payload)
	}
}

// Send writes one whole message. Closing the channel while sends are in
// flight may drop untransmitted messages; retry is the caller's call.
func (c *Channel) Send(data []byte) error {
	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := proto.WriteFrame(c.conn, data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return domain.ErrChannelClosed
		}
		return err
	}
	return nil
}

// Close tears the channel down. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
