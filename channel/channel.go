// Package channel is the length-framed duplex pipe between the worker manager and its
// workers.
//
// Both ends are created up front as an AF_UNIX stream socketpair so that one end can be
// handed to a child process. Frames are a 4-byte big-endian payload length followed by
// the payload; messages on one channel are strictly FIFO.
//
// Reads go straight to the socket without user space buffering, so poll(2) readiness as
// reported by Select is exact.
package channel

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"fleetrpc/protocol"
)

// ErrClosed is returned by reads when the peer closed its end, and by every operation
// after Close.
var ErrClosed = errors.New("channel: closed")

type Channel struct {
	conn         *net.UnixConn
	writeTimeout time.Duration

	rmu    sync.Mutex
	wmu    sync.Mutex
	closed atomic.Bool
}

// SocketPair returns both ends of a fresh socketpair as files. Both are close-on-exec;
// pass one through exec.Cmd.ExtraFiles to hand it to a child.
func SocketPair() (a, b *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "channel: socketpair")
	}
	a = os.NewFile(uintptr(fds[0]), "channel-a")
	b = os.NewFile(uintptr(fds[1]), "channel-b")
	return a, b, nil
}

// Pair returns two connected channels.
func Pair() (*Channel, *Channel, error) {
	fa, fb, err := SocketPair()
	if err != nil {
		return nil, nil, err
	}
	defer fa.Close()
	defer fb.Close()
	a, err := FromFile(fa)
	if err != nil {
		return nil, nil, err
	}
	b, err := FromFile(fb)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// FromFile wraps a socket file. The descriptor is duplicated, so the caller still owns f.
func FromFile(f *os.File) (*Channel, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "channel: file conn")
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("channel: %s is not a unix socket", f.Name())
	}
	return New(uc), nil
}

func New(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// SetWriteTimeout bounds how long WriteFrame waits for the peer to accept bytes.
// Zero waits forever.
func (c *Channel) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// WriteFrame writes one frame completely or fails. A write that hits the timeout is
// abandoned; the stream is then unusable and should be closed.
func (c *Channel) WriteFrame(p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := protocol.WritePrefixed(c.conn, p); err != nil {
		if isClosedErr(err) {
			return ErrClosed
		}
		return errors.Wrap(err, "channel: send abandoned")
	}
	return nil
}

// ReadFrame blocks until one complete frame has arrived.
func (c *Channel) ReadFrame() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	p, err := protocol.ReadPrefixed(c.conn)
	if err != nil {
		if isClosedErr(err) {
			return nil, ErrClosed
		}
		return nil, errors.Wrap(err, "channel: read")
	}
	return p, nil
}

func (c *Channel) Send(m *Message) error {
	b, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.WriteFrame(b)
}

func (c *Channel) Read() (*Message, error) {
	b, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(b)
}

func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Channel) IsClosed() bool { return c.closed.Load() }

func (c *Channel) fd() (int, bool) {
	if c.closed.Load() {
		return -1, false
	}
	rc, err := c.conn.SyscallConn()
	if err != nil {
		return -1, false
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, false
	}
	return fd, fd >= 0
}

// Select returns the channels that have a frame (or EOF) ready to read within timeout.
// A negative timeout blocks until one is ready; zero only checks. Closed channels are
// reported ready so their owner notices.
func Select(chs []*Channel, timeout time.Duration) ([]*Channel, error) {
	var ready []*Channel
	fds := make([]unix.PollFd, 0, len(chs))
	idx := make([]*Channel, 0, len(chs))
	for _, c := range chs {
		fd, ok := c.fd()
		if !ok {
			ready = append(ready, c)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		idx = append(idx, c)
	}
	if len(ready) > 0 {
		timeout = 0
	}
	if len(fds) == 0 {
		if len(ready) == 0 && timeout > 0 {
			time.Sleep(timeout)
		}
		return ready, nil
	}

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, errors.Wrap(err, "channel: poll")
	}
	if n == 0 {
		return ready, nil
	}
	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready = append(ready, idx[i])
		}
	}
	return ready, nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
