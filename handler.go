package tunnel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// shuttleBufferSize is the recommended per-direction copy buffer (4.D).
const shuttleBufferSize = 16 << 10

var shuttleBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, shuttleBufferSize)
		return &buf
	},
}

// handleConnection implements the Forward Handler (4.D) for one accepted
// local connection. It requests a direct-tcpip channel, then runs two byte
// shuttles concurrently. The moment either direction terminates, both sides
// are closed (4.D item 4; §3: "destroyed when either side reports EOF or
// error") — neither shuttle waits for its sibling before tearing down.
// trackChannel registers the opened channel with the caller (the Listener)
// so a force-stop can close it out-of-band to unblock a stuck read; it
// returns an untrack closure that handleConnection defers.
func handleConnection(local net.Conn, session *Session, remoteTarget Address, done <-chan struct{}, logger *logrus.Logger, onError func(error), trackChannel func(ssh.Channel) func()) {
	defer local.Close()

	originHost, originPortStr, _ := net.SplitHostPort(local.RemoteAddr().String())
	var originPort int
	if originPortStr != "" {
		// Best effort; an unparsable origin port does not block forwarding.
		for _, r := range originPortStr {
			if r < '0' || r > '9' {
				originPort = 0
				break
			}
			originPort = originPort*10 + int(r-'0')
		}
	}

	channel, err := session.openDirectTCPIP(remoteTarget, originHost, originPort)
	if err != nil {
		logger.Debugf("channel open to %s failed: %v", remoteTarget.String(), err)
		if onError != nil {
			onError(&HandlerError{LocalBind: local.LocalAddr().String(), Cause: err})
		}
		return
	}
	defer channel.Close()

	if trackChannel != nil {
		untrack := trackChannel(channel)
		defer untrack()
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			local.Close()
			channel.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		shuttle(channel, local, done, logger)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		shuttle(local, channel, done, logger)
		closeBoth()
	}()
	wg.Wait()
}

// shuttle copies from src to dst until EOF, an error, or done is closed. It
// never blocks indefinitely: when src is a net.Conn, reads use a short
// deadline (SSH_TIMEOUT-scale) so a pending read re-checks done promptly;
// ssh.Channel has no deadline support, so the caller closes it out-of-band
// (via closeBoth or a force-stop) to unblock a stuck read.
func shuttle(dst io.Writer, src io.Reader, done <-chan struct{}, logger *logrus.Logger) {
	buf := shuttleBufPool.Get().(*[]byte)
	defer shuttleBufPool.Put(buf)

	type deadliner interface {
		SetReadDeadline(time.Time) error
	}

	dl, hasDeadline := src.(deadliner)

	for {
		select {
		case <-done:
			return
		default:
		}

		if hasDeadline {
			dl.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		}

		n, err := src.Read(*buf)
		if n > 0 {
			if logger.IsLevelEnabled(logrus.TraceLevel) {
				logger.Tracef("shuttled %d bytes", n)
			}
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err != io.EOF {
				logger.Debugf("shuttle read error: %v", err)
			}
			return
		}
	}
}

// forceCloseChannel unblocks a channel's blocked Read when the forwarder is
// stopping with force: ssh.Channel has no SetDeadline, so the only way to
// interrupt it is to close it.
func forceCloseChannel(ch ssh.Channel) {
	ch.Close()
}
