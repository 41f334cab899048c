package tunnel

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ListenerState enumerates the readiness of a per-rule Local Listener (§3).
type ListenerState int

const (
	ListenerPending ListenerState = iota
	ListenerActive
	ListenerFailed
	ListenerStopped
)

// Listener is one accept loop bound to a ForwardingRule's local_bind,
// dispatching every accepted connection to a Forward Handler worker (4.E).
// It never returns from start() in ListenerPending: bind either succeeds
// (ListenerActive) or fails (ListenerFailed).
type Listener struct {
	rule     ForwardingRule
	session  *Session
	logger   *logrus.Logger
	threaded bool

	mu      sync.Mutex
	state   ListenerState
	bindErr error
	netLn   net.Listener
	boundAt Address // actual bound address, port resolved if rule asked for 0

	done      chan struct{}
	closeOnce sync.Once

	conns   map[net.Conn]struct{}
	connsMu sync.Mutex

	channels map[ssh.Channel]struct{}
	chansMu  sync.Mutex

	handlerWG sync.WaitGroup

	onHandlerError func(error)
}

// newListener constructs an unstarted Listener for rule. threaded selects
// the dispatch mode (§6): true spawns one worker per accepted connection,
// false serializes handling within this listener.
func newListener(rule ForwardingRule, session *Session, logger *logrus.Logger, onHandlerError func(error), threaded bool) *Listener {
	return &Listener{
		rule:           rule,
		session:        session,
		logger:         logger,
		threaded:       threaded,
		state:          ListenerPending,
		done:           make(chan struct{}),
		conns:          make(map[net.Conn]struct{}),
		channels:       make(map[ssh.Channel]struct{}),
		onHandlerError: onHandlerError,
	}
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BoundAddress returns the actual local address the listener is bound to,
// with an OS-assigned port resolved (§3, §8 invariant 5).
func (l *Listener) BoundAddress() Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAt
}

// start binds the local endpoint and enters the accept loop in a dedicated
// worker. It returns once bind has either succeeded or failed; it never
// leaves the listener in ListenerPending.
func (l *Listener) start() {
	network, addr := "tcp", l.rule.LocalBind.String()
	if l.rule.LocalBind.IsSocket() {
		network = "unix"
	}

	ln, err := net.Listen(network, addr)
	l.mu.Lock()
	if err != nil {
		l.state = ListenerFailed
		l.bindErr = err
		l.mu.Unlock()
		return
	}
	l.netLn = ln
	l.boundAt = resolvedBindAddress(l.rule.LocalBind, ln)
	l.state = ListenerActive
	l.mu.Unlock()

	go l.acceptLoop()
}

func resolvedBindAddress(original Address, ln net.Listener) Address {
	if original.IsSocket() {
		return original
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return original
	}
	port, _ := strconv.Atoi(portStr)
	if host == "" {
		host = original.Host
	}
	return Address{Host: host, Port: port}
}

func (l *Listener) acceptLoop() {
	var tempDelay time.Duration
	for {
		conn, err := l.netLn.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			l.logger.Debugf("accept error on %s: %v", l.rule.LocalBind.String(), err)
			return
		}
		tempDelay = 0

		l.connsMu.Lock()
		l.conns[conn] = struct{}{}
		l.connsMu.Unlock()

		if l.threaded {
			// Default dispatch (§6): one connection never blocks the next.
			l.handlerWG.Add(1)
			go func() {
				defer l.handlerWG.Done()
				defer l.forgetConn(conn)
				handleConnection(conn, l.session, l.rule.RemoteTarget, l.done, l.logger, l.onHandlerError, l.trackChannel)
			}()
		} else {
			// Serialized dispatch (§6): handle fully before accepting next.
			l.handlerWG.Add(1)
			func() {
				defer l.handlerWG.Done()
				defer l.forgetConn(conn)
				handleConnection(conn, l.session, l.rule.RemoteTarget, l.done, l.logger, l.onHandlerError, l.trackChannel)
			}()
		}
	}
}

func (l *Listener) forgetConn(conn net.Conn) {
	l.connsMu.Lock()
	delete(l.conns, conn)
	l.connsMu.Unlock()
}

// trackChannel registers ch as live for this listener and returns a closure
// that unregisters it, passed to handleConnection so a force-stop can close
// every outstanding channel even when it has no local net.Conn counterpart
// blocked (the channel read itself is what's stuck).
func (l *Listener) trackChannel(ch ssh.Channel) func() {
	l.chansMu.Lock()
	l.channels[ch] = struct{}{}
	l.chansMu.Unlock()
	return func() {
		l.chansMu.Lock()
		delete(l.channels, ch)
		l.chansMu.Unlock()
	}
}

// stop interrupts the accept loop, unbinds the listener socket, and signals
// in-flight handlers to stop. A force stop additionally closes every live
// conn and channel to unblock stuck reads, and never waits unboundedly: every
// wait in this method is bounded by deadline.
func (l *Listener) stop(force bool, deadline time.Duration) {
	l.closeOnce.Do(func() {
		close(l.done)
	})

	l.mu.Lock()
	ln := l.netLn
	l.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	if force {
		l.closeAllConns()
		l.closeAllChannels()
		waitWithTimeout(&l.handlerWG, deadline)
	} else if !waitWithTimeout(&l.handlerWG, deadline) {
		l.closeAllConns()
		l.closeAllChannels()
		waitWithTimeout(&l.handlerWG, deadline)
	}

	l.mu.Lock()
	if l.state == ListenerActive {
		l.state = ListenerStopped
	}
	l.mu.Unlock()
}

func (l *Listener) closeAllConns() {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	for c := range l.conns {
		c.Close()
	}
}

func (l *Listener) closeAllChannels() {
	l.chansMu.Lock()
	defer l.chansMu.Unlock()
	for ch := range l.channels {
		forceCloseChannel(ch)
	}
}

// waitWithTimeout blocks on wg up to d, returning whether it completed.
func waitWithTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// probe implements check_tunnels' per-listener health check: connect then
// immediately close.
func (l *Listener) probe() bool {
	addr := l.BoundAddress()
	network := "tcp"
	if addr.IsSocket() {
		network = "unix"
	}
	conn, err := net.DialTimeout(network, addr.String(), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
