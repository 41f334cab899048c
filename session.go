package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SessionState enumerates the lifecycle of a Session (§3).
type SessionState int

const (
	SessionUnauth SessionState = iota
	SessionAuthenticating
	SessionReady
	SessionClosing
	SessionClosed
)

// Session wraps a single authenticated SSH transport to one gateway. Only
// SessionReady permits channel opens.
type Session struct {
	mu    sync.Mutex
	state SessionState
	conn  net.Conn // underlying transport conn, owned here for Close()
	inner *ssh.Client

	gateway Address
	logger  *logrus.Logger

	keepaliveStop chan struct{}
	keepaliveWG   sync.WaitGroup
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// openSession establishes the transport to the gateway over carrier (a raw
// net.Conn, or an SSH channel wrapped as a net.Conn for chained hops),
// verifies the host key per policy, then tries credentials in order. The
// first credential that authenticates wins; later ones are not tried. If
// all fail, returns AuthenticationError carrying the last wire error.
func openSession(ctx context.Context, carrier net.Conn, gateway GatewaySpec, credentials []Credential, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = defaultLogger()
	}

	s := &Session{state: SessionAuthenticating, gateway: gateway.Address, logger: logger}

	hostKeyCallback, err := buildHostKeyCallback(gateway.HostKeyPolicy, gateway.Address)
	if err != nil {
		return nil, err
	}

	// One handshake offers every credential in order. Key credentials share
	// one publickey method placed at the first key's position, since the
	// client tries each method kind only once.
	var signers []ssh.Signer
	var methods []ssh.AuthMethod
	for _, cred := range credentials {
		if k, ok := cred.(keyCredential); ok {
			if signers == nil {
				methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) { return signers, nil }))
			}
			signers = append(signers, k.signer)
			continue
		}
		methods = append(methods, cred.Method())
	}
	clientConf := &ssh.ClientConfig{
		User:            gateway.Username,
		Auth:            methods,
		HostKeyCallback: wrapHostKeyCallback(hostKeyCallback, gateway.Address, logger),
		Timeout:         10 * time.Second,
	}
	sshConn, chans, reqs, err := sshHandshake(ctx, carrier, gateway.Address.String(), clientConf)
	if err != nil {
		var hkErr *HostKeyError
		if errors.As(err, &hkErr) {
			return nil, hkErr
		}
		carrier.Close()
		return nil, &AuthenticationError{Gateway: gateway.Address.String(), Last: err}
	}
	s.inner = ssh.NewClient(sshConn, chans, reqs)
	s.conn = carrier
	s.setState(SessionReady)
	return s, nil
}

// sshHandshake performs the SSH handshake on carrier, respecting ctx
// cancellation by racing the blocking handshake against ctx.Done().
func sshHandshake(ctx context.Context, carrier net.Conn, addr string, conf *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewClientConn(carrier, addr, conf)
		done <- result{conn, chans, reqs, err}
	}()
	select {
	case <-ctx.Done():
		carrier.Close()
		<-done
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}

// buildHostKeyCallback materializes the verification function for policy,
// without yet wrapping it to translate errors into HostKeyError.
func buildHostKeyCallback(policy HostKeyPolicy, gateway Address) (ssh.HostKeyCallback, error) {
	switch policy.Kind {
	case HostKeyAcceptAny:
		return ssh.InsecureIgnoreHostKey(), nil

	case HostKeyRequireSpecific:
		pinned := normalizeFingerprint(policy.Fingerprint)
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			got := normalizeFingerprint(ssh.FingerprintSHA256(key))
			if got != pinned {
				return fmt.Errorf("fingerprint mismatch: got %s want %s", got, pinned)
			}
			return nil
		}, nil

	default: // HostKeyRequireKnown
		files := policy.KnownHostsFiles
		if len(files) == 0 {
			files = defaultKnownHostsFiles()
		}
		var existing []string
		for _, f := range files {
			if _, err := os.Stat(f); err == nil {
				existing = append(existing, f)
			}
		}
		if len(existing) == 0 {
			return nil, &HostKeyError{Gateway: gateway.String(), Reason: "no known_hosts file found"}
		}
		cb, err := knownhosts.New(existing...)
		if err != nil {
			return nil, &HostKeyError{Gateway: gateway.String(), Reason: err.Error()}
		}
		return cb, nil
	}
}

// wrapHostKeyCallback adapts any failure from the underlying callback into a
// HostKeyError, matching §4.C's "Unknown host -> HostKeyError" / "mismatch
// -> HostKeyError" contract.
func wrapHostKeyCallback(cb ssh.HostKeyCallback, gateway Address, logger *logrus.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			logger.Debugf("host key rejected for %s: %v", hostname, err)
			return &HostKeyError{
				Gateway:     gateway.String(),
				Fingerprint: ssh.FingerprintSHA256(key),
				Reason:      err.Error(),
			}
		}
		return nil
	}
}

func normalizeFingerprint(fp string) string {
	fp = strings.ToLower(fp)
	fp = strings.ReplaceAll(fp, ":", "")
	return strings.TrimPrefix(fp, "sha256")
}

func defaultKnownHostsFiles() []string {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, home+"/.ssh/known_hosts")
	}
	if _, err := os.Stat("/etc/ssh/ssh_known_hosts"); err == nil {
		files = append(files, "/etc/ssh/ssh_known_hosts")
	}
	return files
}

// openDirectTCPIP requests a direct-tcpip channel to remoteTarget. Failure
// is returned per call and is never fatal to the Session.
func (s *Session) openDirectTCPIP(remoteTarget Address, originHost string, originPort int) (ssh.Channel, error) {
	if s.State() != SessionReady {
		return nil, &SessionError{Gateway: s.gateway.String(), Cause: fmt.Errorf("session not ready")}
	}
	ch, reqs, err := s.inner.OpenChannel("direct-tcpip", ssh.Marshal(&directTCPIPPayload{
		DestAddr:   remoteTarget.Host,
		DestPort:   uint32(remoteTarget.Port),
		OriginAddr: originHost,
		OriginPort: uint32(originPort),
	}))
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// dialThroughChannel opens a direct-tcpip channel to target and wraps it as
// a net.Conn, used to carry the next hop's transport in a gateway chain
// (4.H).
func (s *Session) dialThroughChannel(target Address) (net.Conn, error) {
	return s.inner.Dial("tcp", target.String())
}

type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// setKeepalive enables protocol-level keepalive probes at interval,
// mirroring the teacher's ticker-based client keepalive in main.go but
// sending "keepalive@openssh.com" client to server rather than server to
// client.
func (s *Session) setKeepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.keepaliveStop = make(chan struct{})
	s.keepaliveWG.Add(1)
	go func() {
		defer s.keepaliveWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.keepaliveStop:
				return
			case <-ticker.C:
				if s.State() != SessionReady {
					return
				}
				_, _, err := s.inner.SendRequest("keepalive@openssh.com", true, nil)
				if err != nil {
					s.logger.Debugf("keepalive to %s failed: %v", s.gateway.String(), err)
				}
			}
		}
	}()
}

// close is idempotent and unblocks any blocked channel waiters by closing
// the underlying transport.
func (s *Session) close() error {
	s.mu.Lock()
	if s.state == SessionClosed || s.state == SessionClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosing
	s.mu.Unlock()

	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveWG.Wait()
	}

	var err error
	if s.inner != nil {
		err = s.inner.Close()
	}
	s.setState(SessionClosed)
	return err
}

// dialViaProxyCommand spawns an OpenSSH-style ProxyCommand and wraps its
// stdin/stdout as a net.Conn, used as the carrier for the outermost hop
// when Config.SSHProxyEnabled is set. No example repo in the corpus wraps
// ProxyCommand execution in a third-party process library; os/exec is the
// standard-library tool for "run this shell command and speak a protocol
// over its stdio", so it is used directly here.
func dialViaProxyCommand(ctx context.Context, command string, target Address) (net.Conn, error) {
	command = strings.NewReplacer(
		"%h", target.Host,
		"%p", strconv.Itoa(target.Port),
	).Replace(command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &proxyCommandConn{stdin: stdin, stdout: stdout, cmd: cmd}, nil
}

// proxyCommandConn adapts a ProxyCommand child process's stdio pipes to
// net.Conn so it can serve as an ssh transport carrier.
type proxyCommandConn struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (c *proxyCommandConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *proxyCommandConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }
func (c *proxyCommandConn) Close() error {
	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
func (c *proxyCommandConn) LocalAddr() net.Addr               { return nil }
func (c *proxyCommandConn) RemoteAddr() net.Addr              { return nil }
func (c *proxyCommandConn) SetDeadline(t time.Time) error      { return nil }
func (c *proxyCommandConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *proxyCommandConn) SetWriteDeadline(t time.Time) error { return nil }
