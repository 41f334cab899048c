// Package testsshd is an in-process SSH gateway used only by this module's
// tests. It is grounded on the teacher's server-side accept loop
// (NadeemAfana-tunnel's main.go/ssh.go): a net.Listener feeding
// ssh.NewServerConn, serving only "direct-tcpip" channels (every other
// channel type, "session" included, is rejected) so tests can exercise the
// Forward Handler end-to-end. Unlike the teacher, it accepts
// both password and public-key auth (for testing the Authentication
// Resolver) and serves the client-forwarding direction (direct-tcpip)
// rather than reverse (tcpip-forward).
package testsshd

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Server is a minimal SSH gateway: it authenticates connections and honors
// direct-tcpip channel requests by dialing the requested destination
// locally, mimicking what a real gateway would do for a forwarding rule's
// remote_target.
type Server struct {
	Addr string

	mu           sync.Mutex
	ln           net.Listener
	config       *ssh.ServerConfig
	allowedUser  string
	allowedPass  string
	authorized   map[string]bool // marshaled public keys
	hostKey      ssh.Signer
	dialTargets  map[string]bool // allowed "host:port" direct-tcpip destinations, nil = allow all
	closed       chan struct{}
}

// New starts a Server listening on an ephemeral loopback port. password and
// authorizedKeys configure accepted credentials; either or both may be set.
func New(hostKey ssh.Signer, password string, authorizedKeys []ssh.PublicKey) (*Server, error) {
	s := &Server{
		allowedPass: password,
		authorized:  map[string]bool{},
		hostKey:     hostKey,
		closed:      make(chan struct{}),
	}
	for _, k := range authorizedKeys {
		s.authorized[string(k.Marshal())] = true
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if s.allowedPass != "" && string(pass) == s.allowedPass {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authorized[string(pubKey.Marshal())] {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	if password == "" {
		s.config.PasswordCallback = nil
	}
	if len(authorizedKeys) == 0 {
		s.config.PublicKeyCallback = nil
	}
	s.config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.Addr = ln.Addr().String()

	go s.acceptLoop()
	return s, nil
}

// HostKey exposes the server's host public key, for tests that pin a
// fingerprint or populate a known_hosts file.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				return
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(nConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		nConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.UnknownChannelType, "only direct-tcpip is served")
			continue
		}
		go s.handleDirectTCPIP(newChannel)
	}
}

type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}

	dest := fmt.Sprintf("%s:%d", payload.DestAddr, payload.DestPort)

	s.mu.Lock()
	allowed := s.dialTargets == nil || s.dialTargets[dest]
	s.mu.Unlock()
	if !allowed {
		newChannel.Reject(ssh.Prohibited, "destination not allowed")
		return
	}

	target, err := net.Dial("tcp", dest)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	go func() {
		defer channel.Close()
		defer target.Close()
		copyStream(target, channel)
	}()
	go func() {
		defer channel.Close()
		defer target.Close()
		copyStream(channel, target)
	}()
}

func copyStream(dst interface{ Write([]byte) (int, error) }, src interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 16<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// RestrictDestinations limits which "host:port" direct-tcpip destinations
// the server will dial, for tests exercising a specific remote_target.
func (s *Server) RestrictDestinations(allowed ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
	}
	s.dialTargets = m
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	close(s.closed)
	return s.ln.Close()
}
