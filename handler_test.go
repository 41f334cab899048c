package tunnel

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"sshtunnel/internal/testsshd"
)

var _ = Describe("handleConnection", func() {

	var (
		gw   *testsshd.Server
		sess *Session
	)

	BeforeEach(func() {
		hostKey, err := testsshd.GenerateSigner()
		Expect(err).NotTo(HaveOccurred())
		gw, err = testsshd.New(hostKey, "s3cr3t", nil)
		Expect(err).NotTo(HaveOccurred())

		conn, err := net.Dial("tcp", gw.Addr)
		Expect(err).NotTo(HaveOccurred())
		host, portStr, _ := net.SplitHostPort(gw.Addr)
		var port int
		fscanPort(portStr, &port)
		sess, err = openSession(context.Background(), conn, GatewaySpec{
			Address:       Address{Host: host, Port: port},
			Username:      "u",
			HostKeyPolicy: HostKeyPolicy{Kind: HostKeyAcceptAny},
		}, []Credential{NewPasswordCredential("s3cr3t")}, testLogger())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		sess.close()
		gw.Close()
	})

	It("reports a HandlerError when the remote rejects the direct-tcpip channel", func() {
		gw.RestrictDestinations() // empty allow-list: every destination rejected

		local, remote := net.Pipe()
		defer remote.Close()

		var reported error
		done := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			handleConnection(local, sess, Address{Host: "127.0.0.1", Port: 9999}, done, testLogger(), func(err error) {
				reported = err
			}, nil)
			close(finished)
		}()

		Eventually(finished, 2*time.Second).Should(BeClosed())
		Expect(reported).To(BeAssignableToTypeOf(&HandlerError{}))
	})

	It("closes both sides as soon as either direction terminates, without waiting for its sibling", func() {
		target, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer target.Close()

		// The remote side accepts then immediately closes, so the
		// channel-to-local shuttle sees EOF right away while the
		// local-to-channel shuttle has nothing to read and would otherwise
		// block indefinitely on a quiet client connection.
		go func() {
			c, err := target.Accept()
			if err != nil {
				return
			}
			c.Close()
		}()

		_, portStr, _ := net.SplitHostPort(target.Addr().String())
		var port int
		fscanPort(portStr, &port)

		local, remote := net.Pipe()
		done := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			handleConnection(local, sess, Address{Host: "127.0.0.1", Port: port}, done, testLogger(), nil, nil)
			close(finished)
		}()

		Eventually(finished, 2*time.Second).Should(BeClosed())

		// handleConnection returned, which only happens after both shuttle
		// goroutines exited; since the client side (remote) was never
		// written to, the only way that can happen this quickly is that the
		// channel-side EOF triggered closing local too, unblocking the
		// local-to-channel shuttle's Read.
		remote.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		_, err = remote.Read(buf)
		Expect(err).To(HaveOccurred())
	})
})
